package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/CodeMonkeyCybersecurity/seclab/internal/core"
	"github.com/CodeMonkeyCybersecurity/seclab/internal/events"
	"github.com/CodeMonkeyCybersecurity/seclab/internal/findings"
	"github.com/CodeMonkeyCybersecurity/seclab/internal/lab"
	"github.com/CodeMonkeyCybersecurity/seclab/internal/progress"
	"github.com/CodeMonkeyCybersecurity/seclab/internal/validation"
	"github.com/CodeMonkeyCybersecurity/seclab/pkg/types"
)

// statusPoll catches a terminal state whose event the broker dropped.
const statusPoll = time.Second

var scanCmd = &cobra.Command{
	Use:   "scan <target-url>",
	Short: "Run a vulnerability scan and stream its findings",
	Long: `Run a scan in-process and print findings as they are discovered.

The target must pass the ethical gate: allow-list it in the config, pass a
--scope-file, or verify the domain with a running server. Use --demo to see
canned findings without ZAP or Nuclei installed.

Exits non-zero when the scan fails. Ctrl-C cancels the scan.`,
	Example: `  seclab scan https://app.example.com --type quick --scanner nuclei
  seclab scan https://app.example.com --scope-file engagement.scope
  seclab scan http://testphp.vulnweb.com --demo --min-severity high`,
	Args: cobra.ExactArgs(1),
	RunE: runScan,
}

func init() {
	scanCmd.Flags().String("type", string(types.ScanTypeStandard), "scan type (quick, standard, full, custom)")
	scanCmd.Flags().String("scanner", string(types.ScannerBoth), "scanner (zap, nuclei, both)")
	scanCmd.Flags().String("min-severity", string(types.SeverityInfo), "only print findings at or above this severity")
	scanCmd.Flags().String("scope-file", "", "engagement scope file whose in-scope hosts are allow-listed")
	rootCmd.AddCommand(scanCmd)
}

type scanOptions struct {
	target      string
	scanType    types.ScanType
	scanner     types.Scanner
	minSeverity types.Severity
}

func parseScanOptions(cmd *cobra.Command, target string) (scanOptions, error) {
	opts := scanOptions{target: target}
	var err error

	raw, _ := cmd.Flags().GetString("type")
	if opts.scanType, err = types.ParseScanType(raw); err != nil {
		return opts, err
	}
	raw, _ = cmd.Flags().GetString("scanner")
	if opts.scanner, err = types.ParseScanner(raw); err != nil {
		return opts, err
	}
	raw, _ = cmd.Flags().GetString("min-severity")
	if opts.minSeverity, err = types.ParseSeverity(raw); err != nil {
		return opts, err
	}
	return opts, nil
}

func runScan(cmd *cobra.Command, args []string) error {
	opts, err := parseScanOptions(cmd, args[0])
	if err != nil {
		return err
	}

	if path, _ := cmd.Flags().GetString("scope-file"); path != "" {
		scope, err := validation.LoadScopeFile(path)
		if err != nil {
			return err
		}
		scope.ApplyTo(&cfg.Lab)
		log.Infow("Scope file applied",
			"path", path,
			"in_scope", len(scope.InScope),
			"out_of_scope", len(scope.OutOfScope),
		)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(context.Background(), cfg, log)
	if err != nil {
		return err
	}
	defer rt.Close()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = rt.svc.Shutdown(shutdownCtx)
	}()

	out := cmd.OutOrStdout()
	final, err := watchScan(ctx, rt.svc, opts, out, progress.New(out, !color.NoColor))
	if err != nil {
		return err
	}

	printSummary(out, final)
	if final.Status == types.ScanStatusFailed {
		return fmt.Errorf("scan failed: %s", final.ErrorMessage)
	}
	return nil
}

// watchScan starts the scan and prints its events until it reaches a terminal
// state. Cancelling ctx cancels the scan and keeps waiting for it to stop.
func watchScan(ctx context.Context, svc *lab.Service, opts scanOptions, out io.Writer, tracker *progress.Tracker) (types.Scan, error) {
	stream, unsubscribe := svc.Events().Subscribe(256)
	defer unsubscribe()

	scan, err := svc.StartScan(ctx, opts.target, opts.scanType, opts.scanner)
	if err != nil {
		return types.Scan{}, err
	}
	fmt.Fprintf(out, "%s %s scan of %s (%s)\n",
		color.CyanString("▶"), scan.ScanType, scan.TargetURL, scan.ID)

	printed := make(map[string]bool)
	show := func(f types.Finding) {
		if printed[f.ID] || !f.Severity.AtLeast(opts.minSeverity) {
			return
		}
		printed[f.ID] = true
		tracker.Println(formatFinding(f))
	}

	ticker := time.NewTicker(statusPoll)
	defer ticker.Stop()
	done := ctx.Done()

	for {
		select {
		case <-done:
			done = nil
			tracker.Println(color.YellowString("Cancelling scan..."))
			if err := svc.CancelScan(scan.ID); err != nil {
				return scan, err
			}
		case msg, ok := <-stream:
			if !ok {
				return scan, fmt.Errorf("event stream closed")
			}
			if terminal, ok := handleScanEvent(msg, scan.ID, tracker, show); ok {
				scan = terminal
				return finishScan(svc, scan, opts, tracker, show)
			}
		case <-ticker.C:
			current, err := svc.GetScan(scan.ID)
			if err != nil {
				return scan, err
			}
			if current.Status.IsTerminal() {
				return finishScan(svc, current, opts, tracker, show)
			}
		}
	}
}

// handleScanEvent applies one broker message for scanID. It returns the scan
// when the message is its terminal event.
func handleScanEvent(msg events.Message, scanID string, tracker *progress.Tracker, show func(types.Finding)) (types.Scan, bool) {
	switch msg.Topic {
	case core.TopicScanProgress:
		var p types.ScanProgress
		if json.Unmarshal(msg.Payload, &p) == nil && p.ScanID == scanID {
			tracker.Update(p.Progress, "scanning")
		}
	case core.TopicFindingDiscovered:
		var f types.Finding
		if json.Unmarshal(msg.Payload, &f) == nil && f.ScanID == scanID {
			show(f)
		}
	case core.TopicScanCompleted, core.TopicScanFailed, core.TopicScanCancelled:
		var s types.Scan
		if json.Unmarshal(msg.Payload, &s) == nil && s.ID == scanID {
			return s, true
		}
	}
	return types.Scan{}, false
}

// finishScan prints any findings whose events were missed.
func finishScan(svc *lab.Service, scan types.Scan, opts scanOptions, tracker *progress.Tracker, show func(types.Finding)) (types.Scan, error) {
	list, err := svc.ScanFindings(scan.ID, findings.Filter{MinSeverity: opts.minSeverity})
	if err != nil {
		return scan, err
	}
	for _, f := range list {
		show(f)
	}
	tracker.Update(scan.Progress, string(scan.Status))
	tracker.Complete(fmt.Sprintf("Scan %s", scan.Status))
	return scan, nil
}

func formatFinding(f types.Finding) string {
	line := fmt.Sprintf("%-8s %s\n         %s", colorSeverity(f.Severity), f.Name, f.AffectedURL)
	if f.AffectedParameter != "" {
		line += fmt.Sprintf(" [%s]", f.AffectedParameter)
	}
	if f.CWEID != "" {
		line += " " + color.HiBlackString(f.CWEID)
	}
	return line
}

func printSummary(out io.Writer, s types.Scan) {
	fmt.Fprintf(out, "\n%s  %s\n", colorStatus(s.Status), s.TargetURL)
	fmt.Fprintf(out, "Findings: %d (critical %d, high %d, medium %d, low %d, info %d)\n",
		s.FindingsCount, s.CriticalCount, s.HighCount, s.MediumCount, s.LowCount, s.InfoCount)
	if s.ErrorMessage != "" {
		fmt.Fprintf(out, "Error: %s\n", color.RedString(s.ErrorMessage))
	}
}

func colorStatus(status types.ScanStatus) string {
	switch status {
	case types.ScanStatusCompleted:
		return color.New(color.FgGreen).Sprint("✓ " + string(status))
	case types.ScanStatusFailed:
		return color.New(color.FgRed).Sprint("✗ " + string(status))
	case types.ScanStatusCancelled:
		return color.New(color.FgYellow).Sprint("■ " + string(status))
	default:
		return string(status)
	}
}

func colorSeverity(severity types.Severity) string {
	switch severity {
	case types.SeverityCritical:
		return color.New(color.FgRed, color.Bold).Sprint("CRITICAL")
	case types.SeverityHigh:
		return color.New(color.FgRed).Sprint("HIGH")
	case types.SeverityMedium:
		return color.New(color.FgYellow).Sprint("MEDIUM")
	case types.SeverityLow:
		return color.New(color.FgCyan).Sprint("LOW")
	case types.SeverityInfo:
		return color.New(color.FgWhite).Sprint("INFO")
	default:
		return string(severity)
	}
}
