// Package nuclei runs the Nuclei CLI and streams its JSON-lines output.
package nuclei

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/CodeMonkeyCybersecurity/seclab/internal/config"
	"github.com/CodeMonkeyCybersecurity/seclab/internal/core"
	"github.com/CodeMonkeyCybersecurity/seclab/internal/logger"
	"github.com/CodeMonkeyCybersecurity/seclab/pkg/types"
)

const maxLineBytes = 4 << 20

type Adapter struct {
	cfg    *config.Store
	logger *logger.Logger
}

func New(cfg *config.Store, log *logger.Logger) *Adapter {
	return &Adapter{
		cfg:    cfg,
		logger: log.WithTool("nuclei"),
	}
}

func (a *Adapter) Name() types.Scanner { return types.ScannerNuclei }

// severityFilter lists the severities requested for each scan type.
func severityFilter(t types.ScanType) string {
	switch t {
	case types.ScanTypeQuick:
		return "critical,high"
	case types.ScanTypeFull:
		return "critical,high,medium,low,info"
	default:
		return "critical,high,medium"
	}
}

func buildArgs(nc config.NucleiConfig, req core.ScanRequest) []string {
	timeout := nc.Timeout
	if timeout <= 0 {
		timeout = 30
	}
	rl := nc.RateLimit
	if rl <= 0 {
		rl = 150
	}
	args := []string{
		"-u", req.TargetURL,
		"-s", severityFilter(req.ScanType),
		"-json",
		"-timeout", strconv.Itoa(timeout),
		"-rl", strconv.Itoa(rl),
	}
	return append(args, nc.ExtraArgs...)
}

func (a *Adapter) Run(ctx context.Context, req core.ScanRequest, sink core.Sink) error {
	nc := a.cfg.Get().Nuclei
	log := a.logger.WithScanID(req.ScanID).WithTarget(req.TargetURL)
	if !nc.Enabled {
		log.Infow("Nuclei scanning disabled in config")
		return nil
	}

	binary, err := exec.LookPath(nc.BinaryPath)
	if err != nil {
		log.Warnw("Nuclei binary not found, skipping Nuclei scan", "binary", nc.BinaryPath, "error", err)
		return nil
	}

	args := buildArgs(nc, req)
	log.Infow("Running nuclei scan", "binary", binary, "args", args)
	sink.Progress(0.1)

	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.WaitDelay = 2 * time.Second
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start nuclei: %w", err)
	}

	var stderrDone sync.WaitGroup
	stderrDone.Add(1)
	go func() {
		defer stderrDone.Done()
		s := bufio.NewScanner(stderr)
		for s.Scan() {
			log.Debugw("nuclei stderr", "output", s.Text())
		}
		_, _ = io.Copy(io.Discard, stderr)
	}()

	found := readResults(stdout, log, func(res result) {
		sink.Finding(res.toFinding(req.TargetURL))
	})
	stderrDone.Wait()

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(waitErr, &exitErr) && exitErr.ExitCode() == 1:
			log.Debugw("Nuclei exited with status 1", "findings", found)
		case found > 0:
			log.Warnw("Nuclei exited abnormally after reporting findings", "findings", found, "error", waitErr)
		default:
			return fmt.Errorf("nuclei scan failed: %w", waitErr)
		}
	}

	log.Infow("Nuclei scan finished", "findings", found)
	sink.Progress(0.9)
	return nil
}

// readResults passes each JSON-lines result in r to emit and returns how many
// it saw. It always reads r to EOF so nuclei never blocks on a full pipe.
func readResults(r io.Reader, log *logger.Logger, emit func(result)) int {
	found := 0
	lines := bufio.NewScanner(r)
	lines.Buffer(make([]byte, 64<<10), maxLineBytes)
	for lines.Scan() {
		line := bytes.TrimSpace(lines.Bytes())
		if len(line) == 0 {
			continue
		}
		var res result
		if err := json.Unmarshal(line, &res); err != nil {
			log.Debugw("Skipping unparseable nuclei output line", "error", err)
			continue
		}
		if res.TemplateID == "" && res.Info.Name == "" {
			log.Debugw("Skipping nuclei output line without a template", "line", string(line))
			continue
		}
		emit(res)
		found++
	}
	if err := lines.Err(); err != nil {
		log.Warnw("Error reading nuclei output, discarding the rest", "error", err)
		_, _ = io.Copy(io.Discard, r)
	}
	return found
}

type result struct {
	TemplateID       string   `json:"template-id"`
	Info             info     `json:"info"`
	Host             string   `json:"host"`
	MatchedAt        string   `json:"matched-at"`
	ExtractedResults []string `json:"extracted-results"`
	FuzzingParameter string   `json:"fuzzing_parameter"`
}

type info struct {
	Name           string         `json:"name"`
	Description    string         `json:"description"`
	Severity       string         `json:"severity"`
	Remediation    string         `json:"remediation"`
	Reference      stringList     `json:"reference"`
	Classification classification `json:"classification"`
}

type classification struct {
	CVSSScore *float64   `json:"cvss-score"`
	CWEID     stringList `json:"cwe-id"`
	CVEID     stringList `json:"cve-id"`
}

// stringList decodes either a JSON string or an array of strings.
type stringList []string

func (s *stringList) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*s = nil
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var one string
		if err := json.Unmarshal(b, &one); err != nil {
			return err
		}
		*s = stringList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

func (r result) toFinding(target string) types.Finding {
	f := types.Finding{
		Name:              r.Info.Name,
		Description:       r.Info.Description,
		Severity:          parseSeverity(r.Info.Severity),
		CVSSScore:         r.Info.Classification.CVSSScore,
		AffectedURL:       r.MatchedAt,
		AffectedParameter: r.FuzzingParameter,
		Evidence:          strings.Join(r.ExtractedResults, ", "),
		Solution:          r.Info.Remediation,
		References:        []string(r.Info.Reference),
		Scanner:           types.ScannerNuclei,
	}
	if f.Name == "" {
		f.Name = r.TemplateID
	}
	if f.Name == "" {
		f.Name = "Unknown"
	}
	if f.AffectedURL == "" {
		f.AffectedURL = target
	}
	if f.References == nil {
		f.References = []string{}
	}
	if len(r.Info.Classification.CWEID) > 0 {
		f.CWEID = strings.ToUpper(r.Info.Classification.CWEID[0])
	}
	if len(r.Info.Classification.CVEID) > 0 {
		f.CVEID = strings.ToUpper(r.Info.Classification.CVEID[0])
	}
	return f
}

func parseSeverity(s string) types.Severity {
	sev, err := types.ParseSeverity(s)
	if err != nil {
		return types.SeverityInfo
	}
	return sev
}
