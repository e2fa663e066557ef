package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/CodeMonkeyCybersecurity/seclab/internal/httpclient"
	"github.com/CodeMonkeyCybersecurity/seclab/pkg/types"
)

// Verification state lives in the server, so these commands talk to it.
var verifyCmd = &cobra.Command{
	Use:   "verify <domain>",
	Short: "Request a domain ownership challenge from a running server",
	Long: `Ask a running 'seclab serve' for an ownership challenge and print the
steps to satisfy it. Once the record or file is in place, complete the
challenge with 'seclab verify check'.

Methods:
  dns_txt    TXT record "cube-verify=<token>" on the domain
  http_file  file at /.well-known/cube-verify.txt containing the token
  meta_tag   <meta name="cube-verify" content="<token>"> on the home page`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, method, err := verifyClientFromFlags(cmd)
		if err != nil {
			return err
		}
		var dv types.DomainVerification
		req := map[string]string{"domain": args[0], "method": string(method)}
		if err := c.do(cmd.Context(), http.MethodPost, "/api/v1/domains/verify", req, &dv); err != nil {
			return err
		}
		printChallenge(cmd.OutOrStdout(), dv)
		return nil
	},
}

var verifyCheckCmd = &cobra.Command{
	Use:   "check <domain> <token>",
	Short: "Complete a pending domain ownership challenge",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, method, err := verifyClientFromFlags(cmd)
		if err != nil {
			return err
		}
		var res struct {
			Domain   string `json:"domain"`
			Verified bool   `json:"verified"`
		}
		req := map[string]string{"domain": args[0], "token": args[1], "method": string(method)}
		if err := c.do(cmd.Context(), http.MethodPost, "/api/v1/domains/check", req, &res); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if !res.Verified {
			fmt.Fprintf(out, "%s %s could not be verified yet. Check the record and try again.\n",
				color.YellowString("✗"), args[0])
			return fmt.Errorf("domain %s not verified", args[0])
		}
		fmt.Fprintf(out, "%s %s verified\n", color.GreenString("✓"), res.Domain)
		return nil
	},
}

var verifyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List verified domains",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, err := verifyClientFromFlags(cmd)
		if err != nil {
			return err
		}
		var domains []types.VerifiedDomain
		if err := c.do(cmd.Context(), http.MethodGet, "/api/v1/domains", nil, &domains); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(domains) == 0 {
			fmt.Fprintln(out, "No verified domains")
			return nil
		}
		for _, d := range domains {
			fmt.Fprintf(out, "%-40s %-10s expires %s\n", d.Domain, d.Method, d.ExpiresAt.Format(time.DateOnly))
		}
		return nil
	},
}

func init() {
	verifyCmd.PersistentFlags().String("method", string(types.VerificationDNSTXT), "verification method (dns_txt, http_file, meta_tag)")
	verifyCmd.PersistentFlags().String("server", "http://localhost:8088", "base URL of the running seclab server")
	verifyCmd.AddCommand(verifyCheckCmd, verifyListCmd)
	rootCmd.AddCommand(verifyCmd)
}

func verifyClientFromFlags(cmd *cobra.Command) (*apiClient, types.VerificationMethod, error) {
	raw, _ := cmd.Flags().GetString("method")
	method, err := types.ParseVerificationMethod(raw)
	if err != nil {
		return nil, "", err
	}
	server, _ := cmd.Flags().GetString("server")
	return newAPIClient(server), method, nil
}

func printChallenge(out io.Writer, dv types.DomainVerification) {
	fmt.Fprintf(out, "Verification requested for %s (%s)\n\n", color.CyanString(dv.Domain), dv.Method)
	fmt.Fprintf(out, "Token:   %s\n", dv.Token)
	fmt.Fprintf(out, "Expires: %s\n\n", dv.ExpiresAt.Format(time.RFC1123))
	if dv.Instructions != "" {
		fmt.Fprintln(out, dv.Instructions)
		fmt.Fprintln(out)
	}
	fmt.Fprintf(out, "Then run: seclab verify check %s %s --method %s\n", dv.Domain, dv.Token, dv.Method)
}

// apiClient is a small JSON client for the lab API.
type apiClient struct {
	base   string
	client *http.Client
}

func newAPIClient(base string) *apiClient {
	cfg := httpclient.DefaultConfig()
	cfg.FollowRedirects = false
	return &apiClient{
		base:   strings.TrimRight(base, "/"),
		client: httpclient.New(cfg),
	}
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpclient.DoWithContext(ctx, c.client, req)
	if err != nil {
		return fmt.Errorf("failed to reach seclab server at %s: %w", c.base, err)
	}
	defer httpclient.CloseBody(resp)

	data, err := httpclient.ReadBody(resp, 1<<20)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("server returned %s", resp.Status)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}
