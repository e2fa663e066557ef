package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/CodeMonkeyCybersecurity/seclab/internal/api"
	"github.com/CodeMonkeyCybersecurity/seclab/internal/config"
	"github.com/CodeMonkeyCybersecurity/seclab/pkg/types"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the lab HTTP API and event stream",
	Long: `Start the lab API server.

Routes live under /api/v1, live events stream over the websocket at
/api/events, and Prometheus metrics are exposed at /metrics.

The server stops gracefully on SIGINT or SIGTERM: in-flight requests finish
and running scans are cancelled.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("addr", config.DefaultConfig().Server.Addr, "listen address")
	viper.BindPFlag("server.addr", serveCmd.Flags().Lookup("addr"))
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srvLog := log.WithComponent("server")

	rt, err := newRuntime(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer rt.Close()

	for _, w := range exposureWarnings(cfg.Server) {
		srvLog.Warnw(w, "address", cfg.Server.Addr, "allowed_origins", cfg.Server.AllowedOrigins)
	}

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	server := api.NewServer(rt.svc, cfg.Server, rt.metrics.Handler(), log)

	serverErrors := make(chan error, 1)
	go func() {
		srvLog.Infow("HTTP server listening",
			"address", server.Addr,
			"version", types.Version,
			"demo_mode", cfg.Lab.DemoMode,
			"config_file", viper.ConfigFileUsed(),
		)
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		srvLog.Infow("Shutdown signal received, draining")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		srvLog.Errorw("Graceful shutdown failed", "error", err)
		_ = server.Close()
	}
	if err := rt.svc.Shutdown(shutdownCtx); err != nil {
		srvLog.Warnw("Scans did not stop before the deadline", "error", err)
	}
	srvLog.Infow("Server stopped")
	return nil
}

// exposureWarnings lists the ways cfg opens the unauthenticated API beyond
// this machine.
func exposureWarnings(cfg config.ServerConfig) []string {
	var out []string
	host, _, err := net.SplitHostPort(cfg.Addr)
	if err == nil {
		ip := net.ParseIP(host)
		if host == "" || (ip != nil && ip.IsUnspecified()) {
			out = append(out, "API listens on every interface and has no authentication")
		}
	}
	if slices.Contains(cfg.AllowedOrigins, "*") {
		out = append(out, "Any web page may call the API; allowed_origins contains \"*\"")
	}
	return out
}
