package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/reactor/daemon"
)

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the reactor daemon and its HTTP API",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	cmd.Flags().String("config", "", "Path to reactor.yaml (default: ./reactor.yaml, then ~/.reactor/config.yaml)")
	cmd.Flags().String("host", "", "Listen host (overrides server.host)")
	cmd.Flags().IntP("port", "p", 0, "Listen port (overrides server.port)")
	cmd.Flags().Duration("shutdown-timeout", 30*time.Second, "How long to let running batches finish on shutdown")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	explicitConfigPath, _ := cmd.Flags().GetString("config")
	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("port")
	shutdownTimeout, _ := cmd.Flags().GetDuration("shutdown-timeout")
	out := cmd.OutOrStdout()

	cfg, configPath, err := daemon.LoadDiscovered(explicitConfigPath)
	if err != nil {
		return exitError(exitConfig, "loading config: %v", err)
	}
	if strings.TrimSpace(host) != "" {
		cfg.Server.Host = host
	}
	if port != 0 {
		cfg.Server.Port = port
	}
	if configPath != "" {
		fmt.Fprintf(out, "Loaded %d action(s) from %s\n", cfg.ActionCount(), configPath)
	}

	logger := NewLogger(cmd)
	d, err := daemon.New(cfg, daemon.Options{Logger: logger})
	if err != nil {
		return exitError(exitConfig, "%v", err)
	}
	if err := d.Start(); err != nil {
		return exitError(exitRuntime, "%v", err)
	}

	handler := withCORS(daemon.NewServer(d).Handler(), cfg.Server.CORSOrigin)
	handler = maxBodyMiddleware(handler, cfg.Server.MaxBody)

	addr := net.JoinHostPort(cfg.Server.Host, fmt.Sprintf("%d", cfg.Server.Port))
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Signal handling
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(out, "reactor daemon listening on %s\n", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		fmt.Fprintln(out, "Shutting down...")
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = err
	}
	if err := d.Stop(shutdownCtx); err != nil {
		logger.Warn("daemon stop", "error", err)
	}

	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return exitError(exitRuntime, "server error: %v", serveErr)
	}
	return nil
}

func withCORS(next http.Handler, allowedOrigin string) http.Handler {
	origin := strings.TrimSpace(allowedOrigin)
	if origin == "" {
		origin = "*"
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Last-Event-ID")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func maxBodyMiddleware(next http.Handler, maxBody int64) http.Handler {
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBody)
		next.ServeHTTP(w, r)
	})
}
