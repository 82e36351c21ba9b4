package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/agentchat/internal/api"
	"github.com/user/agentchat/internal/gateway"
)

var serveListen string

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "listen address (overrides http.listen)")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the local chat API server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func pidPath(dataDir string) string {
	return filepath.Join(dataDir, "agentchat.pid")
}

func writePIDFile(dataDir string) (string, error) {
	path := pidPath(dataDir)
	pid := os.Getpid()
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return path, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	listen := cfg.HTTP.Listen
	if serveListen != "" {
		listen = serveListen
	} else if !cfg.HTTP.Enabled {
		return errors.New("http api disabled (set http.enabled=true or pass --listen)")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	pidFile, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidFile)

	// Gateway
	gw := gateway.New(a.chats, a.signals, int64(cfg.MaxConcurrent))
	gw.Start(ctx)
	defer gw.Stop()

	httpServer := &http.Server{
		Addr:              listen,
		Handler:           api.NewServer(a.chats, a.signals, gw, a.agents, a.cfg.HTTP.AllowedOrigins...),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("api server started", "listen", listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("api server error", "error", err)
			cancel()
		}
	}()

	slog.Info("agentchat started",
		"data_dir", cfg.DataDir,
		"storage", cfg.Storage.Driver,
		"durability", cfg.Durability,
		"max_concurrent", cfg.MaxConcurrent,
		"llm_provider", cfg.LLM.Provider,
		"llm_model", cfg.LLM.Model,
		"agents", len(cfg.Agents),
		"pid_file", pidFile,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		select {
		case <-ctx.Done():
			return errors.New("api server stopped")
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				slog.Info("received SIGHUP, restarting")
				execPath, err := os.Executable()
				if err != nil {
					slog.Error("failed to get executable path", "error", err)
					continue
				}
				shutdown(httpServer)
				os.Remove(pidFile)
				if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
					slog.Error("failed to re-exec", "error", err)
					return err
				}
			}
			slog.Info("shutting down", "signal", sig)
			shutdown(httpServer)
			return nil
		}
	}
}

func shutdown(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Warn("api server shutdown", "error", err)
	}
}
