// Command dedupengined runs the dedup engine as a standalone daemon: it
// opens every storage layer under a data directory, starts background
// replay, and serves the read-only admin monitor over HTTP until signaled
// to stop. The SCSI/iSCSI command surface that would issue block reads and
// writes against the engine is an external collaborator (spec.md
// Non-goals) and is not started here.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dedupv1/dedupengine/internal/dedupengine/config"
	"github.com/dedupv1/dedupengine/internal/dedupengine/engine"
	"github.com/dedupv1/dedupengine/internal/dedupengine/monitor"
	"github.com/dedupv1/dedupengine/logger"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var dataDir string
	var configPath string
	var monitorAddr string
	var fastStop bool

	cmd := &cobra.Command{
		Use:   "dedupengined",
		Short: "run the dedup engine daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(dataDir, configPath, monitorAddr, fastStop)
		},
	}
	cmd.Flags().StringVar(&dataDir, "data-dir", ".", "directory holding the engine's on-disk state")
	cmd.Flags().StringVar(&configPath, "config", "", "path to an ini config file (defaults applied if empty)")
	cmd.Flags().StringVar(&monitorAddr, "monitor-addr", "127.0.0.1:9120", "address the read-only admin monitor listens on")
	cmd.Flags().BoolVar(&fastStop, "fast-stop", false, "skip flushing dirty cache pages on shutdown, relying on dirty replay at next start")
	return cmd
}

func run(dataDir, configPath, monitorAddr string, fastStop bool) error {
	if err := logger.InitLogger(logger.LogConfig{LogLevel: "info"}); err != nil {
		return err
	}

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	e, err := engine.Open(dataDir, cfg)
	if err != nil {
		return err
	}
	if err := e.Start(); err != nil {
		return err
	}
	logger.Infof("dedupengined: engine started at %s", dataDir)

	srv := &http.Server{Addr: monitorAddr, Handler: monitor.New(e)}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("dedupengined: monitor server: %v", err)
		}
	}()
	logger.Infof("dedupengined: monitor listening on %s", monitorAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Infof("dedupengined: shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)

	mode := engine.WritebackStop
	if fastStop {
		mode = engine.FastStop
	}
	if err := e.Stop(mode); err != nil {
		return err
	}
	return e.Close()
}
