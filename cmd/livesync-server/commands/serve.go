package commands

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/livesync-io/livesync/internal/config"
	"github.com/livesync-io/livesync/internal/engine"
	"github.com/livesync-io/livesync/internal/logging"
	"github.com/livesync-io/livesync/internal/server"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the synchronization server",
	Long: `Start the livesync server: an HTTP channel endpoint accepting wire
envelopes plus an SSE stream for server-pushed messages.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logPretty {
		cfg.Log.Pretty = true
	}

	logging.Init(logging.Config{
		Level:  logging.ParseLevel(cfg.Log.Level),
		Pretty: cfg.Log.Pretty,
	})

	eng := engine.New(cfg)
	if err := eng.Init(context.Background()); err != nil {
		return err
	}

	serverConfig := server.DefaultConfig()
	serverConfig.Port = cfg.Server.Port
	serverConfig.EnableCORS = cfg.Server.EnableCORS

	srv := server.New(serverConfig, eng)

	go func() {
		logging.Info().Int("port", cfg.Server.Port).Msg("server listening")
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logging.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logging.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("server shutdown error")
	}
	if err := eng.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("engine shutdown error")
	}

	logging.Info().Msg("stopped")
	return nil
}
