package commands

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sourcecheck-ai/sourcecheck/internal/config"
	"github.com/sourcecheck-ai/sourcecheck/internal/event"
	"github.com/sourcecheck-ai/sourcecheck/internal/history"
	"github.com/sourcecheck-ai/sourcecheck/internal/logging"
	"github.com/sourcecheck-ai/sourcecheck/internal/metrics"
	"github.com/sourcecheck-ai/sourcecheck/internal/registry"
	"github.com/sourcecheck-ai/sourcecheck/internal/rpc"
	"github.com/sourcecheck-ai/sourcecheck/internal/server"
	"github.com/sourcecheck-ai/sourcecheck/internal/tool"
)

var (
	servePort int
	serveHost string
	serveDir  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the SourceCheck server",
	Long: `Start the SourceCheck server exposing the JSON-RPC tool protocol
over POST /mcp and the SSE transport at GET /sse.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on (overrides config)")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to listen on (overrides config)")
	serveCmd.Flags().StringVar(&serveDir, "directory", "", "Working directory")
}

func runServe(cmd *cobra.Command, args []string) error {
	workDir, err := GetWorkDir(serveDir)
	if err != nil {
		return err
	}

	cfg, err := config.Load(workDir)
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}
	if serveHost != "" {
		cfg.Server.Host = serveHost
	}

	bus := event.NewBus()
	defer bus.Close()

	collector := metrics.NewCollector("sourcecheck")
	unbind := collector.Bind(bus)
	defer unbind()

	reg := registry.New(registry.Config{
		QueueCapacity:       cfg.Server.QueueCapacity,
		InactivityThreshold: cfg.Server.InactivityThreshold.Std(90 * time.Second),
		SweepPeriod:         cfg.Server.SweepPeriod.Std(60 * time.Second),
	}, bus)

	tools := tool.DefaultRegistry(bus, runnerConfig(cfg))

	handler := rpc.NewHandler(rpc.ServerInfo{
		Name:         "SourceCheck",
		Version:      Version,
		Capabilities: []string{"tools/list", "tools/call"},
	}, tools, bus, cfg.Server.ToolTimeout.Std(30*time.Second))

	var hist *history.Store
	if cfg.HistoryEnabled() {
		hist = history.NewStore(cfg.HistoryDir(), cfg.History.Keep)
		defer hist.Bind(bus)()
	}

	// Re-register the runners when the project configuration changes; this
	// also pushes a list_changed notification to open streams.
	watcher, err := config.NewWatcher(workDir, func(updated *config.Config) {
		rc := runnerConfig(updated)
		tools.Register(tool.NewFlake8(rc))
		tools.Register(tool.NewBlack(rc))
		tools.Register(tool.NewBandit(rc))
	})
	if err != nil {
		logging.Warn().Err(err).Msg("config watcher disabled")
	} else {
		watcher.Start()
		defer watcher.Stop()
	}

	srv := server.New(cfg, reg, handler, bus, collector, hist)

	errCh := make(chan error, 1)
	go func() {
		logging.Info().
			Str("host", cfg.Server.Host).
			Int("port", cfg.Server.Port).
			Str("version", Version).
			Msg("starting sourcecheck server")
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logging.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// runnerConfig maps the loaded configuration onto the tool runners.
func runnerConfig(cfg *config.Config) tool.RunnerConfig {
	rc := tool.DefaultRunnerConfig()
	rc.TempDir = cfg.Tools.TempDir
	if cfg.Tools.Flake8.ConfigPath != "" {
		rc.Flake8Config = cfg.Tools.Flake8.ConfigPath
	}
	if cfg.Tools.Flake8.MaxLineLength > 0 {
		rc.Flake8MaxLineLength = cfg.Tools.Flake8.MaxLineLength
	}
	if cfg.Tools.Black.LineLength > 0 {
		rc.BlackLineLength = cfg.Tools.Black.LineLength
	}
	rc.BlackSkipStringNormalization = cfg.Tools.Black.SkipStringNormalization
	if cfg.Tools.Black.TargetVersion != "" {
		rc.BlackTargetVersion = cfg.Tools.Black.TargetVersion
	}
	if cfg.Tools.Bandit.ConfigPath != "" {
		rc.BanditConfig = cfg.Tools.Bandit.ConfigPath
	}
	return rc
}
