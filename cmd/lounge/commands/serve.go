package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/NethermindEth/agent-lounge/api"
	"github.com/NethermindEth/agent-lounge/api/handlers"
	"github.com/NethermindEth/agent-lounge/config"
	"github.com/NethermindEth/agent-lounge/core"
	"github.com/NethermindEth/agent-lounge/director"
)

var (
	// ConfigFile and EnvFile are bound to the root command's persistent flags.
	ConfigFile string
	EnvFile    string
)

// ServeCmd represents the serve command
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the director and the HTTP API",
	Long:  `Rehydrates the lounge from the store, runs the schedulers and serves the operator API until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	d, err := director.New(cfg, director.Options{}, log)
	if err != nil {
		return fmt.Errorf("start director: %w", err)
	}
	defer d.Close()

	h := &handlers.Handlers{
		World:         d.World(),
		Gate:          d.Coordinator(),
		Creds:         d.Coordinator(),
		Ledger:        d.Ledger(),
		Recent:        d.Recent(),
		Hub:           d.Hub(),
		Summaries:     d.Store(),
		Clock:         core.SystemClock{},
		Log:           log.Named("api"),
		VisitDuration: cfg.Autonomy.VisitDuration,
	}
	srv := api.NewServer(cfg.HTTPAddr, h, d.Registry(), log.Named("api"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })
	err = g.Wait()
	log.Info("lounge stopped")
	return err
}

// loadConfig reads the .env file and the configuration, then builds the
// logger they describe.
func loadConfig() (*config.Config, *zap.Logger, error) {
	var envErr error
	if EnvFile != "" {
		envErr = config.LoadDotEnv(EnvFile)
	}
	cfg, err := config.Load(ConfigFile)
	if err != nil {
		return nil, nil, err
	}
	log, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, nil, err
	}
	if envErr != nil {
		log.Warn(".env file not loaded", zap.Error(envErr))
	}
	return cfg, log, nil
}

func newLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	zcfg := zap.NewProductionConfig()
	if format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = lvl
	return zcfg.Build()
}
