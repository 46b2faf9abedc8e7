package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/GoCodeAlone/hotswap"
)

// NewServeCommand creates the serve command, which runs the runtime in
// the foreground until interrupted.
func NewServeCommand() *cobra.Command {
	var configPath string
	var dataDir string
	var watchDir string
	var adminAddr string
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the module runtime",
		Long: `Runs the runtime in the foreground: recovers modules from the
checkpoint store, watches the descriptor drop directory and serves the
admin endpoint. Stops cleanly on SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := hotswap.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if dataDir != "" {
				cfg.DataDir = dataDir
			}
			if watchDir != "" {
				cfg.WatchDir = watchDir
			}
			if adminAddr != "" {
				cfg.AdminAddr = adminAddr
			}

			logger, err := newLogger(debug)
			if err != nil {
				return err
			}
			defer logger.sync()

			rt, err := hotswap.NewRuntime(cfg, logger)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			if err := rt.Start(ctx); err != nil {
				return err
			}

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig
			cancel()

			stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer stopCancel()
			return rt.Stop(stopCtx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a TOML or YAML config file")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "override the configured data directory")
	cmd.Flags().StringVar(&watchDir, "watch-dir", "", "override the descriptor drop directory")
	cmd.Flags().StringVar(&adminAddr, "admin-addr", "", "override the admin listen address")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	return cmd
}

// zapLogger adapts a zap sugared logger to the runtime's Logger
// interface.
type zapLogger struct {
	s *zap.SugaredLogger
}

func newLogger(debug bool) (*zapLogger, error) {
	var z *zap.Logger
	var err error
	if debug {
		z, err = zap.NewDevelopment()
	} else {
		z, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	return &zapLogger{s: z.Sugar()}, nil
}

func (l *zapLogger) Info(msg string, args ...any)  { l.s.Infow(msg, args...) }
func (l *zapLogger) Error(msg string, args ...any) { l.s.Errorw(msg, args...) }
func (l *zapLogger) Warn(msg string, args ...any)  { l.s.Warnw(msg, args...) }
func (l *zapLogger) Debug(msg string, args ...any) { l.s.Debugw(msg, args...) }

func (l *zapLogger) sync() { _ = l.s.Sync() }
