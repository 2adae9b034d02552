package serverrun

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/eric-buaa-cn/smyte-db/internal/bootstrap"
	cfgpkg "github.com/eric-buaa-cn/smyte-db/internal/config"
	"github.com/eric-buaa-cn/smyte-db/internal/reference"
	logpkg "github.com/eric-buaa-cn/smyte-db/pkg/log"
)

// Options configures Run.
type Options struct {
	Config cfgpkg.Config
	// App supplies the factories. Nil runs the reference key/value service.
	App *bootstrap.Config
	// Logger overrides the logger built from Config.Logging.
	Logger logpkg.Logger
}

// Run creates the bootstrap and serves until ctx is cancelled or the
// process receives SIGINT or SIGTERM.
func Run(ctx context.Context, opts Options) error {
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.Config.Storage.DBPath == "" {
		opts.Config.Storage.DBPath = cfgpkg.DefaultDataDir()
	}
	logger, err := processLogger(opts)
	if err != nil {
		return err
	}
	// Pebble and NATS log through the standard library.
	logpkg.RedirectStdLog(logger)

	app := opts.App
	if app == nil {
		c := reference.New().Config()
		app = &c
	}

	logger.Info("starting smyte-db",
		logpkg.Str("db_path", opts.Config.Storage.DBPath),
		logpkg.Int("port", opts.Config.Server.Port),
		logpkg.Bool("health", opts.Config.Health.Enabled),
		logpkg.Int("health_http_port", opts.Config.Health.HTTPPort),
		logpkg.Int("health_grpc_port", opts.Config.Health.GRPCPort),
		logpkg.Str("fsync", opts.Config.Storage.Fsync),
		logpkg.Str("level", opts.Config.Logging.Level),
	)

	b, err := bootstrap.Create(*app, opts.Config, logger)
	if err != nil {
		return err
	}
	return b.Run(sctx)
}

func processLogger(opts Options) (logpkg.Logger, error) {
	if opts.Logger != nil {
		return opts.Logger, nil
	}
	return logpkg.ApplyConfig(&opts.Config.Logging)
}
