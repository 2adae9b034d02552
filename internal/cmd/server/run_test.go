package serverrun

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/eric-buaa-cn/smyte-db/internal/bootstrap"
	cfgpkg "github.com/eric-buaa-cn/smyte-db/internal/config"
	"github.com/eric-buaa-cn/smyte-db/internal/protocol"
	smerrors "github.com/eric-buaa-cn/smyte-db/pkg/errors"
	logpkg "github.com/eric-buaa-cn/smyte-db/pkg/log"
)

func testConfig(t *testing.T) cfgpkg.Config {
	t.Helper()
	cfg := cfgpkg.Default()
	cfg.Storage.DBPath = t.TempDir()
	cfg.Storage.BlockCacheSizeMB = 8
	cfg.Storage.Fsync = "never"
	cfg.Server.Port = 0
	cfg.Health.Enabled = false
	return cfg
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, Options{Config: testConfig(t), Logger: logpkg.NewNopLogger()})
	}()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Fsync = "sometimes"
	err := Run(context.Background(), Options{Config: cfg, Logger: logpkg.NewNopLogger()})
	if !errors.Is(err, smerrors.ErrInvalidConfig) {
		t.Fatalf("expected invalid config, got %v", err)
	}
}

type pingHandler struct {
	protocol.NopLifecycle
	protocol.Mux
}

func TestRunUsesSuppliedApp(t *testing.T) {
	app := &bootstrap.Config{
		HandlerFactory: bootstrap.HandlerFactoryFunc(func(bootstrap.Context) protocol.Handler {
			return &pingHandler{}
		}),
		SingletonHandler: true,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if err := Run(ctx, Options{Config: testConfig(t), App: app, Logger: logpkg.NewNopLogger()}); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestProcessLoggerFromConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Logging.Level = "verbose"
	if _, err := processLogger(Options{Config: cfg}); err == nil {
		t.Fatal("expected unknown level error")
	}
	cfg.Logging.Level = "debug"
	if _, err := processLogger(Options{Config: cfg}); err != nil {
		t.Fatalf("logger: %v", err)
	}
}
