package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eric-buaa-cn/smyte-db/internal/protocol"
	"github.com/eric-buaa-cn/smyte-db/internal/streaming"
	smerrors "github.com/eric-buaa-cn/smyte-db/pkg/errors"
	"github.com/eric-buaa-cn/smyte-db/pkg/log"
)

func phaseField(p Phase) log.Field { return log.Str("phase", string(p)) }

// Start brings the data plane up: storage manager, task queues, consumers
// (every Init before any Start) and finally the health endpoint. After a
// failed Start the caller must still call Stop.
func (b *Bootstrap) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started || b.stopped {
		b.mu.Unlock()
		return smerrors.WrapInvalid(smerrors.ErrAlreadyStarted, "bootstrap", "Start", "start")
	}
	b.started = true
	b.mu.Unlock()

	b.setPhase(PhaseStarting)
	if err := b.start(ctx); err != nil {
		b.setPhase(PhaseFailed)
		b.logger.Error("start failed", log.Err(err))
		return err
	}
	for name, bytes := range b.engine.DiskUsage() {
		b.registry.Pipeline.SetFamilyDiskUsage(name, bytes)
	}
	b.setPhase(PhaseRunning)
	return nil
}

func (b *Bootstrap) start(ctx context.Context) error {
	if b.storageMgr != nil {
		if err := b.storageMgr.Start(); err != nil {
			return smerrors.WrapFatal(err, "bootstrap", "Start", "start storage manager")
		}
		b.mu.Lock()
		b.smStarted = true
		b.mu.Unlock()
	}
	if err := b.tasks.StartAll(); err != nil {
		return err
	}
	if err := b.streams.InitAll(ctx, streaming.OffsetStored); err != nil {
		return err
	}
	if err := b.streams.StartAll(); err != nil {
		return err
	}
	if b.health != nil {
		if err := b.health.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// LaunchServer binds the RESP listener on port and blocks until
// StopServer. A zero idleTimeout keeps idle connections open.
func (b *Bootstrap) LaunchServer(port int, idleTimeout time.Duration) error {
	return b.launch(fmt.Sprintf(":%d", port), idleTimeout)
}

func (b *Bootstrap) launch(addr string, idleTimeout time.Duration) error {
	srv, err := b.newServer(addr)
	if err != nil {
		return err
	}
	return b.serve(srv, addr, idleTimeout)
}

// serve runs srv until it stops and forgets it, so a failed bind does not
// block the next LaunchServer.
func (b *Bootstrap) serve(srv *protocol.Server, addr string, idleTimeout time.Duration) error {
	err := srv.Launch(addr, idleTimeout)
	b.mu.Lock()
	if b.server == srv {
		b.server = nil
	}
	b.mu.Unlock()
	return err
}

// newServer registers the listener so StopServer can reach it before it
// binds.
func (b *Bootstrap) newServer(addr string) (*protocol.Server, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.server != nil {
		return nil, smerrors.WrapInvalid(smerrors.ErrAlreadyStarted, "bootstrap", "LaunchServer", addr)
	}
	if b.stopped {
		return nil, smerrors.WrapInvalid(smerrors.ErrAlreadyStopped, "bootstrap", "LaunchServer", addr)
	}
	srv := protocol.NewServer(b.builder, b.registry.Pipeline, b.logger)
	b.server = srv
	go func() {
		select {
		case <-srv.Ready():
			if b.Phase() == PhaseRunning {
				b.setPhase(PhaseServing)
			}
		case <-srv.Done():
		}
	}()
	return srv, nil
}

// ServerAddr returns the bound listener address, or "" when no server is
// serving.
func (b *Bootstrap) ServerAddr() string {
	b.mu.Lock()
	srv := b.server
	b.mu.Unlock()
	if srv == nil {
		return ""
	}
	return srv.Addr()
}

// StopServer stops the listener and forgets it. Calling it again, or
// with no server launched, does nothing.
func (b *Bootstrap) StopServer() error {
	b.mu.Lock()
	srv := b.server
	b.server = nil
	b.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Stop()
}

// Stop tears the process down in the reverse of Start: health endpoint,
// consumers (stop every one, then destroy each), task queues, producers,
// stream backend, storage manager and storage. Every step runs and the
// failures are joined, except that storage stays open when a consumer
// could not be destroyed. A still-running listener is stopped first.
// Later calls do nothing.
func (b *Bootstrap) Stop() error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	smStarted := b.smStarted
	b.mu.Unlock()

	b.setPhase(PhaseStopping)
	var errs []error
	if err := b.StopServer(); err != nil {
		errs = append(errs, err)
	}
	if b.health != nil {
		ctx, cancel := context.WithTimeout(context.Background(), b.opts.ShutdownTimeout)
		errs = append(errs, b.health.Destroy(ctx))
		cancel()
	}

	b.streams.StopAll()
	consumerErr := b.streams.DestroyAll()
	errs = append(errs, consumerErr)
	errs = append(errs, b.tasks.DestroyAll())
	errs = append(errs, b.streams.DestroyProducers())
	errs = append(errs, b.streams.Close())

	if b.storageMgr != nil && smStarted {
		if err := b.storageMgr.Destroy(); err != nil {
			errs = append(errs, smerrors.Wrap(err, "bootstrap", "Stop", "destroy storage manager"))
		}
	}

	if consumerErr != nil {
		b.logger.Error("storage left open, a consumer failed to shut down", log.Err(consumerErr))
	} else if !b.storageClosed {
		b.storageClosed = true
		errs = append(errs, b.engine.Close())
	}

	err := errors.Join(errs...)
	if err != nil {
		b.logger.Error("stop finished with errors", log.Err(err))
	} else {
		b.logger.Info("stopped")
	}
	b.setPhase(PhaseStopped)
	return err
}

// Run starts the process, serves RESP on the configured port and shuts
// everything down when ctx is done or a server fails.
func (b *Bootstrap) Run(ctx context.Context) error {
	if err := b.Start(ctx); err != nil {
		return errors.Join(err, b.Stop())
	}

	addr := fmt.Sprintf(":%d", b.opts.Server.Port)
	srv, err := b.newServer(addr)
	if err != nil {
		return errors.Join(err, b.Stop())
	}
	serveErr := make(chan error, 1)
	go func() {
		err := b.serve(srv, addr, b.opts.Server.ConnectionIdleTimeout)
		if errors.Is(err, smerrors.ErrAlreadyStopped) {
			err = nil
		}
		serveErr <- err
	}()

	var healthErr <-chan error
	if b.health != nil {
		healthErr = b.health.Errors()
	}

	var runErr error
	select {
	case <-ctx.Done():
		b.logger.Info("shutdown requested")
	case err := <-serveErr:
		runErr = err
		serveErr = nil
	case err := <-healthErr:
		runErr = smerrors.Wrap(err, "bootstrap", "Run", "health endpoint")
	}

	if err := b.StopServer(); err != nil {
		runErr = errors.Join(runErr, err)
	}
	if serveErr != nil {
		if err := <-serveErr; err != nil {
			runErr = errors.Join(runErr, err)
		}
	}
	return errors.Join(runErr, b.Stop())
}
