// Package serverrun exposes the shared Run entrypoint the CLI uses to boot a
// smyte-db process: it builds the process logger, creates the bootstrap for
// an application config and blocks until the context is cancelled or a
// signal arrives.
//
// Example:
//
//	opts, _ := config.Load("smyte.yaml")
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = serverrun.Run(ctx, serverrun.Options{Config: opts})
package serverrun
