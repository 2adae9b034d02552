// Package bootstrap assembles and runs a smyte-db process.
//
// A process registers its factories in a Config and hands them, together
// with the resolved configuration, to Create. Create provisions storage
// and builds every component; Start brings them up in dependency order;
// LaunchServer serves RESP until StopServer; Stop unwinds in reverse.
//
//	b, err := bootstrap.Create(cfg, opts, logger)
//	if err != nil {
//		return err
//	}
//	return b.Run(ctx)
//
// Factories receive a Context through which they borrow storage, task
// queues and producers. Borrowed handles stay owned by the Bootstrap.
package bootstrap
