// Package log provides the structured logging facade shared by every
// smyte-db component.
//
// # Overview
//
// The package exposes a small Logger interface with leveled methods and a
// Field type for structured context. It is backed by the standard library
// slog through a bridge handler that feeds our formatter/output pipeline, so
// the same entry can be rendered as text for operators or JSON for shipping.
//
// Quick start
//
//	l := log.NewLogger(
//	    log.WithLevel(log.InfoLevel),
//	    log.WithFormatter(&log.TextFormatter{}),
//	    log.WithOutput(log.NewConsoleOutput()),
//	)
//	l = l.With(log.Component("storage"), log.Str("db", "/var/lib/smyte"))
//	l.Info("column family opened", log.Str("name", "counters-0"))
//
// # Configuration
//
// ApplyConfig builds a logger from a declarative Config (level, format and
// output). Tests that do not care about log output use NewNopLogger.
//
// # Interop
//
// Pebble and a few other libraries log through the standard library logger;
// RedirectStdLog routes those lines through a Logger.
package log
