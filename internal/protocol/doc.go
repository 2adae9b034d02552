// Package protocol serves the Redis wire protocol.
//
// A Builder hands each accepted connection a Handler, either one shared
// instance or a fresh one per connection, and calls ConnectionOpened on
// it before the first command. Server wraps a redcon listener: Launch
// blocks until Stop, and Stop is safe to call more than once.
package protocol
