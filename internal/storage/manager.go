package storage

// StorageManager is an optional owner of higher level storage state built
// on the engine, such as sharded indexes. Start runs before any consumer;
// Destroy runs after every consumer and producer is gone.
type StorageManager interface {
	Start() error
	Destroy() error
}
