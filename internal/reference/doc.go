// Package reference is the service cmd/smyte-db runs: GET, SET, DEL,
// INCR, INCRBY, EXPIRE, PUBLISH and INFO over the storage engine, a
// consumer that counts messages per key and a task queue that applies
// expirations. Keys spread over the "kv" shard group when one is
// configured.
package reference
