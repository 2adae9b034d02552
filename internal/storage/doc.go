// Package storage provisions the column families of a smyte-db process.
//
// Each column family is its own Pebble instance under the engine root (or
// one of the configured dbPaths); all of them share one block cache. A
// reserved metadata family records the family catalog and the version
// timestamp that gates one-off flags.
//
// Shard groups expand into families named "<group>-<shardIndex>":
//
//	e, err := storage.Provision(storage.ProvisionOptions{
//	    DBPath:          "/var/lib/smyte-db",
//	    GroupsSpec:      `[{"groupName":"counters","startShardIndex":0,"localVirtualShardCount":3,"shardIndexIncrement":1}]`,
//	    CreateIfMissing: true,
//	})
//	// e.Groups()["counters"] == []string{"counters-0", "counters-1", "counters-2"}
//	r, _ := storage.NewShardRouter(e, "counters")
//	_ = r.Route([]byte("user:42")).Set([]byte("user:42"), []byte("1"))
//	defer e.Close()
//
// One-off flags: with CreateIfMissingOneOff an existing engine may grow new
// families only when VersionTimestampMs is newer than the persisted value
// and at most 30 minutes old. An approved timestamp is persisted.
package storage
