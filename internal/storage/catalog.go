package storage

import (
	"bytes"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/eric-buaa-cn/smyte-db/internal/storage/pebble"
)

// The catalog lives in the metadata family and records every column family
// the engine owns: cf/<name> -> directory.
var catalogPrefix = []byte("cf/")

func catalogKey(name string) []byte {
	return append(append([]byte(nil), catalogPrefix...), name...)
}

// prefixUpperBound returns the smallest key greater than every key with prefix.
func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func loadCatalog(meta *pebblestore.DB) (map[string]string, error) {
	it, err := meta.NewIter(&pebble.IterOptions{
		LowerBound: catalogPrefix,
		UpperBound: prefixUpperBound(catalogPrefix),
	})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	out := make(map[string]string)
	for ok := it.First(); ok; ok = it.Next() {
		name := string(bytes.TrimPrefix(it.Key(), catalogPrefix))
		out[name] = string(it.Value())
	}
	return out, it.Error()
}

func putCatalog(meta *pebblestore.DB, name, dir string) error {
	return meta.Set(catalogKey(name), []byte(dir))
}

func deleteCatalog(meta *pebblestore.DB, name string) error {
	return meta.Delete(catalogKey(name))
}
