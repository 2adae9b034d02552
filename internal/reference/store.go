package reference

import (
	"strconv"
	"sync"

	"github.com/eric-buaa-cn/smyte-db/internal/storage"
	pebblestore "github.com/eric-buaa-cn/smyte-db/internal/storage/pebble"
	smerrors "github.com/eric-buaa-cn/smyte-db/pkg/errors"
)

// KVGroup is the shard group keys are routed across. Without it every key
// lives in the default family.
const KVGroup = "kv"

// ErrNotInteger is returned by Incr when the stored value is not a
// base-10 integer.
var ErrNotInteger = smerrors.New("value is not an integer or out of range")

// Store is a string key/value view over the column families.
type Store struct {
	route func(key []byte) *storage.Family
	// incrMu serializes read-modify-write updates.
	incrMu sync.Mutex
}

// NewStore routes keys across KVGroup when the engine has it.
func NewStore(e *storage.Engine) (*Store, error) {
	if _, ok := e.Groups()[KVGroup]; ok {
		r, err := storage.NewShardRouter(e, KVGroup)
		if err != nil {
			return nil, err
		}
		return &Store{route: r.Route}, nil
	}
	def, err := e.Family(storage.DefaultFamily)
	if err != nil {
		return nil, err
	}
	return &Store{route: func([]byte) *storage.Family { return def }}, nil
}

// Family returns the family key lives in.
func (s *Store) Family(key []byte) *storage.Family { return s.route(key) }

// Get returns the value of key and whether it exists.
func (s *Store) Get(key []byte) ([]byte, bool, error) {
	v, err := s.route(key).Get(key)
	if err == pebblestore.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// Set stores value under key.
func (s *Store) Set(key, value []byte) error {
	return s.route(key).Set(key, value)
}

// Del removes key and reports whether it existed.
func (s *Store) Del(key []byte) (bool, error) {
	_, ok, err := s.Get(key)
	if err != nil || !ok {
		return false, err
	}
	return true, s.route(key).Delete(key)
}

// Incr adds delta to the integer at key, treating a missing key as 0.
func (s *Store) Incr(key []byte, delta int64) (int64, error) {
	s.incrMu.Lock()
	defer s.incrMu.Unlock()
	v, ok, err := s.Get(key)
	if err != nil {
		return 0, err
	}
	var n int64
	if ok {
		n, err = strconv.ParseInt(string(v), 10, 64)
		if err != nil {
			return 0, ErrNotInteger
		}
	}
	n += delta
	return n, s.Set(key, []byte(strconv.FormatInt(n, 10)))
}
