package storage

import (
	"fmt"
	"hash/fnv"

	smerrors "github.com/eric-buaa-cn/smyte-db/pkg/errors"
)

// ShardRouter maps keys onto the families of one shard group.
type ShardRouter struct {
	group    string
	families []*Family
}

// NewShardRouter builds a router over group's families in shard order.
func NewShardRouter(e *Engine, group string) (*ShardRouter, error) {
	names, ok := e.groups[group]
	if !ok || len(names) == 0 {
		return nil, smerrors.WrapFatal(fmt.Errorf("%w: group %q has no families", smerrors.ErrFamilyNotFound, group), "storage", "NewShardRouter", "lookup")
	}
	fams := make([]*Family, 0, len(names))
	for _, n := range names {
		f, err := e.Family(n)
		if err != nil {
			return nil, err
		}
		fams = append(fams, f)
	}
	return &ShardRouter{group: group, families: fams}, nil
}

// Group returns the routed group name.
func (r *ShardRouter) Group() string { return r.group }

// Len returns the number of families in the group.
func (r *ShardRouter) Len() int { return len(r.families) }

// Route returns the family owning key (FNV-1a modulo group size).
func (r *ShardRouter) Route(key []byte) *Family {
	h := fnv.New32a()
	_, _ = h.Write(key)
	return r.families[h.Sum32()%uint32(len(r.families))]
}

// Families returns the group's families in shard order.
func (r *ShardRouter) Families() []*Family {
	return append([]*Family(nil), r.families...)
}
