package storage

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	smerrors "github.com/eric-buaa-cn/smyte-db/pkg/errors"
)

// GroupConfig describes how one shard group expands into column families.
// Family k (0 <= k < LocalVirtualShardCount) is named
// "<Name>-<StartShardIndex + k*ShardIndexIncrement>".
type GroupConfig struct {
	Name                   string `json:"groupName" validate:"required,excludesall=/\\"`
	StartShardIndex        int    `json:"startShardIndex" validate:"gte=0"`
	LocalVirtualShardCount int    `json:"localVirtualShardCount" validate:"gte=0"`
	ShardIndexIncrement    int    `json:"shardIndexIncrement" validate:"gte=0"`
}

// groupConfigJSON accepts "name" as an alias of "groupName".
type groupConfigJSON struct {
	GroupName              string `json:"groupName"`
	Name                   string `json:"name"`
	StartShardIndex        *int   `json:"startShardIndex"`
	LocalVirtualShardCount *int   `json:"localVirtualShardCount"`
	ShardIndexIncrement    *int   `json:"shardIndexIncrement"`
}

// FamilyName returns the physical name of shard index in group.
func FamilyName(group string, index int) string {
	return group + "-" + strconv.Itoa(index)
}

// ShardIndex returns the index of shard k.
func (g GroupConfig) ShardIndex(k int) int {
	return g.StartShardIndex + k*g.ShardIndexIncrement
}

// Expand returns the group's family names in increasing k.
func (g GroupConfig) Expand() []string {
	names := make([]string, 0, g.LocalVirtualShardCount)
	for k := 0; k < g.LocalVirtualShardCount; k++ {
		names = append(names, FamilyName(g.Name, g.ShardIndex(k)))
	}
	return names
}

// Validate checks the invariants of a single group.
func (g GroupConfig) Validate() error {
	if err := specValidator.Struct(g); err != nil {
		return fmt.Errorf("group %q: %w", g.Name, err)
	}
	if g.LocalVirtualShardCount > 1 && g.ShardIndexIncrement == 0 {
		return fmt.Errorf("group %q: shardIndexIncrement must be non-zero when localVirtualShardCount > 1", g.Name)
	}
	return nil
}

var specValidator = validator.New(validator.WithRequiredStructEnabled())

// ParseGroupConfigs parses a JSON list of group configs. An empty spec
// yields no groups. Every numeric field is required. Duplicate group names
// and family names produced by more than one group are rejected.
func ParseGroupConfigs(spec string) ([]GroupConfig, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, nil
	}
	var raw []groupConfigJSON
	dec := json.NewDecoder(strings.NewReader(spec))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return nil, invalidSpec("parse group configs", err)
	}

	groups := make([]GroupConfig, 0, len(raw))
	seenGroup := make(map[string]bool, len(raw))
	owner := make(map[string]string)
	for i, r := range raw {
		name := r.GroupName
		if name == "" {
			name = r.Name
		}
		if r.StartShardIndex == nil || r.LocalVirtualShardCount == nil || r.ShardIndexIncrement == nil {
			return nil, invalidSpec("parse group configs", fmt.Errorf("entry %d (%q): startShardIndex, localVirtualShardCount and shardIndexIncrement are required", i, name))
		}
		g := GroupConfig{
			Name:                   name,
			StartShardIndex:        *r.StartShardIndex,
			LocalVirtualShardCount: *r.LocalVirtualShardCount,
			ShardIndexIncrement:    *r.ShardIndexIncrement,
		}
		if err := g.Validate(); err != nil {
			return nil, invalidSpec("parse group configs", err)
		}
		if seenGroup[g.Name] {
			return nil, invalidSpec("parse group configs", fmt.Errorf("duplicate group %q", g.Name))
		}
		seenGroup[g.Name] = true
		for _, fam := range g.Expand() {
			if prev, ok := owner[fam]; ok {
				return nil, invalidSpec("parse group configs", fmt.Errorf("family %q produced by groups %q and %q", fam, prev, g.Name))
			}
			owner[fam] = g.Name
		}
		groups = append(groups, g)
	}
	return groups, nil
}

func invalidSpec(action string, err error) error {
	return smerrors.WrapFatal(fmt.Errorf("%w: %v", smerrors.ErrInvalidConfig, err), "storage", "Provision", action)
}
