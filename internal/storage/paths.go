package storage

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// DBPath is one placement target for new column families.
type DBPath struct {
	Path            string `json:"path" validate:"required"`
	TargetSizeBytes uint64 `json:"targetSizeBytes"`
}

// ParseDBPaths parses a JSON list of {"path","targetSizeBytes"}.
func ParseDBPaths(spec string) ([]DBPath, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, nil
	}
	var raw []struct {
		Path            string `json:"path"`
		TargetSizeBytes *int64 `json:"targetSizeBytes"`
	}
	dec := json.NewDecoder(strings.NewReader(spec))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return nil, invalidSpec("parse db paths", err)
	}
	paths := make([]DBPath, 0, len(raw))
	for i, r := range raw {
		if r.TargetSizeBytes == nil || *r.TargetSizeBytes < 0 {
			return nil, invalidSpec("parse db paths", fmt.Errorf("entry %d: targetSizeBytes must be a non-negative integer", i))
		}
		p := DBPath{Path: r.Path, TargetSizeBytes: uint64(*r.TargetSizeBytes)}
		if err := specValidator.Struct(p); err != nil {
			return nil, invalidSpec("parse db paths", fmt.Errorf("entry %d: %w", i, err))
		}
		paths = append(paths, p)
	}
	return paths, nil
}

// placer assigns directories to new families across the configured paths.
type placer struct {
	root  string
	paths []DBPath
	usage []uint64
}

func newPlacer(root string, paths []DBPath) *placer {
	p := &placer{root: root, paths: paths, usage: make([]uint64, len(paths))}
	for i, dp := range paths {
		p.usage[i] = dirSize(dp.Path)
	}
	return p
}

// place returns the directory for a new family: the first path still under
// its target size, else the last path, else the engine root.
func (p *placer) place(name string) string {
	if len(p.paths) == 0 {
		return filepath.Join(p.root, name)
	}
	for i, dp := range p.paths {
		if p.usage[i] < dp.TargetSizeBytes {
			return filepath.Join(dp.Path, name)
		}
	}
	return filepath.Join(p.paths[len(p.paths)-1].Path, name)
}

func dirSize(root string) uint64 {
	var total uint64
	_ = filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				total += uint64(info.Size())
			}
		}
		return nil
	})
	return total
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
