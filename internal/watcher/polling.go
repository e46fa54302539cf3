package watcher

import (
	"os"
	"path/filepath"
	"sort"
	"time"
)

// fileMeta is the per-file state the polling backend compares between scans.
type fileMeta struct {
	modTime time.Time
	size    int64
}

type snapshot map[string]fileMeta

type change struct {
	path string
	kind Kind
}

// takeSnapshot records every regular file under root. Walk errors are
// ignored: a vanished subtree simply shows up as removals on the next diff.
func takeSnapshot(snap snapshot, root string, recursive bool) {
	if !recursive {
		entries, err := os.ReadDir(root)
		if err != nil {
			return
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			if info, err := entry.Info(); err == nil {
				snap[filepath.Join(root, entry.Name())] = fileMeta{modTime: info.ModTime(), size: info.Size()}
			}
		}
		return
	}

	_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			snap[path] = fileMeta{modTime: info.ModTime(), size: info.Size()}
		}
		return nil
	})
}

// diffSnapshots computes the changes between two scans, sorted by path so
// the output is deterministic.
func diffSnapshots(prev, next snapshot) []change {
	var changes []change
	for path, meta := range next {
		old, ok := prev[path]
		switch {
		case !ok:
			changes = append(changes, change{path: path, kind: KindCreate})
		case old.modTime != meta.modTime || old.size != meta.size:
			changes = append(changes, change{path: path, kind: KindWrite})
		}
	}
	for path := range prev {
		if _, ok := next[path]; !ok {
			changes = append(changes, change{path: path, kind: KindRemove})
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].path < changes[j].path })
	return changes
}
