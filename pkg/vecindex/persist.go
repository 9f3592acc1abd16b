package vecindex

import (
	"context"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// snapshot is the on-disk form of an index: the metric, the fixed
// dimension, and the live entries in slot order. Deleted slots are not
// persisted, so a reload is implicitly compacted while keeping the
// relative insertion order that drives tie-breaks.
type snapshot struct {
	Metric  Metric
	Dims    int
	Entries []snapshotEntry
}

type snapshotEntry struct {
	ID     string
	Vector []float32
}

// load reads the snapshot at ix.path. A missing file is a fresh index.
// Called from New before the index is shared, so no locking.
func (ix *Index) load() error {
	f, err := os.Open(ix.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open index snapshot: %w", err)
	}
	defer f.Close()

	var snap snapshot
	if err := gob.NewDecoder(f).Decode(&snap); err != nil {
		return fmt.Errorf("decode index snapshot %s: %w", ix.path, err)
	}
	if snap.Metric != ix.metric {
		return fmt.Errorf("index snapshot %s was written with metric %q, configured metric is %q",
			ix.path, snap.Metric, ix.metric)
	}

	ix.dims = snap.Dims
	ix.entries = make([]entry, 0, len(snap.Entries))
	for _, se := range snap.Entries {
		if len(se.Vector) != snap.Dims {
			return fmt.Errorf("index snapshot %s: entry %s has %d dimensions, want %d",
				ix.path, se.ID, len(se.Vector), snap.Dims)
		}
		ix.entries = append(ix.entries, entry{
			ID:     se.ID,
			Vector: se.Vector,
			Norm:   vectorNorm(se.Vector),
		})
		ix.slots[se.ID] = len(ix.entries) - 1
	}
	indexSize.WithLabelValues(ix.name).Set(float64(len(ix.slots)))

	ix.logger.Info("index snapshot loaded",
		zap.String("path", ix.path),
		zap.Int("entries", len(ix.entries)),
		zap.String("metric", string(ix.metric)))
	return nil
}

// Flush writes the snapshot when the index has unsaved changes. It holds
// the write lock for the duration; snapshotting is maintenance, not a hot
// path.
func (ix *Index) Flush() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.flushLocked()
}

// Close flushes any unsaved changes.
func (ix *Index) Close() error {
	return ix.Flush()
}

func (ix *Index) flushLocked() error {
	if ix.path == "" || !ix.dirty {
		return nil
	}

	snap := snapshot{Metric: ix.metric, Dims: ix.dims}
	snap.Entries = make([]snapshotEntry, 0, len(ix.slots))
	for _, e := range ix.entries {
		if e.Deleted {
			continue
		}
		snap.Entries = append(snap.Entries, snapshotEntry{ID: e.ID, Vector: e.Vector})
	}

	if err := writeSnapshot(ix.path, &snap); err != nil {
		return err
	}
	ix.dirty = false

	ix.logger.Debug("index snapshot written",
		zap.String("path", ix.path),
		zap.Int("entries", len(snap.Entries)))
	return nil
}

// Compact rewrites the slot table without the deleted slots, preserving
// the relative order of live entries, and checkpoints the snapshot. It
// returns the number of reclaimed slots. Inserts, removals, and queries
// block until the compaction finishes.
func (ix *Index) Compact(ctx context.Context) (int, error) {
	_, span := indexTracer.Start(ctx, "vecindex.compact")
	defer span.End()

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	reclaimed := ix.removed
	if reclaimed > 0 {
		live := make([]entry, 0, len(ix.slots))
		for _, e := range ix.entries {
			if !e.Deleted {
				live = append(live, e)
			}
		}
		ix.entries = live
		ix.slots = make(map[string]int, len(live))
		for i := range live {
			ix.slots[live[i].ID] = i
		}
		ix.removed = 0
		ix.dirty = true
	}

	if err := ix.flushLocked(); err != nil {
		return 0, fmt.Errorf("compact: %w", err)
	}

	compactionsTotal.Inc()
	span.SetAttributes(attribute.Int("reclaimed", reclaimed))
	ix.logger.Info("index compacted",
		zap.Int("reclaimed", reclaimed),
		zap.Int("live", len(ix.slots)))
	return reclaimed, nil
}

// writeSnapshot replaces the file at path atomically: temp file, fsync,
// rename. The snapshot is a rebuildable projection of the log store, so a
// torn write only costs a rebuild, never data.
func writeSnapshot(path string, snap *snapshot) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}

	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create snapshot temp file: %w", err)
	}

	if err := gob.NewEncoder(f).Encode(snap); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}
