package migration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/proffesor-for-testing/agentic-qe-sub011/pkg/record"
)

const (
	manifestFile   = "manifest.jsonl"
	recordFile     = "record.json"
	deprecatedFile = "deprecated.json"
)

// manifestEntry is one durable line of the run manifest. An entry is
// fsynced before its record is written to the destination store, so a
// crash can never leave a destination record the manifest does not know
// about.
type manifestEntry struct {
	Seq        int         `json:"seq"`
	Kind       record.Kind `json:"kind"`
	LegacyID   string      `json:"legacy_id"`
	NewID      string      `json:"new_id"`
	Checksum   string      `json:"checksum"`
	MigratedAt time.Time   `json:"migrated_at"`
}

// manifestLog appends JSON lines to manifest.jsonl with an fsync per
// entry.
type manifestLog struct {
	f   *os.File
	seq int
}

func openManifestLog(runDir string) (*manifestLog, error) {
	path := filepath.Join(runDir, manifestFile)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open manifest log: %w", err)
	}
	return &manifestLog{f: f}, nil
}

func (m *manifestLog) append(e manifestEntry) error {
	m.seq++
	e.Seq = m.seq

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode manifest entry: %w", err)
	}
	data = append(data, '\n')

	if _, err := m.f.Write(data); err != nil {
		return fmt.Errorf("append manifest entry: %w", err)
	}
	if err := m.f.Sync(); err != nil {
		return fmt.Errorf("sync manifest: %w", err)
	}
	return nil
}

func (m *manifestLog) Close() error {
	return m.f.Close()
}

// readManifest loads the persisted manifest entries. A torn final line
// left by a crash mid-append is dropped with a warning; an unreadable line
// anywhere else means the manifest cannot be trusted and is an error.
func readManifest(runDir string, logger *zap.Logger) ([]manifestEntry, error) {
	path := filepath.Join(runDir, manifestFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	lines := bytes.Split(data, []byte("\n"))
	for len(lines) > 0 && len(bytes.TrimSpace(lines[len(lines)-1])) == 0 {
		lines = lines[:len(lines)-1]
	}

	entries := make([]manifestEntry, 0, len(lines))
	for i, line := range lines {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var e manifestEntry
		if err := json.Unmarshal(line, &e); err != nil {
			if i == len(lines)-1 {
				logger.Warn("dropping torn manifest tail",
					zap.String("path", path),
					zap.Int("line", i+1))
				break
			}
			return nil, fmt.Errorf("manifest line %d unreadable: %w", i+1, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// writeRunRecord atomically replaces the run's record.json snapshot.
func writeRunRecord(runDir string, rec *record.MigrationRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode run record: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(runDir, recordFile), append(data, '\n')); err != nil {
		return fmt.Errorf("write run record: %w", err)
	}
	return nil
}

func readRunRecord(runDir string) (*record.MigrationRecord, error) {
	data, err := os.ReadFile(filepath.Join(runDir, recordFile))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("run record %s: %w", filepath.Base(runDir), record.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read run record: %w", err)
	}
	var rec record.MigrationRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode run record: %w", err)
	}
	if rec.Manifest == nil {
		rec.Manifest = make(map[string]string)
	}
	return &rec, nil
}

// deprecation is one committed source in the engine's ledger. Commit marks
// sources here, never by writing to the legacy location.
type deprecation struct {
	Source       Descriptor `json:"source"`
	RunID        string     `json:"run_id"`
	DeprecatedAt time.Time  `json:"deprecated_at"`
}

func readDeprecations(root string) ([]deprecation, error) {
	data, err := os.ReadFile(filepath.Join(root, deprecatedFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read deprecation ledger: %w", err)
	}
	var deps []deprecation
	if err := json.Unmarshal(data, &deps); err != nil {
		return nil, fmt.Errorf("decode deprecation ledger: %w", err)
	}
	return deps, nil
}

func appendDeprecation(root string, d deprecation) error {
	deps, err := readDeprecations(root)
	if err != nil {
		return err
	}
	deps = append(deps, d)

	data, err := json.MarshalIndent(deps, "", "  ")
	if err != nil {
		return fmt.Errorf("encode deprecation ledger: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(root, deprecatedFile), append(data, '\n')); err != nil {
		return fmt.Errorf("write deprecation ledger: %w", err)
	}
	return nil
}

// writeFileAtomic replaces path via temp file, fsync, rename.
func writeFileAtomic(path string, data []byte) error {
	tmpPath := path + ".tmp"
	os.Remove(tmpPath)

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
