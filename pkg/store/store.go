// Package store implements the durable log store that owns the canonical
// copy of every episode, pattern, and migration record.
//
// The on-disk form is an append-oriented log: one gob-encoded entry file per
// write under the log directory, named by sequence number. Entry files are
// written with the atomic temp-file, fsync, rename pattern, and the log
// directory is synced afterwards, so a successful Put survives a crash.
// Deletes are logical tombstone entries; nothing is erased in place. The
// identifier and checksum indexes are rebuilt by replaying the log on open.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/gob"
	"encoding/hex"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/proffesor-for-testing/agentic-qe-sub011/pkg/record"
)

var storeTracer = otel.Tracer("patternstore.store")

// Log entry operations.
const (
	opPut       = "put"
	opTombstone = "tombstone"
)

var validOps = map[string]bool{
	opPut:       true,
	opTombstone: true,
}

// timeNow is stubbed in tests.
var timeNow = time.Now

// logEntry is the unit written to disk for every mutation.
type logEntry struct {
	Seq       uint64
	Op        string
	ID        string
	Envelope  *record.Envelope
	Timestamp time.Time
	Checksum  string
}

// entryChecksum covers the framing fields and the payload checksum, so a
// scrambled entry file is detected even when the payload itself is intact.
func entryChecksum(e *logEntry) string {
	h := sha256.New()
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], e.Seq)
	h.Write(seq[:])
	h.Write([]byte(e.Op))
	h.Write([]byte(e.ID))
	if e.Envelope != nil {
		h.Write([]byte(e.Envelope.Checksum))
		h.Write(e.Envelope.Payload)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ref locates the latest version of an identifier in the log.
type ref struct {
	seq        uint64
	path       string
	kind       record.Kind
	checksum   string
	recordedAt time.Time
	tombstoned bool
	corrupt    bool
}

// Stats reports the live shape of the store.
type Stats struct {
	// Live is the number of readable, non-tombstoned records.
	Live int

	// Tombstoned is the number of logically deleted identifiers.
	Tombstoned int

	// Corrupt is the number of identifiers whose latest version failed
	// checksum verification during replay. Reads of these return
	// ErrChecksumMismatch; they are never silently repaired.
	Corrupt int

	// ReplaySkipped counts undecodable entry files skipped on open.
	ReplaySkipped int
}

// Store is the durable log store. All methods are safe for concurrent use.
//
// The store locks only for its own structural integrity; identifier-level
// write serialization is owned by the learning engine above it.
type Store struct {
	dir    string
	logger *zap.Logger

	mu         sync.RWMutex
	seq        uint64
	byID       map[string]*ref
	byChecksum map[string]string
	skipped    int
}

// Open opens (or creates) a store rooted at dir and replays its log.
func Open(dir string, logger *zap.Logger) (*Store, error) {
	if dir == "" {
		return nil, errors.New("store directory cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	abs, err := filepath.Abs(filepath.Clean(dir))
	if err != nil {
		return nil, fmt.Errorf("resolving store directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return nil, fmt.Errorf("creating store directory %s: %w", abs, err)
	}

	s := &Store{
		dir:        abs,
		logger:     logger,
		byID:       make(map[string]*ref),
		byChecksum: make(map[string]string),
	}
	if err := s.replay(); err != nil {
		return nil, err
	}

	logger.Info("store opened",
		zap.String("dir", abs),
		zap.Uint64("last_seq", s.seq),
		zap.Int("live_records", len(s.byChecksum)),
	)
	return s, nil
}

// replay rebuilds the in-memory indexes from the entry files on disk.
// Undecodable files are skipped with a warning; entries whose checksum does
// not verify mark their identifier corrupt so reads surface the damage.
func (s *Store) replay() error {
	files, err := filepath.Glob(filepath.Join(s.dir, "*.log"))
	if err != nil {
		return fmt.Errorf("listing log entries: %w", err)
	}
	sort.Strings(files)

	for _, file := range files {
		entry, err := readEntryFile(file)
		if err != nil {
			s.logger.Warn("store: skipping undecodable log entry",
				zap.String("file", file),
				zap.Error(err))
			s.skipped++
			continue
		}
		if entry.Seq > s.seq {
			s.seq = entry.Seq
		}
		s.apply(entry, file)
	}
	return nil
}

// apply folds one replayed entry into the indexes. Later sequence numbers
// win; the log is replayed in sequence order.
func (s *Store) apply(entry *logEntry, path string) {
	if existing, ok := s.byID[entry.ID]; ok && existing.seq >= entry.Seq {
		return
	}

	r := &ref{seq: entry.Seq, path: path, recordedAt: entry.Timestamp}
	if entry.Op == opTombstone {
		r.tombstoned = true
	} else {
		r.kind = entry.Envelope.Kind
		r.checksum = entry.Envelope.Checksum
		r.recordedAt = entry.Envelope.RecordedAt
		if entryChecksum(entry) != entry.Checksum || entry.Envelope.Verify() != nil {
			r.corrupt = true
			r.checksum = ""
			s.logger.Error("store: corrupt log entry detected",
				zap.String("id", entry.ID),
				zap.Uint64("seq", entry.Seq),
				zap.String("file", path))
		}
	}

	if prev, ok := s.byID[entry.ID]; ok && prev.checksum != "" {
		delete(s.byChecksum, prev.checksum)
	}
	s.byID[entry.ID] = r
	if !r.tombstoned && !r.corrupt {
		s.byChecksum[r.checksum] = entry.ID
	}
}

// Put durably appends a record. It returns once the entry is fsynced.
//
// Put is idempotent by content: when the envelope's checksum matches a live
// identifier, that identifier is returned without rewriting. Writes to the
// same identifier are totally ordered; a new version of an existing
// identifier supersedes the old one (and revives a tombstoned one).
func (s *Store) Put(ctx context.Context, env *record.Envelope) (string, error) {
	ctx, span := storeTracer.Start(ctx, "store.put")
	defer span.End()
	start := timeNow()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := env.Validate(); err != nil {
		return "", fmt.Errorf("put: %w", err)
	}
	if err := env.Verify(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("put: %w", err)
	}

	// Reserve a sequence number, or take the idempotent fast path.
	s.mu.Lock()
	if id, ok := s.byChecksum[env.Checksum]; ok {
		s.mu.Unlock()
		span.SetAttributes(attribute.Bool("deduplicated", true))
		s.logger.Debug("store: put deduplicated by checksum",
			zap.String("id", id),
			zap.String("checksum", env.Checksum))
		observePut(env.Kind, "deduplicated", timeNow().Sub(start))
		return id, nil
	}
	s.seq++
	entry := &logEntry{
		Seq:       s.seq,
		Op:        opPut,
		ID:        env.ID,
		Envelope:  env,
		Timestamp: timeNow().UTC(),
	}
	entry.Checksum = entryChecksum(entry)
	s.mu.Unlock()

	// Disk IO happens outside the lock so readers of other identifiers
	// are not held up by the durability boundary.
	path := s.entryPath(entry.Seq)
	if err := writeEntryFile(s.dir, path, entry); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observePut(env.Kind, "error", timeNow().Sub(start))
		return "", err
	}

	s.mu.Lock()
	s.apply(entry, path)
	s.mu.Unlock()

	span.SetAttributes(
		attribute.String("record.id", env.ID),
		attribute.String("record.kind", string(env.Kind)),
	)
	observePut(env.Kind, "written", timeNow().Sub(start))
	return env.ID, nil
}

// Get returns the latest live version of an identifier.
//
// Tombstoned and absent identifiers return ErrNotFound. The entry and
// payload checksums are verified on every read; corruption is returned as
// ErrChecksumMismatch and logged, never repaired.
func (s *Store) Get(ctx context.Context, id string) (*record.Envelope, error) {
	ctx, span := storeTracer.Start(ctx, "store.get")
	defer span.End()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	r, ok := s.byID[id]
	s.mu.RUnlock()

	if !ok || r.tombstoned {
		return nil, fmt.Errorf("get %s: %w", id, record.ErrNotFound)
	}

	env, err := s.loadRef(id, r)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return env, nil
}

// Contains reports whether id is live, without reading the payload.
func (s *Store) Contains(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byID[id]
	return ok && !r.tombstoned && !r.corrupt
}

// loadRef reads and verifies the entry file behind a ref.
func (s *Store) loadRef(id string, r *ref) (*record.Envelope, error) {
	if r.corrupt {
		corruptionsDetected.Inc()
		return nil, fmt.Errorf("get %s: %w", id, record.ErrChecksumMismatch)
	}

	entry, err := readEntryFile(r.path)
	if err != nil {
		return nil, fmt.Errorf("get %s: reading %s: %w", id, r.path, err)
	}
	if entryChecksum(entry) != entry.Checksum {
		corruptionsDetected.Inc()
		s.logger.Error("store: entry checksum mismatch on read",
			zap.String("id", id),
			zap.String("file", r.path))
		return nil, fmt.Errorf("get %s: %w", id, record.ErrChecksumMismatch)
	}
	if err := entry.Envelope.Verify(); err != nil {
		corruptionsDetected.Inc()
		s.logger.Error("store: payload checksum mismatch on read",
			zap.String("id", id),
			zap.String("file", r.path),
			zap.Error(err))
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	return entry.Envelope, nil
}

// Delete appends a tombstone for id. The record remains in the log for
// audit; reads of id return ErrNotFound afterwards. Deleting an already
// tombstoned identifier is a no-op; deleting an unknown one is ErrNotFound.
func (s *Store) Delete(ctx context.Context, id string) error {
	ctx, span := storeTracer.Start(ctx, "store.delete")
	defer span.End()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	r, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("delete %s: %w", id, record.ErrNotFound)
	}
	if r.tombstoned {
		s.mu.Unlock()
		return nil
	}
	s.seq++
	entry := &logEntry{
		Seq:       s.seq,
		Op:        opTombstone,
		ID:        id,
		Timestamp: timeNow().UTC(),
	}
	entry.Checksum = entryChecksum(entry)
	s.mu.Unlock()

	path := s.entryPath(entry.Seq)
	if err := writeEntryFile(s.dir, path, entry); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	s.mu.Lock()
	s.apply(entry, path)
	s.mu.Unlock()

	tombstonesTotal.Inc()
	span.SetAttributes(attribute.String("record.id", id))
	return nil
}

// Scan returns a lazy sequence over the live records matching pred (a nil
// pred matches everything). The sequence is snapshot-consistent: writes
// after Scan returns are not observed by the iteration. Records are yielded
// in insertion (sequence) order; a record whose file fails verification is
// yielded as an error so corruption is never skipped silently.
func (s *Store) Scan(ctx context.Context, pred func(*record.Envelope) bool) iter.Seq2[*record.Envelope, error] {
	// Snapshot the identifier index up front.
	s.mu.RLock()
	snapshot := make([]struct {
		id string
		r  *ref
	}, 0, len(s.byID))
	for id, r := range s.byID {
		if r.tombstoned {
			continue
		}
		snapshot = append(snapshot, struct {
			id string
			r  *ref
		}{id, r})
	}
	s.mu.RUnlock()

	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].r.seq < snapshot[j].r.seq })

	return func(yield func(*record.Envelope, error) bool) {
		_, span := storeTracer.Start(ctx, "store.scan")
		defer span.End()
		scansTotal.Inc()

		yielded := 0
		defer func() { span.SetAttributes(attribute.Int("records", yielded)) }()

		for _, item := range snapshot {
			if err := ctx.Err(); err != nil {
				span.SetStatus(codes.Error, err.Error())
				yield(nil, err)
				return
			}
			env, err := s.loadRef(item.id, item.r)
			if err != nil {
				span.RecordError(err)
				if !yield(nil, err) {
					return
				}
				continue
			}
			if pred != nil && !pred(env) {
				continue
			}
			yielded++
			if !yield(env, nil) {
				return
			}
		}
	}
}

// Stats returns the live shape of the store.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{ReplaySkipped: s.skipped}
	for _, r := range s.byID {
		switch {
		case r.tombstoned:
			st.Tombstoned++
		case r.corrupt:
			st.Corrupt++
		default:
			st.Live++
		}
	}
	return st
}

// Count returns the number of live records.
func (s *Store) Count() int {
	return s.Stats().Live
}

// Dir returns the absolute log directory.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) entryPath(seq uint64) string {
	return filepath.Join(s.dir, fmt.Sprintf("%016d.log", seq))
}

// writeEntryFile writes one log entry with the atomic pattern: temp file
// created O_EXCL 0600, gob-encoded, fsynced, renamed into place, and the
// directory synced so the rename itself is durable.
func writeEntryFile(dir, path string, entry *logEntry) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("store: creating entry file: %w", err)
	}

	if err := gob.NewEncoder(f).Encode(entry); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("store: encoding entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("store: syncing entry: %w", err)
	}
	f.Close()

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("store: finalizing entry: %w", err)
	}
	return syncDir(dir)
}

// syncDir fsyncs a directory so a completed rename survives a crash.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("store: opening directory for sync: %w", err)
	}
	defer d.Close()

	if err := d.Sync(); err != nil {
		// Some filesystems reject directory fsync; the entry file itself
		// is already synced, so degrade rather than fail the write.
		if errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTSUP) {
			return nil
		}
		return fmt.Errorf("store: syncing directory: %w", err)
	}
	return nil
}

func readEntryFile(path string) (*logEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entry logEntry
	if err := gob.NewDecoder(f).Decode(&entry); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	if !validOps[entry.Op] {
		return nil, fmt.Errorf("unknown operation %q in %s", entry.Op, path)
	}
	if entry.Op == opPut && entry.Envelope == nil {
		return nil, fmt.Errorf("put entry without envelope in %s", path)
	}
	return &entry, nil
}
