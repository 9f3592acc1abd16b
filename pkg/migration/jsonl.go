package migration

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"os"
	"strings"
	"time"

	"github.com/proffesor-for-testing/agentic-qe-sub011/pkg/record"
)

// jsonlMaxLine bounds a single export line. Context payloads ride inside
// the line base64-encoded, so this is generous.
const jsonlMaxLine = 8 << 20

// jsonlEpisode is one line of the line-delimited episode export format.
type jsonlEpisode struct {
	ID         string        `json:"id"`
	AgentID    string        `json:"agent_id"`
	RecordedAt time.Time     `json:"recorded_at"`
	Payload    []byte        `json:"payload,omitempty"`
	Embedding  []float32     `json:"embedding"`
	Outcome    legacyOutcome `json:"outcome"`
}

// JSONLSource reads a line-delimited episode export file. Exports never
// contained patterns.
type JSONLSource struct {
	path string
}

var _ Source = (*JSONLSource)(nil)

// OpenJSONLSource binds an export file. The file is opened afresh on each
// pass, never held open.
func OpenJSONLSource(path string) (*JSONLSource, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat export %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("export %s is a directory", path)
	}
	return &JSONLSource{path: path}, nil
}

func (s *JSONLSource) Descriptor() Descriptor {
	return Descriptor{Name: s.path, Kind: "jsonl"}
}

func (s *JSONLSource) Close() error { return nil }

// Validate checks the first non-blank line parses as an export record.
// Deeper corruption surfaces during the dry run.
func (s *JSONLSource) Validate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("open export %s: %w", s.path, err)
	}
	defer f.Close()

	sc := newExportScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var je jsonlEpisode
		if err := json.Unmarshal([]byte(line), &je); err != nil {
			return fmt.Errorf("export %s line 1: %w", s.path, err)
		}
		return nil
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read export %s: %w", s.path, err)
	}
	// An empty export is valid, just pointless.
	return nil
}

func (s *JSONLSource) Counts(ctx context.Context) (int, int, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return 0, 0, fmt.Errorf("open export %s: %w", s.path, err)
	}
	defer f.Close()

	count := 0
	sc := newExportScanner(f)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}
		if strings.TrimSpace(sc.Text()) != "" {
			count++
		}
	}
	if err := sc.Err(); err != nil {
		return 0, 0, fmt.Errorf("read export %s: %w", s.path, err)
	}
	return count, 0, nil
}

// Episodes streams the export in file order. The iterator stops at the
// first line it cannot decode, yielding the error.
func (s *JSONLSource) Episodes(ctx context.Context) iter.Seq2[*LegacyEpisode, error] {
	return func(yield func(*LegacyEpisode, error) bool) {
		f, err := os.Open(s.path)
		if err != nil {
			yield(nil, fmt.Errorf("open export %s: %w", s.path, err))
			return
		}
		defer f.Close()

		lineNo := 0
		sc := newExportScanner(f)
		for sc.Scan() {
			lineNo++
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			line := strings.TrimSpace(sc.Text())
			if line == "" {
				continue
			}
			var je jsonlEpisode
			if err := json.Unmarshal([]byte(line), &je); err != nil {
				yield(nil, fmt.Errorf("export line %d: %w", lineNo, err))
				return
			}
			if je.ID == "" {
				yield(nil, fmt.Errorf("export line %d has no id", lineNo))
				return
			}
			ep := &record.Episode{
				AgentID:    je.AgentID,
				RecordedAt: je.RecordedAt.UTC(),
				Context: record.Context{
					Payload:   je.Payload,
					Embedding: je.Embedding,
				},
				Outcome: je.Outcome.outcome(),
			}
			if !yield(&LegacyEpisode{LegacyID: je.ID, Episode: ep}, nil) {
				return
			}
		}
		if err := sc.Err(); err != nil {
			yield(nil, fmt.Errorf("read export %s: %w", s.path, err))
		}
	}
}

// Patterns yields nothing: exports carried episodes only.
func (s *JSONLSource) Patterns(ctx context.Context) iter.Seq2[*record.Pattern, error] {
	return func(yield func(*record.Pattern, error) bool) {}
}

func newExportScanner(f *os.File) *bufio.Scanner {
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), jsonlMaxLine)
	return sc
}
