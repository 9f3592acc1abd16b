package learning

import (
	"fmt"
	"strconv"
	"strings"
)

// RetentionPolicy bounds how many episodes the store retains. The zero
// value keeps everything.
//
// The policy governs episode payloads only: pattern back-references to a
// pruned episode are marked, never dropped, so the audit trail survives
// retention.
type RetentionPolicy struct {
	// KeepCount is how many of the most recent episodes (by recording
	// time) are retained. Zero keeps all.
	KeepCount int
}

// KeepAll retains every episode.
func KeepAll() RetentionPolicy { return RetentionPolicy{} }

// PruneAfter retains the n most recent episodes.
func PruneAfter(n int) RetentionPolicy { return RetentionPolicy{KeepCount: n} }

// Unlimited reports whether the policy prunes at all.
func (p RetentionPolicy) Unlimited() bool { return p.KeepCount == 0 }

func (p RetentionPolicy) Validate() error {
	if p.KeepCount < 0 {
		return fmt.Errorf("retention keep count %d cannot be negative", p.KeepCount)
	}
	return nil
}

func (p RetentionPolicy) String() string {
	if p.Unlimited() {
		return "keep-all"
	}
	return fmt.Sprintf("prune-after(%d)", p.KeepCount)
}

// MarshalText implements encoding.TextMarshaler.
func (p RetentionPolicy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText parses "keep-all" or "prune-after(N)", the two forms the
// configuration surface accepts.
func (p *RetentionPolicy) UnmarshalText(text []byte) error {
	parsed, err := ParseRetentionPolicy(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParseRetentionPolicy parses the textual policy forms.
func ParseRetentionPolicy(s string) (RetentionPolicy, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "keep-all" {
		return KeepAll(), nil
	}
	inner, ok := strings.CutPrefix(s, "prune-after(")
	if !ok || !strings.HasSuffix(inner, ")") {
		return RetentionPolicy{}, fmt.Errorf("unknown retention policy %q", s)
	}
	n, err := strconv.Atoi(strings.TrimSuffix(inner, ")"))
	if err != nil {
		return RetentionPolicy{}, fmt.Errorf("retention policy %q: %w", s, err)
	}
	if n < 1 {
		return RetentionPolicy{}, fmt.Errorf("retention policy %q must keep at least one episode", s)
	}
	return PruneAfter(n), nil
}
