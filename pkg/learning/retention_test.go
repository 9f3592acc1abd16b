package learning_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proffesor-for-testing/agentic-qe-sub011/pkg/learning"
)

func TestParseRetentionPolicy(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    learning.RetentionPolicy
		wantErr bool
	}{
		{name: "keep all", in: "keep-all", want: learning.KeepAll()},
		{name: "empty means keep all", in: "", want: learning.KeepAll()},
		{name: "prune after", in: "prune-after(100)", want: learning.PruneAfter(100)},
		{name: "surrounding whitespace", in: "  prune-after(5)  ", want: learning.PruneAfter(5)},
		{name: "minimum keep", in: "prune-after(1)", want: learning.PruneAfter(1)},
		{name: "zero keep rejected", in: "prune-after(0)", wantErr: true},
		{name: "negative keep rejected", in: "prune-after(-3)", wantErr: true},
		{name: "non-numeric count", in: "prune-after(ten)", wantErr: true},
		{name: "missing closing paren", in: "prune-after(7", wantErr: true},
		{name: "unknown policy", in: "drop-oldest", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := learning.ParseRetentionPolicy(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRetentionPolicy_String(t *testing.T) {
	assert.Equal(t, "keep-all", learning.KeepAll().String())
	assert.Equal(t, "prune-after(250)", learning.PruneAfter(250).String())
}

func TestRetentionPolicy_TextRoundTrip(t *testing.T) {
	for _, policy := range []learning.RetentionPolicy{
		learning.KeepAll(),
		learning.PruneAfter(42),
	} {
		text, err := policy.MarshalText()
		require.NoError(t, err)

		var parsed learning.RetentionPolicy
		require.NoError(t, parsed.UnmarshalText(text))
		assert.Equal(t, policy, parsed)
	}

	var p learning.RetentionPolicy
	require.Error(t, p.UnmarshalText([]byte("prune-after(zero)")))
}

func TestRetentionPolicy_Validate(t *testing.T) {
	require.NoError(t, learning.KeepAll().Validate())
	require.NoError(t, learning.PruneAfter(10).Validate())
	require.Error(t, learning.RetentionPolicy{KeepCount: -1}.Validate())
}

func TestRetentionPolicy_Unlimited(t *testing.T) {
	assert.True(t, learning.KeepAll().Unlimited())
	assert.False(t, learning.PruneAfter(1).Unlimited())
}
