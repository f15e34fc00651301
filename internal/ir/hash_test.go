package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHash_Deterministic(t *testing.T) {
	a, err := Hash(DomainConfig, IRObject{"x": IRInt(1), "y": IRString("z")})
	require.NoError(t, err)
	b, err := Hash(DomainConfig, IRObject{"y": IRString("z"), "x": IRInt(1)})
	require.NoError(t, err)

	assert.Equal(t, a, b, "key order must not matter")
	assert.Len(t, a, FingerprintLen)
	assert.True(t, IsFingerprint(a))
}

func TestHash_DomainSeparation(t *testing.T) {
	v := IRObject{"x": IRInt(1)}
	assert.NotEqual(t, MustHash(DomainConfig, v), MustHash(DomainTopology, v))
}

func TestHash_RejectsFloat(t *testing.T) {
	_, err := Hash(DomainConfig, map[string]any{"x": 1.5})
	assert.Error(t, err)
}

func TestErrorHash_StableByClass(t *testing.T) {
	assert.Equal(t, ErrorHash("timeout"), ErrorHash("timeout"))
	assert.NotEqual(t, ErrorHash("timeout"), ErrorHash("validation"))
	assert.True(t, IsFingerprint(ErrorHash("timeout")))
}

func TestGroupIDs(t *testing.T) {
	fork := ForkGroupID("tok-1", "fork")
	assert.Equal(t, fork, ForkGroupID("tok-1", "fork"))
	assert.NotEqual(t, fork, ForkGroupID("tok-2", "fork"))
	assert.NotEqual(t, fork, ExpandGroupID("tok-1", "fork"))

	join := JoinGroupID("merge", fork)
	assert.Equal(t, join, JoinGroupID("merge", fork))
	assert.NotEqual(t, join, JoinGroupID("other", fork))
}

func TestIsFingerprint(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"", false},
		{"abc", false},
		{MustHash(DomainGraph, IRString("g")), true},
		{"ZZ" + MustHash(DomainGraph, IRString("g"))[2:], false},
		{"ABCDEF" + MustHash(DomainGraph, IRString("g"))[6:], false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsFingerprint(tt.in), tt.in)
	}
}
