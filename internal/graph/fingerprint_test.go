package graph

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tokenline/internal/ir"
)

func mustBuild(t *testing.T, nodes []ir.NodeSpec, edges []ir.EdgeSpec) *Graph {
	t.Helper()
	g, err := Build(nodes, edges)
	require.NoError(t, err)
	return g
}

func fp(t *testing.T, f func(string) (string, bool), id string) string {
	t.Helper()
	v, ok := f(id)
	require.True(t, ok)
	require.True(t, ir.IsFingerprint(v))
	return v
}

func TestFingerprints_OrderIndependent(t *testing.T) {
	nodes, edges := forkJoin()
	a := mustBuild(t, nodes, edges)

	rn := slices.Clone(nodes)
	slices.Reverse(rn)
	re := slices.Clone(edges)
	slices.Reverse(re)
	b := mustBuild(t, rn, re)

	for _, id := range []string{"s", "f", "a", "c", "k"} {
		assert.Equal(t, fp(t, a.TopologyFingerprint, id), fp(t, b.TopologyFingerprint, id), id)
		assert.Equal(t, fp(t, a.ConfigFingerprint, id), fp(t, b.ConfigFingerprint, id), id)
	}
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
}

func TestFingerprints_DownstreamChangeIgnored(t *testing.T) {
	nodes, edges := forkJoin()
	before := mustBuild(t, nodes, edges)

	changed := slices.Clone(nodes)
	changed[5].Config = ir.IRObject{"path": ir.IRString("/tmp/out.jsonl")}
	changed = append(changed, node("k2", ir.KindSink))
	after := mustBuild(t, changed, append(slices.Clone(edges[:5]), edge("c", "k2"), edge("c", "k")))

	assert.Equal(t, fp(t, before.TopologyFingerprint, "f"), fp(t, after.TopologyFingerprint, "f"))
	assert.Equal(t, fp(t, before.ConfigFingerprint, "f"), fp(t, after.ConfigFingerprint, "f"))
	assert.NotEqual(t, fp(t, before.ConfigFingerprint, "k"), fp(t, after.ConfigFingerprint, "k"))
	assert.NotEqual(t, before.Fingerprint(), after.Fingerprint())
}

func TestFingerprints_ConfigChange(t *testing.T) {
	nodes, edges := forkJoin()
	before := mustBuild(t, nodes, edges)

	changed := slices.Clone(nodes)
	changed[1].Config = ir.IRObject{"field": ir.IRString("amount")}
	after := mustBuild(t, changed, edges)

	assert.NotEqual(t, fp(t, before.ConfigFingerprint, "f"), fp(t, after.ConfigFingerprint, "f"))
	// The node's own topology only covers its ancestors' configuration.
	assert.Equal(t, fp(t, before.TopologyFingerprint, "f"), fp(t, after.TopologyFingerprint, "f"))
	assert.NotEqual(t, fp(t, before.TopologyFingerprint, "a"), fp(t, after.TopologyFingerprint, "a"))
	assert.Equal(t, fp(t, before.ConfigFingerprint, "a"), fp(t, after.ConfigFingerprint, "a"))
}

func TestFingerprints_UpstreamEdgeChange(t *testing.T) {
	base := []ir.NodeSpec{
		node("s", ir.KindSource), node("t1", ir.KindTransform),
		node("t2", ir.KindTransform), node("k", ir.KindSink),
	}
	a := mustBuild(t, base, []ir.EdgeSpec{edge("s", "t1"), edge("t1", "t2"), edge("t2", "k")})
	b := mustBuild(t, base, []ir.EdgeSpec{edge("s", "t2"), edge("t2", "t1"), edge("t1", "k")})

	assert.NotEqual(t, fp(t, a.TopologyFingerprint, "t2"), fp(t, b.TopologyFingerprint, "t2"))
}

func TestFingerprints_UnknownNode(t *testing.T) {
	nodes, edges := forkJoin()
	g := mustBuild(t, nodes, edges)
	_, ok := g.TopologyFingerprint("missing")
	assert.False(t, ok)
	_, ok = g.ConfigFingerprint("missing")
	assert.False(t, ok)
}
