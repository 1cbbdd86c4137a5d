package rpccache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These exercise only the pure cache-key machinery (canonicalParams,
// requestHash) — the part spec §4.B's "byte-identical replay" guarantee
// actually rests on. Client itself needs a live *ethclient.Client and
// *store.Store; no test in this repository exercises it.

func TestCanonicalParamsIsDeterministic(t *testing.T) {
	type params struct {
		Contract string `json:"contract"`
		Method   string `json:"method"`
		Args     []any  `json:"args"`
	}
	p := params{Contract: "0xabc", Method: "balanceOf", Args: []any{"0xdef"}}

	a, err := canonicalParams(p)
	require.NoError(t, err)
	b, err := canonicalParams(p)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestRequestHashIsDeterministicAndDistinct(t *testing.T) {
	canon, err := canonicalParams("0xdef")
	require.NoError(t, err)

	h1 := requestHash("getBalance", canon)
	h2 := requestHash("getBalance", canon)
	assert.Equal(t, h1, h2, "identical method+params must hash identically so a replay hits the cache")

	h3 := requestHash("getBlock", canon)
	assert.NotEqual(t, h1, h3, "different methods over the same params must not collide")

	otherCanon, err := canonicalParams("0xabc")
	require.NoError(t, err)
	h4 := requestHash("getBalance", otherCanon)
	assert.NotEqual(t, h1, h4, "different params over the same method must not collide")
}

func TestCanonicalParamsOrdersMapKeys(t *testing.T) {
	// encoding/json always emits map keys sorted, so two maps built in a
	// different insertion order must canonicalize identically.
	m1 := map[string]any{"b": 1, "a": 2}
	m2 := map[string]any{"a": 2, "b": 1}

	c1, err := canonicalParams(m1)
	require.NoError(t, err)
	c2, err := canonicalParams(m2)
	require.NoError(t, err)
	assert.Equal(t, string(c1), string(c2))
}
