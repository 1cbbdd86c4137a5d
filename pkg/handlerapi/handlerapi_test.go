package handlerapi

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kyomei-indexer/kyomei/pkg/models"
)

func argsFixture() []models.Arg {
	return []models.Arg{
		{Name: "from", Value: "0xabc"},
		{Name: "value", Value: big.NewInt(42)},
	}
}

func TestParseEventKeyRejectsMalformedInput(t *testing.T) {
	_, err := ParseEventKey("NoColon")
	assert.Error(t, err)

	_, err = ParseEventKey(":MissingContract")
	assert.Error(t, err)

	_, err = ParseEventKey("MissingEvent:")
	assert.Error(t, err)

	key, err := ParseEventKey("Token:Transfer")
	require.NoError(t, err)
	assert.Equal(t, EventKey{Contract: "Token", Event: "Transfer"}, key)
	assert.Equal(t, "Token:Transfer", key.String())
}

type stubValidator struct {
	allow map[string]bool
}

func (v stubValidator) Validate(contract, event string) error {
	if v.allow[contract+":"+event] {
		return nil
	}
	return errors.New("not configured")
}

func noop(context.Context, Context) error { return nil }

func TestRegisterRejectsUnvalidatedEventKey(t *testing.T) {
	reg := NewRegistry(stubValidator{allow: map[string]bool{"Token:Transfer": true}})

	require.NoError(t, reg.On("Token:Transfer", noop))
	err := reg.On("Token:Approval", noop)
	assert.Error(t, err)
}

func TestLookupAndModesPreserveRegistrationOrder(t *testing.T) {
	reg := NewRegistry(stubValidator{allow: map[string]bool{"Token:Transfer": true}})

	var calls []string
	first := func(context.Context, Context) error { calls = append(calls, "first"); return nil }
	second := func(context.Context, Context) error { calls = append(calls, "second"); return nil }

	require.NoError(t, reg.On("Token:Transfer", first))
	require.NoError(t, reg.OnParallel("Token:Transfer", second))

	key := EventKey{Contract: "Token", Event: "Transfer"}
	fns := reg.Lookup(key)
	modes := reg.Modes(key)
	require.Len(t, fns, 2)
	require.Len(t, modes, 2)
	assert.Equal(t, Sequential, modes[0])
	assert.Equal(t, Parallel, modes[1])

	for _, fn := range fns {
		_ = fn(context.Background(), Context{})
	}
	assert.Equal(t, []string{"first", "second"}, calls)
}

func TestLookupUnknownKeyReturnsEmpty(t *testing.T) {
	reg := NewRegistry(nil)
	fns := reg.Lookup(EventKey{Contract: "Token", Event: "Transfer"})
	assert.Empty(t, fns)
}

func TestEventBigIntAndStringHelpers(t *testing.T) {
	ev := Event{
		Args: argsFixture(),
	}

	v, ok := ev.BigInt("value")
	require.True(t, ok)
	assert.Equal(t, big.NewInt(42), v)

	_, ok = ev.BigInt("missing")
	assert.False(t, ok)

	s, ok := ev.String("from")
	require.True(t, ok)
	assert.Equal(t, "0xabc", s)

	_, ok = ev.String("value") // wrong type for this helper
	assert.False(t, ok)
}
