package core

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindRegistry_Defaults(t *testing.T) {
	r := DefaultKindRegistry()
	assert.Equal(t, []string{KindInterpretedA, KindInterpretedB, KindNativeUnsafe, KindPlain, KindUnsafeEval}, r.Kinds())

	spec, ok := r.Lookup("Interpreted-B")
	require.True(t, ok)
	assert.Equal(t, []string{"maya"}, spec.Hosts)
}

// TestKindRegistry_Check verifies unknown kinds and host mismatches are validation errors
func TestKindRegistry_Check(t *testing.T) {
	r := DefaultKindRegistry()

	assert.NoError(t, r.Check(KindPlain, "standalone"))
	assert.NoError(t, r.Check(KindInterpretedB, "Maya"))

	err := r.Check(KindInterpretedB, "standalone")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))
	assert.Contains(t, err.Error(), "maya")

	err = r.Check(KindInterpretedB, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "an unnamed host")

	err = r.Check("cobol", "standalone")
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "kind", ve.Field)
}

func TestKindRegistry_RegisterUnregister(t *testing.T) {
	r := NewKindRegistry()
	require.Error(t, r.Register(KindSpec{Kind: "  "}))

	require.NoError(t, r.Register(KindSpec{Kind: "Lua", Description: "embedded lua"}))
	_, ok := r.Lookup("lua")
	assert.True(t, ok)

	assert.True(t, r.Unregister("LUA"))
	assert.False(t, r.Unregister("lua"))
	assert.Empty(t, r.Kinds())
}

func TestNewKindRegistry_SkipsBlankKinds(t *testing.T) {
	r := NewKindRegistry(KindSpec{Kind: ""}, KindSpec{Kind: "lua"})
	assert.Equal(t, []string{"lua"}, r.Kinds())
}

// TestNewExecutionEnv verifies each execution gets a fresh namespace seeded with its identity
func TestNewExecutionEnv(t *testing.T) {
	seed := map[string]any{"answer": 42}
	d := WorkDescriptor{ID: "scripts/a.py", Kind: "lua", Payload: Payload{Run: noopWork, Env: seed}}
	spec := &KindSpec{Kind: "lua", PrepareEnv: func(env map[string]any, d WorkDescriptor) {
		env["lua_version"] = "5.4"
	}}

	env := newExecutionEnv(d, "maya", AffinityMain, spec)
	assert.Equal(t, "__main__", env[EnvName])
	assert.Equal(t, "scripts/a.py", env[EnvFile])
	assert.Equal(t, "maya", env[EnvHost])
	assert.Equal(t, "main", env[EnvExecutionMode])
	assert.Equal(t, 42, env["answer"])
	assert.Equal(t, "5.4", env["lua_version"])

	env["answer"] = 0
	assert.Equal(t, 42, seed["answer"])

	other := newExecutionEnv(d, "maya", AffinityBackground, nil)
	assert.Equal(t, 42, other["answer"])
	assert.NotContains(t, other, "lua_version")
}
