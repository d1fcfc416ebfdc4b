package core

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopWork(ec *ExecutionContext) (any, error) { return nil, nil }

func descriptor(id, kind string) WorkDescriptor {
	return WorkDescriptor{ID: id, Kind: kind, Payload: Payload{Run: noopWork}}
}

// countingRule counts its evaluations and returns a fixed verdict.
type countingRule struct {
	name    string
	cost    RuleCost
	verdict Verdict
	err     error
	calls   int
	order   *[]string
}

func (r *countingRule) Name() string   { return r.name }
func (r *countingRule) Cost() RuleCost { return r.cost }

func (r *countingRule) Evaluate(d WorkDescriptor) (Verdict, error) {
	r.calls++
	if r.order != nil {
		*r.order = append(*r.order, r.name)
	}
	return r.verdict, r.err
}

// TestResolver_KindForcesMain verifies a forced kind lands on Main with a reason
// Given: the unsafe-kinds rule
// When: an unsafe-eval descriptor with no preference is resolved
// Then: the decision is a forced Main with a non-empty reason
func TestResolver_KindForcesMain(t *testing.T) {
	r := NewThreadAffinityResolver([]AffinityRule{
		NewKindRule("unsafe-kinds", "", KindUnsafeEval, KindNativeUnsafe),
	})

	got := r.Resolve(descriptor("a", KindUnsafeEval))
	assert.Equal(t, AffinityMain, got.Mode)
	assert.True(t, got.Forced)
	assert.Contains(t, got.Reason, "unsafe-eval")

	got = r.Resolve(descriptor("b", KindPlain))
	assert.Equal(t, AffinityDecision{Mode: AffinityBackground}, got)
}

// TestResolver_BackgroundPreferenceStillForced verifies a Background preference does not beat a rule
func TestResolver_BackgroundPreferenceStillForced(t *testing.T) {
	r := NewThreadAffinityResolver([]AffinityRule{NewKindRule("k", "needs ui", KindNativeUnsafe)})

	d := descriptor("a", KindNativeUnsafe)
	d.PreferredAffinity = AffinityBackground
	got := r.Resolve(d)
	assert.Equal(t, AffinityDecision{Mode: AffinityMain, Forced: true, Reason: "needs ui"}, got)
}

// TestResolver_MainPreferenceShortCircuits verifies no rule runs for a Main preference
func TestResolver_MainPreferenceShortCircuits(t *testing.T) {
	rule := &countingRule{name: "r", verdict: ForceMain("x")}
	r := NewThreadAffinityResolver([]AffinityRule{rule})

	d := descriptor("a", KindUnsafeEval)
	d.PreferredAffinity = AffinityMain
	got := r.Resolve(d)

	assert.Equal(t, AffinityDecision{Mode: AffinityMain}, got)
	assert.Equal(t, 0, rule.calls)
	assert.Equal(t, int64(0), r.Evaluations())
}

// TestResolver_MetadataBeforeIntrospection verifies cost tiers order evaluation and stop at the first hit
// Given: an introspection rule registered before two metadata rules
// When: the second metadata rule forces Main
// Then: both metadata rules ran in registration order and the introspection rule never ran
func TestResolver_MetadataBeforeIntrospection(t *testing.T) {
	var order []string
	introspect := &countingRule{name: "introspect", cost: CostIntrospection, verdict: ForceMain("content"), order: &order}
	first := &countingRule{name: "first", cost: CostMetadata, order: &order}
	second := &countingRule{name: "second", cost: CostMetadata, verdict: ForceMain("second says so"), order: &order}

	r := NewThreadAffinityResolver([]AffinityRule{introspect, first, second})
	assert.Equal(t, []string{"first", "second", "introspect"}, r.RuleNames())

	got := r.Resolve(descriptor("a", KindPlain))
	assert.Equal(t, "second says so", got.Reason)
	assert.Equal(t, []string{"first", "second"}, order)
	assert.Equal(t, 0, introspect.calls)
	assert.Equal(t, int64(2), r.Evaluations())
}

// TestResolver_ErrorsAndPanicsAbstain verifies a broken rule cannot block resolution
func TestResolver_ErrorsAndPanicsAbstain(t *testing.T) {
	logger := &recordingLogger{}
	failing := &countingRule{name: "failing", err: errors.New("disk gone"), verdict: ForceMain("ignored")}
	panicking := NewFuncRule("panicking", CostMetadata, func(d WorkDescriptor) (Verdict, error) {
		panic("rule bug")
	})

	r := NewThreadAffinityResolver([]AffinityRule{failing, panicking}, WithResolverLogger(logger))
	got := r.Resolve(descriptor("a", KindPlain))

	assert.Equal(t, AffinityDecision{Mode: AffinityBackground}, got)
	assert.Len(t, logger.messages("warn"), 2)
}

func TestResolver_EmptyReasonNamesRule(t *testing.T) {
	r := NewThreadAffinityResolver([]AffinityRule{
		NewFuncRule("always", CostMetadata, func(d WorkDescriptor) (Verdict, error) {
			return ForceMain(""), nil
		}),
		nil,
	})
	got := r.Resolve(descriptor("a", KindPlain))
	assert.Equal(t, "forced by rule always", got.Reason)
	assert.Equal(t, []string{"always"}, r.RuleNames())
}

// TestResolver_Deterministic verifies the same descriptor resolves the same way every time
func TestResolver_Deterministic(t *testing.T) {
	r := NewThreadAffinityResolver([]AffinityRule{NewKindRule("k", "", KindUnsafeEval)})
	d := descriptor("a", KindUnsafeEval)
	first := r.Resolve(d)
	for range 20 {
		require.Equal(t, first, r.Resolve(d))
	}
}

type stubIntrospector struct {
	finding Finding
	err     error
}

func (s stubIntrospector) Inspect(d WorkDescriptor) (Finding, error) { return s.finding, s.err }

func TestIntrospectionRule(t *testing.T) {
	hit := NewIntrospectionRule("markers", "ui toolkit", stubIntrospector{finding: Finding{RequiresMain: true, Detail: "a.py references PySide6 (line 3)"}})
	assert.Equal(t, CostIntrospection, hit.Cost())
	v, err := hit.Evaluate(descriptor("a", KindPlain))
	require.NoError(t, err)
	assert.Equal(t, ForceMain("ui toolkit: a.py references PySide6 (line 3)"), v)

	miss := NewIntrospectionRule("markers", "", stubIntrospector{})
	v, err = miss.Evaluate(descriptor("a", KindPlain))
	require.NoError(t, err)
	assert.Equal(t, Abstain, v)

	broken := NewIntrospectionRule("markers", "", stubIntrospector{err: errors.New("unreadable")})
	_, err = broken.Evaluate(descriptor("a", KindPlain))
	require.Error(t, err)
}

// TestCELRule_Evaluate verifies expressions see the descriptor fields
func TestCELRule_Evaluate(t *testing.T) {
	rule, err := NewCELRule("ui-ids", "ui scripts", `id.startsWith("ui/") || kind == "native-unsafe" || ("needs_ui" in env && env.needs_ui == true)`)
	require.NoError(t, err)
	assert.Equal(t, CostMetadata, rule.Cost())
	assert.Equal(t, "ui-ids", rule.Name())
	assert.Contains(t, rule.Expression(), "startsWith")

	tests := []struct {
		name  string
		d     WorkDescriptor
		force bool
	}{
		{name: "id prefix", d: descriptor("ui/panel.txt", KindPlain), force: true},
		{name: "kind", d: descriptor("x", KindNativeUnsafe), force: true},
		{name: "env flag", d: WorkDescriptor{ID: "x", Kind: KindPlain, Payload: Payload{Run: noopWork, Env: map[string]any{"needs_ui": true}}}, force: true},
		{name: "nothing", d: descriptor("tools/x.txt", KindPlain), force: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := rule.Evaluate(tt.d)
			require.NoError(t, err)
			assert.Equal(t, tt.force, v.ForceMain)
			if tt.force {
				assert.Equal(t, "ui scripts", v.Reason)
			}
		})
	}
}

func TestCELRule_CompileErrors(t *testing.T) {
	_, err := NewCELRule("bad", "", `id +`)
	require.Error(t, err)

	_, err = NewCELRule("not-bool", "", `id + "x"`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be bool")

	_, err = NewCELRule("unknown-var", "", `missing == 1`)
	require.Error(t, err)
}

// TestCELRule_RuntimeErrorAbstains verifies evaluation errors surface as errors, not verdicts
func TestCELRule_RuntimeErrorAbstains(t *testing.T) {
	rule, err := NewCELRule("missing-key", "", `env.flag == true`)
	require.NoError(t, err)

	v, err := rule.Evaluate(descriptor("x", KindPlain))
	require.Error(t, err)
	assert.Equal(t, Abstain, v)

	r := NewThreadAffinityResolver([]AffinityRule{rule})
	assert.Equal(t, AffinityBackground, r.Resolve(descriptor("x", KindPlain)).Mode)
}

// TestCELRule_GuardedEnvKey verifies has() keeps a missing env key from erroring
// Given: a rule guarding env.has_ui with has()
// When: descriptors with and without the key are resolved
// Then: only the flagged one is forced and nothing is logged at warn level
func TestCELRule_GuardedEnvKey(t *testing.T) {
	rule, err := NewCELRule("ui-env", "UI work", `kind.startsWith("ui-") || (has(env.has_ui) && env.has_ui == true)`)
	require.NoError(t, err)

	v, err := rule.Evaluate(descriptor("x", KindPlain))
	require.NoError(t, err)
	assert.Equal(t, Abstain, v)

	logger := &recordingLogger{}
	r := NewThreadAffinityResolver([]AffinityRule{rule}, WithResolverLogger(logger))
	assert.Equal(t, AffinityBackground, r.Resolve(descriptor("x", KindPlain)).Mode)

	flagged := WorkDescriptor{ID: "x", Kind: KindPlain, Payload: Payload{Run: noopWork, Env: map[string]any{"has_ui": true}}}
	d := r.Resolve(flagged)
	assert.Equal(t, AffinityMain, d.Mode)
	assert.Equal(t, "UI work", d.Reason)
	assert.Empty(t, logger.messages("warn"))
}
