package core

import (
	"fmt"
	"runtime/debug"
	"slices"
	"sync/atomic"
)

// RuleCost orders rule evaluation: every metadata rule runs before any
// introspection rule.
type RuleCost int

const (
	// CostMetadata rules only look at descriptor fields.
	CostMetadata RuleCost = iota
	// CostIntrospection rules read or analyse the work's content.
	CostIntrospection
)

func (c RuleCost) String() string {
	if c == CostIntrospection {
		return "introspection"
	}
	return "metadata"
}

// Verdict is a rule's answer. The zero Verdict abstains.
type Verdict struct {
	ForceMain bool
	Reason    string
}

// Abstain is the verdict of a rule with no opinion.
var Abstain = Verdict{}

// ForceMain returns a verdict forcing the affinity thread.
func ForceMain(reason string) Verdict {
	return Verdict{ForceMain: true, Reason: reason}
}

// AffinityRule is a pure predicate over a descriptor.
// Rules never see each other; adding one never changes another.
type AffinityRule interface {
	Name() string
	Cost() RuleCost
	Evaluate(d WorkDescriptor) (Verdict, error)
}

// ResolverOption configures a ThreadAffinityResolver.
type ResolverOption func(*ThreadAffinityResolver)

// WithResolverLogger sets the logger used for rule errors.
func WithResolverLogger(logger Logger) ResolverOption {
	return func(r *ThreadAffinityResolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// ThreadAffinityResolver turns a descriptor and its caller preference into
// one AffinityDecision. The rule set is fixed at construction.
type ThreadAffinityResolver struct {
	rules  []AffinityRule
	logger Logger

	// evaluations counts individual rule evaluations.
	evaluations atomic.Int64
}

// NewThreadAffinityResolver creates a resolver. Rules keep their registration
// order within a cost tier.
func NewThreadAffinityResolver(rules []AffinityRule, opts ...ResolverOption) *ThreadAffinityResolver {
	ordered := make([]AffinityRule, 0, len(rules))
	for _, rule := range rules {
		if rule != nil {
			ordered = append(ordered, rule)
		}
	}
	slices.SortStableFunc(ordered, func(a, b AffinityRule) int {
		return int(a.Cost()) - int(b.Cost())
	})

	r := &ThreadAffinityResolver{
		rules:  ordered,
		logger: NewNoOpLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve computes the decision for d. A Main preference short-circuits
// without evaluating any rule; otherwise the first rule that forces Main wins
// and nothing after it runs. No firing rule means Background.
func (r *ThreadAffinityResolver) Resolve(d WorkDescriptor) AffinityDecision {
	if d.PreferredAffinity == AffinityMain {
		return AffinityDecision{Mode: AffinityMain}
	}

	for _, rule := range r.rules {
		v, err := r.evaluate(rule, d)
		if err != nil {
			r.logger.Warn("affinity rule failed, treating as abstention",
				F("rule", rule.Name()),
				F("id", d.ID),
				F("kind", d.Kind),
				F("error", err))
			continue
		}
		if v.ForceMain {
			reason := v.Reason
			if reason == "" {
				reason = "forced by rule " + rule.Name()
			}
			return AffinityDecision{Mode: AffinityMain, Forced: true, Reason: reason}
		}
	}
	return AffinityDecision{Mode: AffinityBackground}
}

func (r *ThreadAffinityResolver) evaluate(rule AffinityRule, d WorkDescriptor) (v Verdict, err error) {
	r.evaluations.Add(1)
	defer func() {
		if rec := recover(); rec != nil {
			v = Abstain
			err = fmt.Errorf("rule panicked: %v\n%s", rec, debug.Stack())
		}
	}()
	return rule.Evaluate(d)
}

// Evaluations returns how many rule evaluations ran so far.
func (r *ThreadAffinityResolver) Evaluations() int64 {
	return r.evaluations.Load()
}

// RuleNames lists the rules in evaluation order.
func (r *ThreadAffinityResolver) RuleNames() []string {
	names := make([]string, len(r.rules))
	for i, rule := range r.rules {
		names[i] = rule.Name()
	}
	return names
}
