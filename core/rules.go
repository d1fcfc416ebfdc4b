package core

import "fmt"

// KindRule forces Main for a fixed set of kinds.
type KindRule struct {
	name   string
	reason string
	kinds  map[string]struct{}
}

// NewKindRule creates a rule matching any of kinds.
func NewKindRule(name, reason string, kinds ...string) *KindRule {
	set := make(map[string]struct{}, len(kinds))
	for _, k := range kinds {
		set[k] = struct{}{}
	}
	return &KindRule{name: name, reason: reason, kinds: set}
}

func (r *KindRule) Name() string   { return r.name }
func (r *KindRule) Cost() RuleCost { return CostMetadata }

func (r *KindRule) Evaluate(d WorkDescriptor) (Verdict, error) {
	if _, ok := r.kinds[d.Kind]; !ok {
		return Abstain, nil
	}
	reason := r.reason
	if reason == "" {
		reason = fmt.Sprintf("kind %q requires the affinity thread", d.Kind)
	}
	return ForceMain(reason), nil
}

// FuncRule adapts a plain function.
type FuncRule struct {
	name string
	cost RuleCost
	fn   func(d WorkDescriptor) (Verdict, error)
}

// NewFuncRule wraps fn as a rule of the given cost tier.
func NewFuncRule(name string, cost RuleCost, fn func(d WorkDescriptor) (Verdict, error)) *FuncRule {
	return &FuncRule{name: name, cost: cost, fn: fn}
}

func (r *FuncRule) Name() string   { return r.name }
func (r *FuncRule) Cost() RuleCost { return r.cost }

func (r *FuncRule) Evaluate(d WorkDescriptor) (Verdict, error) {
	return r.fn(d)
}

// IntrospectionRule forces Main when a ContentIntrospector reports that the
// work's content needs the affinity thread.
type IntrospectionRule struct {
	name         string
	reason       string
	introspector ContentIntrospector
}

// NewIntrospectionRule creates an introspection-cost rule.
func NewIntrospectionRule(name, reason string, introspector ContentIntrospector) *IntrospectionRule {
	return &IntrospectionRule{name: name, reason: reason, introspector: introspector}
}

func (r *IntrospectionRule) Name() string   { return r.name }
func (r *IntrospectionRule) Cost() RuleCost { return CostIntrospection }

func (r *IntrospectionRule) Evaluate(d WorkDescriptor) (Verdict, error) {
	finding, err := r.introspector.Inspect(d)
	if err != nil {
		return Abstain, err
	}
	if !finding.RequiresMain {
		return Abstain, nil
	}
	reason := r.reason
	if reason == "" {
		reason = "content requires the affinity thread"
	}
	if finding.Detail != "" {
		reason += ": " + finding.Detail
	}
	return ForceMain(reason), nil
}
