package core

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
)

// Well-known kinds.
const (
	KindInterpretedA = "interpreted-a"
	KindInterpretedB = "interpreted-b"
	KindNativeUnsafe = "native-unsafe"
	KindUnsafeEval   = "unsafe-eval"
	KindPlain        = "plain"
)

// Keys seeded into every execution's env.
const (
	EnvName          = "__name__"
	EnvFile          = "__file__"
	EnvHost          = "__host__"
	EnvExecutionMode = "__execution_mode__"
)

// KindSpec describes how a kind of work may run.
type KindSpec struct {
	Kind        string
	Description string

	// Hosts lists the hosts the kind can run in. Empty means any host.
	Hosts []string

	// PrepareEnv, if set, adjusts the fresh env of each execution.
	PrepareEnv func(env map[string]any, d WorkDescriptor)
}

func (s KindSpec) allowsHost(host string) bool {
	if len(s.Hosts) == 0 {
		return true
	}
	return slices.ContainsFunc(s.Hosts, func(h string) bool {
		return strings.EqualFold(h, host)
	})
}

// KindRegistry maps kind names to their specs. Kind names are case-insensitive.
type KindRegistry struct {
	mu    sync.RWMutex
	specs map[string]KindSpec
}

// NewKindRegistry creates a registry holding specs; later duplicates replace
// earlier ones. Specs with a blank Kind are skipped; call Register to get the
// error instead.
func NewKindRegistry(specs ...KindSpec) *KindRegistry {
	r := &KindRegistry{specs: make(map[string]KindSpec, len(specs))}
	for _, s := range specs {
		_ = r.Register(s)
	}
	return r
}

// DefaultKindRegistry returns the built-in kinds. interpreted-b only runs in
// the maya host.
func DefaultKindRegistry() *KindRegistry {
	return NewKindRegistry(
		KindSpec{Kind: KindInterpretedA, Description: "general interpreted script"},
		KindSpec{Kind: KindInterpretedB, Description: "host-embedded script language", Hosts: []string{"maya"}},
		KindSpec{Kind: KindNativeUnsafe, Description: "calls native code that is not thread-safe"},
		KindSpec{Kind: KindUnsafeEval, Description: "evaluates code through the host's eval"},
		KindSpec{Kind: KindPlain, Description: "plain work with no host requirements"},
	)
}

// Register adds or replaces spec.
func (r *KindRegistry) Register(spec KindSpec) error {
	key := strings.ToLower(strings.TrimSpace(spec.Kind))
	if key == "" {
		return &ValidationError{Field: "kind", Msg: "must not be empty"}
	}
	spec.Kind = key

	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[key] = spec
	return nil
}

// Unregister removes kind and reports whether it was present.
func (r *KindRegistry) Unregister(kind string) bool {
	key := strings.ToLower(kind)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.specs[key]; !ok {
		return false
	}
	delete(r.specs, key)
	return true
}

// Lookup returns the spec for kind.
func (r *KindRegistry) Lookup(kind string) (KindSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.specs[strings.ToLower(kind)]
	return s, ok
}

// Kinds returns the registered kind names, sorted.
func (r *KindRegistry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.specs))
}

// Check returns a *ValidationError when kind is unknown or cannot run in host.
func (r *KindRegistry) Check(kind, host string) error {
	spec, ok := r.Lookup(kind)
	if !ok {
		return &ValidationError{Field: "kind", Msg: fmt.Sprintf("%q is not registered", kind)}
	}
	if !spec.allowsHost(host) {
		if host == "" {
			host = "an unnamed host"
		}
		return &ValidationError{
			Field: "kind",
			Msg:   fmt.Sprintf("%q can only run in %s, not in %s", kind, strings.Join(spec.Hosts, ", "), host),
		}
	}
	return nil
}

// newExecutionEnv builds the private namespace of one execution.
func newExecutionEnv(d WorkDescriptor, host string, mode AffinityMode, spec *KindSpec) map[string]any {
	env := make(map[string]any, len(d.Payload.Env)+4)
	maps.Copy(env, d.Payload.Env)
	env[EnvName] = "__main__"
	env[EnvFile] = d.ID
	env[EnvHost] = host
	env[EnvExecutionMode] = mode.String()
	if spec != nil && spec.PrepareEnv != nil {
		spec.PrepareEnv(env, d)
	}
	return env
}
