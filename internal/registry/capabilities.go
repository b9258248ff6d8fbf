package registry

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/iqakit/calibra/internal/tolerance"
	"gopkg.in/yaml.v3"
)

// Capabilities declare how a metric may be exercised by the harness. Each
// registry entry carries its own capabilities instead of the runner keeping
// name lists of exceptions.
type Capabilities struct {
	// Deterministic: repeated runs on identical input give identical output.
	// Metrics with internal random sampling are excluded from cross-device
	// comparison.
	Deterministic bool
	// Differentiable: usable as a loss for gradient-based optimization.
	Differentiable bool
	// DirectoryInput: the metric consumes file directories rather than
	// tensors and cannot take random tensor input.
	DirectoryInput bool
	// StableOnRandom: the forward pass produces finite output on random
	// noise input.
	StableOnRandom bool
	// StableGradOnRandom: back-propagation from random noise input stays
	// finite. Some metrics score random input fine but blow up in the
	// backward pass; those keep StableOnRandom and drop this flag.
	StableGradOnRandom bool
	// Tolerance names the profile used for official-value comparison.
	Tolerance tolerance.Profile
}

// DefaultCapabilities assume the common case: a deterministic,
// differentiable metric stable on any input, compared at default tolerance.
func DefaultCapabilities() Capabilities {
	return Capabilities{
		Deterministic:      true,
		Differentiable:     true,
		StableOnRandom:     true,
		StableGradOnRandom: true,
		Tolerance:          tolerance.ProfileDefault,
	}
}

// Override holds partial capability changes; nil fields keep the metric's
// self-declared value.
type Override struct {
	Deterministic      *bool              `yaml:"deterministic"`
	Differentiable     *bool              `yaml:"differentiable"`
	DirectoryInput     *bool              `yaml:"directory_input"`
	StableOnRandom     *bool              `yaml:"stable_on_random"`
	StableGradOnRandom *bool              `yaml:"stable_grad_on_random"`
	Tolerance          *tolerance.Profile `yaml:"tolerance"`
}

func (o Override) apply(c *Capabilities) {
	if o.Deterministic != nil {
		c.Deterministic = *o.Deterministic
	}
	if o.Differentiable != nil {
		c.Differentiable = *o.Differentiable
	}
	if o.DirectoryInput != nil {
		c.DirectoryInput = *o.DirectoryInput
	}
	if o.StableOnRandom != nil {
		c.StableOnRandom = *o.StableOnRandom
	}
	if o.StableGradOnRandom != nil {
		c.StableGradOnRandom = *o.StableGradOnRandom
	}
	if o.Tolerance != nil {
		c.Tolerance = *o.Tolerance
	}
}

// Rule binds an override to an exact metric name or, with the "substr:"
// prefix, to every name containing a substring (the musiq family case).
type Rule struct {
	Pattern  string
	Override Override
}

func (r Rule) matches(name string) bool {
	if sub, ok := strings.CutPrefix(r.Pattern, "substr:"); ok {
		return strings.Contains(name, sub)
	}
	return r.Pattern == name
}

func boolPtr(b bool) *bool { return &b }

func profilePtr(p tolerance.Profile) *tolerance.Profile { return &p }

// defaultRules carry the known behavior of the published metric set:
// relaxed tolerance for non-deterministic or architecture-sensitive
// references, and exclusions for metrics that cannot take random or tensor
// input or cannot back-propagate.
func defaultRules() []Rule {
	relaxed := Override{Tolerance: profilePtr(tolerance.ProfileRelaxed)}
	return []Rule{
		{Pattern: "niqe", Override: relaxed},
		{Pattern: "pi", Override: Override{
			Tolerance:      profilePtr(tolerance.ProfileRelaxed),
			Differentiable: boolPtr(false),
		}},
		{Pattern: "ilniqe", Override: relaxed},
		{Pattern: "substr:musiq", Override: relaxed},
		{Pattern: "ahiq", Override: Override{Deterministic: boolPtr(false)}},
		{Pattern: "fid", Override: Override{
			DirectoryInput: boolPtr(true),
			Differentiable: boolPtr(false),
		}},
		// vsi is undefined on random input outright; mad only fails in the
		// backward pass, so it still takes part in cross-device comparison.
		{Pattern: "vsi", Override: Override{StableOnRandom: boolPtr(false)}},
		{Pattern: "mad", Override: Override{StableGradOnRandom: boolPtr(false)}},
		{Pattern: "nrqm", Override: Override{Differentiable: boolPtr(false)}},
	}
}

type capabilityFile struct {
	Metrics map[string]Override `yaml:"metrics"`
}

// LoadCapabilityFile merges YAML overrides into the registry, rewriting the
// capabilities of already-registered matching metrics and applying to later
// registrations as well.
func (r *Registry) LoadCapabilityFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("registry: read capability file %s: %w", path, err)
	}
	var cf capabilityFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return fmt.Errorf("registry: parse capability file %s: %w", path, err)
	}
	if len(cf.Metrics) == 0 {
		return fmt.Errorf("registry: capability file %s defines no metrics", path)
	}
	for _, p := range sortedPatterns(cf.Metrics) {
		ov := cf.Metrics[p]
		if t := ov.Tolerance; t != nil &&
			*t != tolerance.ProfileDefault && *t != tolerance.ProfileRelaxed {
			return fmt.Errorf("registry: capability file %s: unknown tolerance profile %q for %q",
				path, *t, p)
		}
		r.addRule(Rule{Pattern: p, Override: ov})
	}
	return nil
}

func (r *Registry) addRule(rule Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, rule)
	for name, e := range r.entries {
		if rule.matches(name) {
			rule.Override.apply(&e.caps)
			r.entries[name] = e
		}
	}
}

// sortedPatterns gives a deterministic rule order regardless of map
// iteration.
func sortedPatterns(m map[string]Override) []string {
	out := make([]string, 0, len(m))
	for p := range m {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
