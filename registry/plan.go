package registry

import (
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"gopkg.in/yaml.v3"
)

// Plan is the YAML description of a run: classes of tests, the fixtures they
// use, scripted hooks and limiter capacities.
type Plan struct {
	Assembly string          `yaml:"assembly,omitempty"` // Default assembly for classes without one
	Attempts *int            `yaml:"attempts,omitempty"` // Assembly-level attempts
	Limiters map[string]int  `yaml:"limiters,omitempty"`
	Fixtures []FixtureConfig `yaml:"fixtures,omitempty"`
	Hooks    []HookConfig    `yaml:"hooks,omitempty"`
	Classes  []ClassConfig   `yaml:"classes"`
}

// ClassConfig describes a test class. Settings left unset are inherited.
type ClassConfig struct {
	Name          string       `yaml:"name"`
	Assembly      string       `yaml:"assembly,omitempty"`
	Inherits      []string     `yaml:"inherits,omitempty"`
	Abstract      bool         `yaml:"abstract,omitempty"` // Only contributes to classes inheriting from it
	Attempts      *int         `yaml:"attempts,omitempty"`
	Exclusive     *bool        `yaml:"exclusive,omitempty"` // Not in parallel with the rest of the class
	NotInParallel []string     `yaml:"not_in_parallel,omitempty"`
	Fixtures      []FixtureRef `yaml:"fixtures,omitempty"`
	Tests         []TestConfig `yaml:"tests,omitempty"`

	// chain is the resolved class chain, outermost ancestor first
	chain []string
}

// TestConfig describes one test method.
type TestConfig struct {
	Name             string         `yaml:"name"`
	Params           []string       `yaml:"params,omitempty"`
	Args             int            `yaml:"args,omitempty"`   // Number of data rows
	Repeat           int            `yaml:"repeat,omitempty"` // Extra repetitions
	DependsOn        []DependsOn    `yaml:"depends_on,omitempty"`
	NotInParallel    []string       `yaml:"not_in_parallel,omitempty"`
	Order            *int           `yaml:"order,omitempty"`
	SessionExclusive bool           `yaml:"session_exclusive,omitempty"`
	Limit            string         `yaml:"limit,omitempty"`
	Attempts         *int           `yaml:"attempts,omitempty"`
	Timeout          *time.Duration `yaml:"timeout,omitempty"`
	Fixtures         []FixtureRef   `yaml:"fixtures,omitempty"`
	Script           *Script        `yaml:"script,omitempty"`
}

// DependsOn references another test. Class defaults to the declaring class.
type DependsOn struct {
	Class            string   `yaml:"class,omitempty"`
	Name             string   `yaml:"name"`
	Params           []string `yaml:"params,omitempty"`
	ProceedOnFailure bool     `yaml:"proceed_on_failure,omitempty"`
}

// UnmarshalYAML accepts either a bare test name or the full mapping.
func (d *DependsOn) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		d.Name = value.Value
		return nil
	}
	type plain DependsOn
	return value.Decode((*plain)(d))
}

// FixtureConfig declares a scripted fixture type.
type FixtureConfig struct {
	Type     string       `yaml:"type"`
	Requires []FixtureRef `yaml:"requires,omitempty"`
	Setup    *Script      `yaml:"setup,omitempty"`
}

// FixtureRef requests a fixture by type.
type FixtureRef struct {
	Type  string `yaml:"type"`
	Scope string `yaml:"scope,omitempty"`
	Key   string `yaml:"key,omitempty"`
}

// HookConfig declares a scripted hook.
type HookConfig struct {
	Name     string  `yaml:"name,omitempty"`
	Scope    string  `yaml:"scope"`
	Stage    string  `yaml:"stage"`
	Class    string  `yaml:"class,omitempty"`
	Assembly string  `yaml:"assembly,omitempty"`
	Order    int     `yaml:"order,omitempty"`
	Script   *Script `yaml:"script,omitempty"`
}

// LoadPlan reads and parses a plan file.
func LoadPlan(path string) (*Plan, error) {
	log.Debug("Reading plan file", "path", path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan file: %w", err)
	}
	return ParsePlan(data)
}

// ParsePlan parses a plan and resolves class inheritance.
func ParsePlan(data []byte) (*Plan, error) {
	var plan Plan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("parsing plan file: %w", err)
	}
	if err := plan.resolveInheritance(); err != nil {
		return nil, fmt.Errorf("failed to resolve class inheritance: %w", err)
	}
	return &plan, nil
}

func (p *Plan) resolveInheritance() error {
	classMap := make(map[string]ClassConfig, len(p.Classes))
	for _, class := range p.Classes {
		if class.Name == "" {
			return fmt.Errorf("class without a name")
		}
		if _, dup := classMap[class.Name]; dup {
			return fmt.Errorf("class %q declared twice", class.Name)
		}
		classMap[class.Name] = class
	}

	// Check for circular inheritance before resolving
	for _, class := range p.Classes {
		if err := checkCircularInheritance(class.Name, class.Inherits, classMap, make(map[string]bool)); err != nil {
			return fmt.Errorf("circular inheritance detected: %w", err)
		}
	}

	for i := range p.Classes {
		if err := p.Classes[i].ResolveInherited(classMap); err != nil {
			return fmt.Errorf("invalid class inheritance: %w", err)
		}
	}
	return nil
}

// checkCircularInheritance detects circular dependencies in class inheritance
func checkCircularInheritance(currentName string, inherits []string, classMap map[string]ClassConfig, visited map[string]bool) error {
	if visited[currentName] {
		return fmt.Errorf("circular inheritance detected at class %s", currentName)
	}

	visited[currentName] = true
	defer delete(visited, currentName) // Clean up after checking this branch

	for _, inheritedName := range inherits {
		inherited, exists := classMap[inheritedName]
		if !exists {
			return fmt.Errorf("class %s inherits from non-existent class %s", currentName, inheritedName)
		}

		if err := checkCircularInheritance(inheritedName, inherited.Inherits, classMap, visited); err != nil {
			return err
		}
	}

	return nil
}

// Chain returns the resolved class chain, outermost ancestor first and the
// class itself last.
func (c *ClassConfig) Chain() []string {
	if len(c.chain) == 0 {
		return []string{c.Name}
	}
	return c.chain
}

// ResolveInherited merges the settings and tests of the classes named in
// Inherits into c, recursively.
//
// The rules are:
// - Tests: parent tests are added unless the child declares a test with the
// same name and params
// - Settings: unset child settings take the parent's value; the first parent
// in Inherits wins over later ones
// - Fixtures and not_in_parallel keys: merged with deduplication
// - Chain: depth-first, more distant ancestors come first
func (c *ClassConfig) ResolveInherited(classes map[string]ClassConfig) error {
	processed := make(map[string]bool)
	return c.resolveInheritedRecursive(classes, processed)
}

func (c *ClassConfig) resolveInheritedRecursive(classes map[string]ClassConfig, processed map[string]bool) error {
	if len(c.chain) > 0 {
		return nil
	}
	if len(c.Inherits) == 0 {
		c.chain = []string{c.Name}
		return nil
	}

	var (
		chain      []string
		seenChain  = make(map[string]bool)
		seenTests  = make(map[string]bool)
		mergedTest []TestConfig
	)
	for _, test := range c.Tests {
		key := testKey(test)
		if !seenTests[key] {
			mergedTest = append(mergedTest, test)
			seenTests[key] = true
		}
	}

	for _, inheritFrom := range c.Inherits {
		// Check for circular dependencies
		if processed[inheritFrom] {
			return fmt.Errorf("circular inheritance detected for class %q", inheritFrom)
		}

		parent, ok := classes[inheritFrom]
		if !ok {
			return fmt.Errorf("class %q inherits from non-existent class %q", c.Name, inheritFrom)
		}

		processed[inheritFrom] = true
		if err := parent.resolveInheritedRecursive(classes, processed); err != nil {
			return fmt.Errorf("resolving inheritance for parent class %q: %w", inheritFrom, err)
		}
		processed[inheritFrom] = false

		for _, name := range parent.Chain() {
			if !seenChain[name] {
				chain = append(chain, name)
				seenChain[name] = true
			}
		}

		if c.Assembly == "" {
			c.Assembly = parent.Assembly
		}
		if c.Attempts == nil {
			c.Attempts = parent.Attempts
		}
		if c.Exclusive == nil {
			c.Exclusive = parent.Exclusive
		}
		c.NotInParallel = mergeKeys(c.NotInParallel, parent.NotInParallel)
		c.Fixtures = mergeFixtures(c.Fixtures, parent.Fixtures)

		for _, test := range parent.Tests {
			key := testKey(test)
			if !seenTests[key] {
				mergedTest = append(mergedTest, test)
				seenTests[key] = true
			}
		}
	}

	c.chain = append(chain, c.Name)
	c.Tests = mergedTest
	return nil
}

func testKey(t TestConfig) string {
	return fmt.Sprintf("%s%v", t.Name, t.Params)
}

func mergeKeys(child, parent []string) []string {
	out := append([]string(nil), child...)
	for _, k := range parent {
		if !slices.Contains(out, k) {
			out = append(out, k)
		}
	}
	return out
}

func mergeFixtures(child, parent []FixtureRef) []FixtureRef {
	out := append([]FixtureRef(nil), child...)
	for _, f := range parent {
		if !slices.ContainsFunc(out, func(have FixtureRef) bool { return have.Type == f.Type }) {
			out = append(out, f)
		}
	}
	return out
}
