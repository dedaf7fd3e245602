// Package catalog describes the features a CIS-IP2 receiver exposes.
//
// The catalog is read from an embedded YAML document once, on first use,
// and never changes afterwards. It is advisory: the connection layer sends
// any feature name, and receivers differ in what they support.
//
//	f, err := catalog.Default().Lookup(catalog.MainVolumestep)
//	if err == nil && f.CanSet() {
//	    ...
//	}
package catalog

//go:generate go run ../../cmd/cisip-catgen -catalog features.yaml -output names_gen.go

import (
	_ "embed"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/cisip-protocol/cisip-go/pkg/wire"
)

//go:embed features.yaml
var defaultYAML []byte

// Catalog errors.
var (
	ErrUnknownFeature = errors.New("unknown feature")
	ErrUnknownGroup   = errors.New("unknown variable group")
	ErrNotSettable    = errors.New("feature cannot be set")
	ErrInvalidValue   = errors.New("invalid value")
)

// Access is the set of record types a feature supports.
type Access uint8

const (
	AccessGet Access = 1 << iota
	AccessSet
	AccessNotify
)

// String returns the access list, e.g. "get,set,notify".
func (a Access) String() string {
	var parts []string
	if a&AccessGet != 0 {
		parts = append(parts, "get")
	}
	if a&AccessSet != 0 {
		parts = append(parts, "set")
	}
	if a&AccessNotify != 0 {
		parts = append(parts, "notify")
	}
	return strings.Join(parts, ",")
}

// Range bounds a numeric feature. Step is 0 when any value in range is valid.
type Range struct {
	Min  float64 `yaml:"min"`
	Max  float64 `yaml:"max"`
	Step float64 `yaml:"step"`
}

// Contains returns true if v is within the range and on a step.
func (r Range) Contains(v float64) bool {
	if v < r.Min || v > r.Max {
		return false
	}
	if r.Step <= 0 {
		return true
	}
	n := (v - r.Min) / r.Step
	return math.Abs(n-math.Round(n)) < 1e-6
}

// Feature describes one feature.
type Feature struct {
	Name        string
	Description string
	Access      Access

	// Values lists accepted string values; empty means unconstrained.
	Values []string

	// Range bounds numeric values; nil means not numeric.
	Range *Range
}

// Zone returns the feature's zone or subsystem, e.g. "main".
func (f Feature) Zone() string {
	return wire.FeatureZone(f.Name)
}

func (f Feature) CanGet() bool    { return f.Access&AccessGet != 0 }
func (f Feature) CanSet() bool    { return f.Access&AccessSet != 0 }
func (f Feature) CanNotify() bool { return f.Access&AccessNotify != 0 }

// Validate checks value against the feature's constraints.
func (f Feature) Validate(value any) error {
	if !f.CanSet() {
		return fmt.Errorf("%w: %s", ErrNotSettable, f.Name)
	}
	s := wire.ValueString(value)
	if len(f.Values) > 0 && slices.Contains(f.Values, s) {
		return nil
	}
	if f.Range != nil {
		v, err := strconv.ParseFloat(s, 64)
		if err == nil && f.Range.Contains(v) {
			return nil
		}
		return fmt.Errorf("%w: %s=%q outside %g..%g", ErrInvalidValue, f.Name, s, f.Range.Min, f.Range.Max)
	}
	if len(f.Values) > 0 {
		return fmt.Errorf("%w: %s=%q, want one of %s", ErrInvalidValue, f.Name, s, strings.Join(f.Values, "|"))
	}
	return nil
}

// Catalog is an immutable feature table.
type Catalog struct {
	features  map[string]Feature
	names     []string
	variables map[string][]string
}

var defaultCatalog = sync.OnceValue(func() *Catalog {
	c, err := Parse(defaultYAML)
	if err != nil {
		panic(fmt.Sprintf("catalog: embedded features.yaml: %v", err))
	}
	return c
})

// Default returns the built-in catalog.
func Default() *Catalog {
	return defaultCatalog()
}

type rawDocument struct {
	Variables map[string][]string `yaml:"variables"`
	Features  []rawFeature        `yaml:"features"`
}

type rawFeature struct {
	Name        string    `yaml:"name"`
	Description string    `yaml:"description"`
	Access      []string  `yaml:"access"`
	Values      yaml.Node `yaml:"values"`
	Range       *Range    `yaml:"range"`
}

// Parse builds a catalog from YAML. Values may be a list or a "$group"
// reference to the variables section.
func Parse(data []byte) (*Catalog, error) {
	var doc rawDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	c := &Catalog{
		features:  make(map[string]Feature, len(doc.Features)),
		variables: doc.Variables,
	}
	if c.variables == nil {
		c.variables = make(map[string][]string)
	}

	for i, raw := range doc.Features {
		if raw.Name == "" {
			return nil, fmt.Errorf("feature %d: missing name", i)
		}
		if !wire.IsKnownFeature(raw.Name) {
			return nil, fmt.Errorf("feature %s: unknown prefix", raw.Name)
		}
		if _, dup := c.features[raw.Name]; dup {
			return nil, fmt.Errorf("feature %s: duplicate", raw.Name)
		}

		f := Feature{Name: raw.Name, Description: raw.Description, Range: raw.Range}
		for _, a := range raw.Access {
			switch wire.MessageType(a) {
			case wire.TypeGet:
				f.Access |= AccessGet
			case wire.TypeSet:
				f.Access |= AccessSet
			case wire.TypeNotify:
				f.Access |= AccessNotify
			default:
				return nil, fmt.Errorf("feature %s: unknown access %q", raw.Name, a)
			}
		}

		values, err := c.resolveValues(&raw.Values)
		if err != nil {
			return nil, fmt.Errorf("feature %s: %w", raw.Name, err)
		}
		f.Values = values

		c.features[f.Name] = f
		c.names = append(c.names, f.Name)
	}
	slices.Sort(c.names)
	return c, nil
}

func (c *Catalog) resolveValues(node *yaml.Node) ([]string, error) {
	switch node.Kind {
	case 0:
		return nil, nil
	case yaml.ScalarNode:
		group, ok := strings.CutPrefix(node.Value, "$")
		if !ok {
			return []string{node.Value}, nil
		}
		values, ok := c.variables[group]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownGroup, group)
		}
		return values, nil
	default:
		var values []string
		if err := node.Decode(&values); err != nil {
			return nil, err
		}
		return values, nil
	}
}

// Lookup returns the feature called name.
func (c *Catalog) Lookup(name string) (Feature, error) {
	f, ok := c.features[name]
	if !ok {
		return Feature{}, fmt.Errorf("%w: %s", ErrUnknownFeature, name)
	}
	return f, nil
}

// Has returns true if name is in the catalog.
func (c *Catalog) Has(name string) bool {
	_, ok := c.features[name]
	return ok
}

// All returns every feature sorted by name.
func (c *Catalog) All() []Feature {
	out := make([]Feature, 0, len(c.names))
	for _, name := range c.names {
		out = append(out, c.features[name])
	}
	return out
}

// Features returns the features whose name starts with prefix, sorted.
func (c *Catalog) Features(prefix string) []Feature {
	var out []Feature
	for _, name := range c.names {
		if strings.HasPrefix(name, prefix) {
			out = append(out, c.features[name])
		}
	}
	return out
}

// Notifiable returns the features a receiver pushes on change.
func (c *Catalog) Notifiable() []Feature {
	var out []Feature
	for _, name := range c.names {
		if f := c.features[name]; f.CanNotify() {
			out = append(out, f)
		}
	}
	return out
}

// Variables returns the values of a variable group such as "input".
func (c *Catalog) Variables(group string) ([]string, error) {
	values, ok := c.variables[group]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGroup, group)
	}
	return slices.Clone(values), nil
}

// Groups returns the variable group names, sorted.
func (c *Catalog) Groups() []string {
	groups := make([]string, 0, len(c.variables))
	for g := range c.variables {
		groups = append(groups, g)
	}
	slices.Sort(groups)
	return groups
}

// Validate checks a set of name to value. Unknown features are rejected.
func (c *Catalog) Validate(name string, value any) error {
	f, err := c.Lookup(name)
	if err != nil {
		return err
	}
	return f.Validate(value)
}
