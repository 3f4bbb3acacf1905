package source

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type registryFile struct {
	Sources []Descriptor `yaml:"sources"`
}

// Registry is an ordered, read-only set of descriptors.
type Registry struct {
	order   []string
	sources map[string]Descriptor
}

// Load reads a registry YAML file.
func Load(path string) (*Registry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read source registry: %w", err)
	}
	return Parse(b)
}

// Parse decodes registry YAML. Descriptors with targets expand into one
// descriptor per target named "<name>-<slug>".
func Parse(data []byte) (*Registry, error) {
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode source registry: %w", err)
	}
	var all []Descriptor
	for _, d := range file.Sources {
		all = append(all, expand(d)...)
	}
	return New(all...)
}

// New builds a registry, applying defaults and validating every descriptor.
func New(descriptors ...Descriptor) (*Registry, error) {
	r := &Registry{sources: make(map[string]Descriptor, len(descriptors))}
	for _, d := range descriptors {
		d = d.withDefaults()
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.sources[d.Name]; dup {
			return nil, fmt.Errorf("duplicate source %q", d.Name)
		}
		r.sources[d.Name] = d
		r.order = append(r.order, d.Name)
	}
	return r, nil
}

// Lookup returns the descriptor registered under name.
func (r *Registry) Lookup(name string) (Descriptor, error) {
	d, ok := r.sources[name]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrUnknownSource, name)
	}
	return d, nil
}

// Names returns source names in file order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// All returns descriptors in file order.
func (r *Registry) All() []Descriptor {
	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.sources[name])
	}
	return out
}

func expand(d Descriptor) []Descriptor {
	if len(d.Targets) == 0 {
		return []Descriptor{d}
	}
	out := make([]Descriptor, 0, len(d.Targets))
	for _, t := range d.Targets {
		v := d
		v.Targets = nil
		v.Name = d.Name + "-" + t.Slug
		v.URLTemplate = strings.ReplaceAll(d.URLTemplate, "{slug}", t.Slug)
		if t.City != "" {
			v.City = t.City
		}
		if t.Country != "" {
			v.Country = t.Country
		}
		v.AllowedHosts = append([]string(nil), d.AllowedHosts...)
		out = append(out, v)
	}
	return out
}
