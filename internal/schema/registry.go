// Package schema declares the object stores active at each schema version.
//
// A Registry is built once from an ordered list of version steps. Each step
// may add stores, remove stores, or add indexes to existing stores. Adding a
// version never touches the steps before it.
package schema

import (
	"fmt"
	"slices"
)

// IndexDescriptor declares a secondary index.
type IndexDescriptor struct {
	Name    string
	KeyPath string
	Unique  bool
}

// StoreDescriptor declares an object store.
type StoreDescriptor struct {
	Name          string
	KeyPath       string
	AutoIncrement bool
	Indexes       []IndexDescriptor

	// Since is the version that introduced the store. Set by the Builder.
	Since int

	// Redact lists fields stripped from every exported record.
	Redact []string
}

// HasIndex reports whether the descriptor declares the named index.
func (d StoreDescriptor) HasIndex(name string) bool {
	return slices.ContainsFunc(d.Indexes, func(ix IndexDescriptor) bool { return ix.Name == name })
}

func (d StoreDescriptor) clone() StoreDescriptor {
	d.Indexes = slices.Clone(d.Indexes)
	d.Redact = slices.Clone(d.Redact)
	return d
}

type step struct {
	version int
	add     []StoreDescriptor
	remove  []string
	indexes map[string][]IndexDescriptor
}

// Registry answers which stores are active or removed at a version.
// A Registry is immutable and safe for concurrent use.
type Registry struct {
	steps   []step
	active  map[int]map[string]StoreDescriptor
	removed map[int][]string
}

// Current returns the highest declared version.
func (r *Registry) Current() int {
	if len(r.steps) == 0 {
		return 0
	}
	return r.steps[len(r.steps)-1].version
}

// Versions returns every declared version in increasing order.
func (r *Registry) Versions() []int {
	out := make([]int, len(r.steps))
	for i, s := range r.steps {
		out[i] = s.version
	}
	return out
}

// Active returns the descriptors active at version v, sorted by name.
// Versions between declared steps inherit the closest lower step.
func (r *Registry) Active(v int) []StoreDescriptor {
	set := r.activeAt(v)
	out := make([]StoreDescriptor, 0, len(set))
	for _, name := range sortedNames(set) {
		out = append(out, set[name].clone())
	}
	return out
}

// ActiveNames returns the names of the stores active at version v, sorted.
func (r *Registry) ActiveNames(v int) []string {
	return sortedNames(r.activeAt(v))
}

// IsActive reports whether the named store is active at version v.
func (r *Registry) IsActive(name string, v int) bool {
	_, ok := r.activeAt(v)[name]
	return ok
}

// Lookup returns the descriptor of name as of version v.
func (r *Registry) Lookup(name string, v int) (StoreDescriptor, bool) {
	d, ok := r.activeAt(v)[name]
	if !ok {
		return StoreDescriptor{}, false
	}
	return d.clone(), true
}

// Descriptor returns the most recent declaration of name at any version,
// including stores that were later removed.
func (r *Registry) Descriptor(name string) (StoreDescriptor, bool) {
	for i := len(r.steps) - 1; i >= 0; i-- {
		if d, ok := r.active[r.steps[i].version][name]; ok {
			return d.clone(), true
		}
	}
	return StoreDescriptor{}, false
}

// Removed returns the stores removed exactly at version v, sorted.
func (r *Registry) Removed(v int) []string {
	return slices.Clone(r.removed[v])
}

// RemovedThrough returns the stores removed at any version <= v that are not
// active at v, sorted.
func (r *Registry) RemovedThrough(v int) []string {
	active := r.activeAt(v)
	var out []string
	for _, s := range r.steps {
		if s.version > v {
			break
		}
		for _, name := range s.remove {
			if _, ok := active[name]; !ok && !slices.Contains(out, name) {
				out = append(out, name)
			}
		}
	}
	slices.Sort(out)
	return out
}

func (r *Registry) activeAt(v int) map[string]StoreDescriptor {
	best := -1
	for _, s := range r.steps {
		if s.version > v {
			break
		}
		best = s.version
	}
	if best < 0 {
		return map[string]StoreDescriptor{}
	}
	return r.active[best]
}

func sortedNames(set map[string]StoreDescriptor) []string {
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Builder assembles a Registry version by version.
type Builder struct {
	steps []step
	err   error
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// VersionBuilder collects the changes of one version.
type VersionBuilder struct {
	b   *Builder
	idx int
}

func (v *VersionBuilder) step() *step {
	return &v.b.steps[v.idx]
}

// Version starts declaring version n, which must exceed every earlier version.
func (b *Builder) Version(n int) *VersionBuilder {
	if b.err == nil {
		if n < 1 {
			b.err = fmt.Errorf("schema version must be positive, got %d", n)
		} else if len(b.steps) > 0 && n <= b.steps[len(b.steps)-1].version {
			b.err = fmt.Errorf("schema version %d must exceed %d", n, b.steps[len(b.steps)-1].version)
		}
	}
	b.steps = append(b.steps, step{version: n, indexes: map[string][]IndexDescriptor{}})
	return &VersionBuilder{b: b, idx: len(b.steps) - 1}
}

// Add declares new stores at this version.
func (v *VersionBuilder) Add(stores ...StoreDescriptor) *VersionBuilder {
	s := v.step()
	for _, d := range stores {
		d = d.clone()
		d.Since = s.version
		s.add = append(s.add, d)
	}
	return v
}

// Remove declares stores deprecated and dropped at this version.
func (v *VersionBuilder) Remove(names ...string) *VersionBuilder {
	s := v.step()
	s.remove = append(s.remove, names...)
	return v
}

// AddIndex declares new indexes on a store that already exists.
func (v *VersionBuilder) AddIndex(store string, indexes ...IndexDescriptor) *VersionBuilder {
	s := v.step()
	s.indexes[store] = append(s.indexes[store], indexes...)
	return v
}

// Version starts the next version.
func (v *VersionBuilder) Version(n int) *VersionBuilder {
	return v.b.Version(n)
}

// Build folds the declared steps into a Registry.
func (v *VersionBuilder) Build() (*Registry, error) {
	return v.b.Build()
}

// MustBuild is like Build but panics on error.
func (v *VersionBuilder) MustBuild() *Registry {
	return v.b.MustBuild()
}

// Build folds the declared steps into a Registry.
func (b *Builder) Build() (*Registry, error) {
	if b.err != nil {
		return nil, b.err
	}
	r := &Registry{
		steps:   slices.Clone(b.steps),
		active:  make(map[int]map[string]StoreDescriptor, len(b.steps)),
		removed: make(map[int][]string, len(b.steps)),
	}

	cur := map[string]StoreDescriptor{}
	for _, s := range r.steps {
		next := make(map[string]StoreDescriptor, len(cur)+len(s.add))
		for name, d := range cur {
			next[name] = d.clone()
		}
		for _, d := range s.add {
			if _, exists := next[d.Name]; exists {
				return nil, fmt.Errorf("version %d: store %q already active", s.version, d.Name)
			}
			if d.Name == "" || d.KeyPath == "" {
				return nil, fmt.Errorf("version %d: store needs a name and key path", s.version)
			}
			next[d.Name] = d
		}
		for store, indexes := range s.indexes {
			d, ok := next[store]
			if !ok {
				return nil, fmt.Errorf("version %d: index on unknown store %q", s.version, store)
			}
			for _, ix := range indexes {
				if d.HasIndex(ix.Name) {
					return nil, fmt.Errorf("version %d: index %q already declared on %q", s.version, ix.Name, store)
				}
				d.Indexes = append(d.Indexes, ix)
			}
			next[store] = d
		}
		for _, name := range s.remove {
			if _, ok := next[name]; !ok {
				return nil, fmt.Errorf("version %d: cannot remove inactive store %q", s.version, name)
			}
			delete(next, name)
		}
		removed := slices.Clone(s.remove)
		slices.Sort(removed)
		r.removed[s.version] = removed
		r.active[s.version] = next
		cur = next
	}
	return r, nil
}

// MustBuild is like Build but panics on error. For package-level registries.
func (b *Builder) MustBuild() *Registry {
	r, err := b.Build()
	if err != nil {
		panic(err)
	}
	return r
}
