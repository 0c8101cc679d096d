// Package factory builds live objects from configuration descriptors, resolving reference
// tokens in their metadata into other constructed objects.
package factory

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/mohae/deepcopy"
	"go.uber.org/zap"

	"github.com/hyperjump/ragwire/internal/configstore"
	"github.com/hyperjump/ragwire/internal/errs"
	"github.com/hyperjump/ragwire/internal/secret"
)

// Deps are process-level collaborators handed to every constructor.
type Deps struct {
	Secrets secret.Provider
	Logger  *zap.Logger
}

// Constructor builds one object from resolved arguments.
type Constructor func(ctx context.Context, args Args, deps Deps) (any, error)

// Registry maps descriptor type and instance name to a constructor.
type Registry struct {
	mu    sync.RWMutex
	ctors map[string]map[string]Constructor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{ctors: make(map[string]map[string]Constructor)}
}

// Register adds a constructor. Registering the same (typ, instance) twice panics.
func (r *Registry) Register(typ, instance string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byInstance, ok := r.ctors[typ]
	if !ok {
		byInstance = make(map[string]Constructor)
		r.ctors[typ] = byInstance
	}
	if _, dup := byInstance[instance]; dup {
		panic(fmt.Sprintf("factory: duplicate registration for %s/%s", typ, instance))
	}
	byInstance[instance] = ctor
}

// Lookup returns the constructor for (typ, instance).
func (r *Registry) Lookup(typ, instance string) (Constructor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ctor, ok := r.ctors[typ][instance]
	return ctor, ok
}

// Instances lists the registered instance names for typ.
func (r *Registry) Instances(typ string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.ctors[typ]))
	for name := range r.ctors[typ] {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Factory instantiates descriptors read from a config store.
type Factory struct {
	store    configstore.Store
	registry *Registry
	deps     Deps
}

// Option configures a Factory.
type Option func(*Factory)

// WithLogger sets the logger passed to constructors and used for resolution debug output.
func WithLogger(l *zap.Logger) Option {
	return func(f *Factory) { f.deps.Logger = l }
}

// WithSecrets sets the secret provider passed to constructors.
func WithSecrets(p secret.Provider) Option {
	return func(f *Factory) { f.deps.Secrets = p }
}

// New returns a factory. Secrets default to the environment and the logger to a no-op.
func New(store configstore.Store, registry *Registry, opts ...Option) *Factory {
	f := &Factory{store: store, registry: registry}
	for _, opt := range opts {
		opt(f)
	}
	if f.deps.Secrets == nil {
		f.deps.Secrets = secret.NewEnvProvider()
	}
	if f.deps.Logger == nil {
		f.deps.Logger = zap.NewNop()
	}
	return f
}

// Store returns the config store the factory reads from.
func (f *Factory) Store() configstore.Store {
	return f.store
}

// InstantiateByName loads (typ, name) from the store and instantiates it.
func (f *Factory) InstantiateByName(ctx context.Context, typ, name string) (any, error) {
	d, ok, err := f.store.GetConfig(ctx, typ, name)
	if err != nil {
		return nil, errs.Wrap("instantiate", "factory", typ+"/"+name, err)
	}
	if !ok {
		return nil, errs.Wrap("instantiate", "factory", typ+"/"+name, errs.ErrNotFound)
	}
	return f.Instantiate(ctx, d)
}

// Instantiate builds the object described by d. Referenced descriptors are built first,
// depth-first; a reference back to a descriptor still being resolved fails with
// errs.ErrCyclicReference. The caller's descriptor is never modified.
func (f *Factory) Instantiate(ctx context.Context, d configstore.Descriptor) (any, error) {
	r := &resolution{
		factory:    f,
		inProgress: make(map[Reference]bool),
	}
	obj, err := r.build(ctx, d)
	if err != nil {
		r.closeBuilt()
		return nil, err
	}
	return obj, nil
}

// resolution holds the state of one Instantiate call.
type resolution struct {
	factory    *Factory
	inProgress map[Reference]bool
	built      []any
}

func (r *resolution) build(ctx context.Context, d configstore.Descriptor) (any, error) {
	key := Reference{Type: d.Type, Name: d.Name}
	ctor, ok := r.factory.registry.Lookup(d.Type, d.Instance)
	if !ok {
		return nil, errs.Wrap("instantiate", "factory", d.Key(),
			fmt.Errorf("%w: %q", errs.ErrUnknownImplementation, d.Instance))
	}
	if d.Name != "" {
		r.inProgress[key] = true
		defer delete(r.inProgress, key)
	}

	var args Args
	if d.Metadata != nil {
		args = Args(deepcopy.Copy(d.Metadata).(map[string]any))
	} else {
		args = Args{}
	}
	for _, k := range args.Keys() {
		v, err := r.resolveValue(ctx, d, args[k])
		if err != nil {
			return nil, err
		}
		args[k] = v
	}

	r.factory.deps.Logger.Debug("constructing object",
		zap.String("type", d.Type),
		zap.String("name", d.Name),
		zap.String("instance", d.Instance))
	obj, err := ctor(ctx, args, r.factory.deps)
	if err != nil {
		return nil, errs.Wrap("instantiate", "factory", d.Key(), err)
	}
	r.built = append(r.built, obj)
	return obj, nil
}

func (r *resolution) resolveValue(ctx context.Context, parent configstore.Descriptor, v any) (any, error) {
	switch val := v.(type) {
	case string:
		ref, ok := ParseReference(val)
		if !ok {
			return val, nil
		}
		return r.resolveReference(ctx, parent, ref)
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			resolved, err := r.resolveValue(ctx, parent, val[k])
			if err != nil {
				return nil, err
			}
			val[k] = resolved
		}
		return val, nil
	case []any:
		for i, item := range val {
			resolved, err := r.resolveValue(ctx, parent, item)
			if err != nil {
				return nil, err
			}
			val[i] = resolved
		}
		return val, nil
	default:
		return v, nil
	}
}

func (r *resolution) resolveReference(ctx context.Context, parent configstore.Descriptor, ref Reference) (any, error) {
	if r.inProgress[ref] {
		return nil, errs.Wrap("instantiate", "factory", parent.Key(),
			fmt.Errorf("%w: %s/%s", errs.ErrCyclicReference, ref.Type, ref.Name))
	}
	d, ok, err := r.factory.store.GetConfig(ctx, ref.Type, ref.Name)
	if err != nil {
		return nil, errs.Wrap("resolve", "factory", ref.Type+"/"+ref.Name, err)
	}
	if !ok {
		return nil, errs.Wrap("resolve", "factory", parent.Key(),
			fmt.Errorf("%w: %s/%s", errs.ErrUnresolvedReference, ref.Type, ref.Name))
	}
	r.factory.deps.Logger.Debug("resolving reference",
		zap.String("from", parent.Key()),
		zap.String("to", d.Key()))
	return r.build(ctx, d)
}

// closeBuilt releases objects built before a later failure so no half-wired graph leaks.
func (r *resolution) closeBuilt() {
	for i := len(r.built) - 1; i >= 0; i-- {
		if c, ok := r.built[i].(io.Closer); ok {
			_ = c.Close()
		}
	}
	r.built = nil
}
