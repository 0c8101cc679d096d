package factory

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/ragwire/internal/configstore"
	"github.com/hyperjump/ragwire/internal/errs"
	"github.com/hyperjump/ragwire/internal/secret"
)

type node struct {
	name     string
	children map[string]any
	closed   bool
}

func (n *node) Close() error {
	n.closed = true
	return nil
}

// testRegistry registers a "node" constructor that records construction order.
func testRegistry(order *[]string, built *[]*node) *Registry {
	reg := NewRegistry()
	ctor := func(ctx context.Context, args Args, deps Deps) (any, error) {
		name, err := args.RequiredString("label")
		if err != nil {
			return nil, err
		}
		if args.Has("fail") {
			return nil, errors.New("constructor failed")
		}
		n := &node{name: name, children: map[string]any(args)}
		*order = append(*order, name)
		*built = append(*built, n)
		return n, nil
	}
	reg.Register("node", "Node", ctor)
	reg.Register("secretive", "Secretive", func(ctx context.Context, args Args, deps Deps) (any, error) {
		v, err := deps.Secrets.Secret("TOKEN")
		if err != nil {
			return nil, err
		}
		return v, nil
	})
	return reg
}

func newTestFactory(t *testing.T, descriptors ...configstore.Descriptor) (*Factory, configstore.Store, *[]string, *[]*node) {
	t.Helper()
	ctx := context.Background()
	store := configstore.NewJSONStore(filepath.Join(t.TempDir(), "configs"))
	require.NoError(t, store.Initialize(ctx, false))
	for _, d := range descriptors {
		_, err := store.StoreConfig(ctx, d)
		require.NoError(t, err)
	}
	order := &[]string{}
	built := &[]*node{}
	f := New(store, testRegistry(order, built), WithSecrets(secret.MapProvider{"TOKEN": "t0k"}))
	return f, store, order, built
}

func nodeDesc(name string, meta map[string]any) configstore.Descriptor {
	if meta == nil {
		meta = map[string]any{}
	}
	meta["label"] = name
	return configstore.Descriptor{Type: "node", Name: name, Instance: "Node", Metadata: meta}
}

func TestInstantiate_ResolvesDepthFirst(t *testing.T) {
	ctx := context.Background()
	f, store, order, _ := newTestFactory(t,
		nodeDesc("a", map[string]any{"next": "#|:node:b:|#"}),
		nodeDesc("b", map[string]any{"next": "#|:node:c:|#"}),
		nodeDesc("c", nil),
	)

	obj, err := f.InstantiateByName(ctx, "node", "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b", "a"}, *order)

	a := obj.(*node)
	b, ok := a.children["next"].(*node)
	require.True(t, ok, "reference token must be replaced by the live object")
	c, ok := b.children["next"].(*node)
	require.True(t, ok)
	assert.Equal(t, "c", c.name)

	// Mutating the constructed object's arguments never reaches the stored descriptor.
	a.children["next"] = "changed"
	a.children["extra"] = 1
	stored, ok, err := store.GetConfig(ctx, "node", "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "#|:node:b:|#", stored.Metadata["next"])
	assert.NotContains(t, stored.Metadata, "extra")
}

func TestInstantiate_DoesNotMutateCallerDescriptor(t *testing.T) {
	ctx := context.Background()
	f, _, _, _ := newTestFactory(t, nodeDesc("leaf", nil))

	nested := map[string]any{"inner": "#|:node:leaf:|#"}
	list := []any{"#|:node:leaf:|#", "plain"}
	d := nodeDesc("root", map[string]any{"nested": nested, "list": list})

	obj, err := f.Instantiate(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, "#|:node:leaf:|#", nested["inner"])
	assert.Equal(t, "#|:node:leaf:|#", list[0])

	root := obj.(*node)
	resolvedNested := root.children["nested"].(map[string]any)
	assert.IsType(t, &node{}, resolvedNested["inner"])
	resolvedList := root.children["list"].([]any)
	assert.IsType(t, &node{}, resolvedList[0])
	assert.Equal(t, "plain", resolvedList[1])
}

func TestInstantiate_SharedDependencyIsNotACycle(t *testing.T) {
	ctx := context.Background()
	f, _, order, _ := newTestFactory(t,
		nodeDesc("top", map[string]any{"left": "#|:node:shared:|#", "right": "#|:node:shared:|#"}),
		nodeDesc("shared", nil),
	)
	_, err := f.InstantiateByName(ctx, "node", "top")
	require.NoError(t, err)
	assert.Equal(t, []string{"shared", "shared", "top"}, *order)
}

func TestInstantiate_Cycles(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name  string
		descs []configstore.Descriptor
		root  string
	}{
		{"self", []configstore.Descriptor{nodeDesc("a", map[string]any{"me": "#|:node:a:|#"})}, "a"},
		{"transitive", []configstore.Descriptor{
			nodeDesc("a", map[string]any{"next": "#|:node:b:|#"}),
			nodeDesc("b", map[string]any{"next": "#|:node:c:|#"}),
			nodeDesc("c", map[string]any{"next": "#|:node:a:|#"}),
		}, "a"},
		{"nested list", []configstore.Descriptor{
			nodeDesc("a", map[string]any{"deps": []any{map[string]any{"x": "#|:node:b:|#"}}}),
			nodeDesc("b", map[string]any{"back": "#|:node:a:|#"}),
		}, "a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, _, _, built := newTestFactory(t, tt.descs...)
			_, err := f.InstantiateByName(ctx, "node", tt.root)
			require.Error(t, err)
			assert.ErrorIs(t, err, errs.ErrCyclicReference)
			assert.True(t, errs.IsConfigError(err))
			for _, n := range *built {
				assert.True(t, n.closed, "partially built %s must be closed", n.name)
			}
		})
	}
}

func TestInstantiate_Errors(t *testing.T) {
	ctx := context.Background()
	f, _, _, built := newTestFactory(t,
		nodeDesc("dangling", map[string]any{"next": "#|:node:ghost:|#"}),
		configstore.Descriptor{Type: "node", Name: "alien", Instance: "Alien"},
		nodeDesc("ok", nil),
		nodeDesc("broken", map[string]any{"first": "#|:node:ok:|#", "second": "#|:node:bad:|#"}),
		nodeDesc("bad", map[string]any{"fail": true}),
	)

	_, err := f.InstantiateByName(ctx, "node", "dangling")
	assert.ErrorIs(t, err, errs.ErrUnresolvedReference)
	assert.Contains(t, err.Error(), "node/ghost")

	_, err = f.InstantiateByName(ctx, "node", "alien")
	assert.ErrorIs(t, err, errs.ErrUnknownImplementation)

	_, err = f.InstantiateByName(ctx, "node", "missing")
	assert.ErrorIs(t, err, errs.ErrNotFound)

	_, err = f.InstantiateByName(ctx, "node", "broken")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "constructor failed")
	require.Len(t, *built, 1)
	assert.True(t, (*built)[0].closed, "sibling built before the failure must be closed")
}

func TestInstantiate_UsesInjectedSecrets(t *testing.T) {
	ctx := context.Background()
	f, _, _, _ := newTestFactory(t, configstore.Descriptor{Type: "secretive", Name: "s", Instance: "Secretive"})
	obj, err := f.InstantiateByName(ctx, "secretive", "s")
	require.NoError(t, err)
	assert.Equal(t, "t0k", obj)

	f2 := New(f.Store(), f.registry, WithSecrets(secret.MapProvider{}))
	_, err = f2.InstantiateByName(ctx, "secretive", "s")
	assert.ErrorIs(t, err, errs.ErrSecretNotFound)
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	noop := func(ctx context.Context, args Args, deps Deps) (any, error) { return nil, nil }
	reg.Register("ragstore", "SQLiteStore", noop)
	reg.Register("ragstore", "ChromemStore", noop)

	_, ok := reg.Lookup("ragstore", "SQLiteStore")
	assert.True(t, ok)
	_, ok = reg.Lookup("ragstore", "Nope")
	assert.False(t, ok)
	assert.Equal(t, []string{"ChromemStore", "SQLiteStore"}, reg.Instances("ragstore"))
	assert.Panics(t, func() { reg.Register("ragstore", "SQLiteStore", noop) })
}
