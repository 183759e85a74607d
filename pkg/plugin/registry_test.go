package plugin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratafs/strata-server/pkg/object"
)

type stubPlugin struct {
	name    string
	version string
	veto    bool
}

func (s *stubPlugin) Name() string    { return s.name }
func (s *stubPlugin) Version() string { return s.version }
func (s *stubPlugin) CanHandle(sig object.Signature) bool {
	return !s.veto
}
func (s *stubPlugin) Open(ctx context.Context, parent *object.Object, segment string) (*object.Object, error) {
	return nil, nil
}
func (s *stubPlugin) List(ctx context.Context, parent *object.Object) (*object.Listing, error) {
	return nil, nil
}

func zipSig() object.Signature {
	return object.Signature{Name: "a.zip", Extension: "zip", MimeType: "application/zip", Size: 100}
}

func TestRegistryResolveByExtension(t *testing.T) {
	r := NewRegistry()
	p := &stubPlugin{name: "zipfs", version: "1"}
	require.NoError(t, r.Register(Descriptor{Name: "zipfs", Extensions: []string{"zip"}}, p))

	got, err := r.Resolve(zipSig())
	require.NoError(t, err)
	assert.Same(t, p, got.(*stubPlugin))
}

func TestRegistryResolveByMimePattern(t *testing.T) {
	r := NewRegistry()
	p := &stubPlugin{name: "anyapp", version: "1"}
	require.NoError(t, r.Register(Descriptor{Name: "anyapp", MimeTypes: []string{"application/*"}}, p))

	got, err := r.Resolve(zipSig())
	require.NoError(t, err)
	assert.Same(t, p, got.(*stubPlugin))

	_, err = r.Resolve(object.Signature{Name: "a.png", Extension: "png", MimeType: "image/png"})
	require.ErrorIs(t, err, object.ErrNoPluginAvailable)
}

func TestRegistryPriorityWins(t *testing.T) {
	r := NewRegistry()
	low := &stubPlugin{name: "low", version: "1"}
	high := &stubPlugin{name: "high", version: "1"}
	require.NoError(t, r.Register(Descriptor{Name: "low", Extensions: []string{"zip"}, Priority: 10}, low))
	require.NoError(t, r.Register(Descriptor{Name: "high", Extensions: []string{"zip"}, Priority: 20}, high))

	// Selection must be repeatable, it feeds the cache key.
	for i := 0; i < 50; i++ {
		got, err := r.Resolve(zipSig())
		require.NoError(t, err)
		assert.Equal(t, "high", got.Name())
	}
}

func TestRegistryTieBreaksByRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	first := &stubPlugin{name: "first", version: "1"}
	second := &stubPlugin{name: "second", version: "1"}
	require.NoError(t, r.Register(Descriptor{Name: "first", Extensions: []string{"zip"}, Priority: 10}, first))
	require.NoError(t, r.Register(Descriptor{Name: "second", Extensions: []string{"zip"}, Priority: 10}, second))

	for i := 0; i < 50; i++ {
		got, err := r.Resolve(zipSig())
		require.NoError(t, err)
		assert.Equal(t, "first", got.Name())
	}
}

func TestRegistryCanHandleVeto(t *testing.T) {
	r := NewRegistry()
	vetoing := &stubPlugin{name: "vetoing", version: "1", veto: true}
	fallback := &stubPlugin{name: "fallback", version: "1"}
	require.NoError(t, r.Register(Descriptor{Name: "vetoing", Extensions: []string{"zip"}, Priority: 99}, vetoing))
	require.NoError(t, r.Register(Descriptor{Name: "fallback", Extensions: []string{"zip"}}, fallback))

	got, err := r.Resolve(zipSig())
	require.NoError(t, err)
	assert.Equal(t, "fallback", got.Name())
}

func TestRegistryDuplicateName(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Descriptor{Name: "dup"}, &stubPlugin{name: "dup", version: "1"}))
	require.Error(t, r.Register(Descriptor{Name: "dup"}, &stubPlugin{name: "dup", version: "2"}))
}

func TestRegistryConfigHashTracksRegistration(t *testing.T) {
	r := NewRegistry()
	empty := r.ConfigHash()

	require.NoError(t, r.Register(Descriptor{Name: "zipfs", Extensions: []string{"zip"}}, &stubPlugin{name: "zipfs", version: "1"}))
	one := r.ConfigHash()
	assert.NotEqual(t, empty, one)

	// Same descriptors, same hash.
	r2 := NewRegistry()
	require.NoError(t, r2.Register(Descriptor{Name: "zipfs", Extensions: []string{"zip"}}, &stubPlugin{name: "zipfs", version: "1"}))
	assert.Equal(t, one, r2.ConfigHash())

	// A version bump changes the hash, invalidating cached chains.
	r3 := NewRegistry()
	require.NoError(t, r3.Register(Descriptor{Name: "zipfs", Extensions: []string{"zip"}}, &stubPlugin{name: "zipfs", version: "2"}))
	assert.NotEqual(t, one, r3.ConfigHash())
}

func TestRegistryReset(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Descriptor{Name: "zipfs", Extensions: []string{"zip"}}, &stubPlugin{name: "zipfs", version: "1"}))
	r.Reset()
	assert.Empty(t, r.Descriptors())
	_, err := r.Resolve(zipSig())
	require.ErrorIs(t, err, object.ErrNoPluginAvailable)
}

func TestDescriptorMatches(t *testing.T) {
	d := Descriptor{Extensions: []string{"zip"}, MimeTypes: []string{"application/x-*"}}
	assert.True(t, d.Matches(object.Signature{Extension: "zip"}))
	assert.True(t, d.Matches(object.Signature{MimeType: "application/x-tar"}))
	assert.False(t, d.Matches(object.Signature{Extension: "png", MimeType: "image/png"}))
	assert.False(t, d.Matches(object.Signature{}))
}
