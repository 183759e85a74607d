package plugin

import (
	"encoding/binary"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/zeebo/xxh3"

	"github.com/stratafs/strata-server/pkg/object"
)

// Registry indexes plugin instances by the object types they claim to
// handle. Registration order is significant: it is the final tie-break
// during selection, so it must come from a stable source (the order of
// the plugins configuration as loaded).
type Registry struct {
	mu      sync.RWMutex
	entries []*registered
	cfgHash uint64
}

type registered struct {
	desc   Descriptor
	plugin ContainerPlugin
	order  int
}

// NewRegistry creates an empty plugin registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a plugin under its descriptor. Returns an error if a
// plugin with the same name is already registered.
func (r *Registry) Register(desc Descriptor, p ContainerPlugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		if e.desc.Name == desc.Name {
			return fmt.Errorf("plugin already registered: %s", desc.Name)
		}
	}

	r.entries = append(r.entries, &registered{
		desc:   desc,
		plugin: p,
		order:  len(r.entries),
	})
	r.rehash()

	log.Infof("registered plugin %s v%s (priority %d, extensions %v)",
		desc.Name, p.Version(), desc.Priority, desc.Extensions)
	return nil
}

// Reset removes all registered plugins, ahead of a reload.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = nil
	r.rehash()
}

// Resolve returns the plugin handling the given layer signature.
//
// Selection is deterministic: all descriptors matching the signature
// (and whose plugin does not veto it via CanHandle) are gathered, the
// highest declared priority wins, and ties break toward the earliest
// registration. Determinism matters because the selected plugin chain
// feeds the cache key.
func (r *Registry) Resolve(sig object.Signature) (ContainerPlugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *registered
	for _, e := range r.entries {
		if !e.desc.Matches(sig) {
			continue
		}
		if !e.plugin.CanHandle(sig) {
			log.Debugf("plugin %s declined %s despite matching descriptor", e.desc.Name, sig.Name)
			continue
		}
		if best == nil || e.desc.Priority > best.desc.Priority {
			best = e
		}
	}
	if best == nil {
		return nil, object.NoPluginError(sig)
	}
	return best.plugin, nil
}

// Get returns a registered plugin by name.
func (r *Registry) Get(name string) (ContainerPlugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.desc.Name == name {
			return e.plugin, true
		}
	}
	return nil, false
}

// Descriptors returns the registered descriptors in registration order.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.desc)
	}
	return out
}

// ConfigHash returns a digest of the registered descriptors and plugin
// versions. It seeds every chain fingerprint, so cached entries are
// invalidated when the plugin configuration changes.
func (r *Registry) ConfigHash() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfgHash
}

func (r *Registry) rehash() {
	h := xxh3.New()
	var buf [8]byte
	for _, e := range r.entries {
		h.WriteString(e.desc.Name)
		h.WriteString(e.plugin.Version())
		binary.LittleEndian.PutUint64(buf[:], uint64(e.desc.Priority))
		h.Write(buf[:])
		for _, ext := range e.desc.Extensions {
			h.WriteString("." + ext)
		}
		for _, mt := range e.desc.MimeTypes {
			h.WriteString(";" + mt)
		}
	}
	r.cfgHash = h.Sum64()
}
