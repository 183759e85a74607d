package plugin

import (
	"context"
	"path"
	"strings"

	"github.com/stratafs/strata-server/pkg/object"
)

// ContainerPlugin defines the interface for a plugin that can interpret
// one layer of an object path (a disk image, an archive, a compressed
// stream, an evidence source). Plugins are compiled in and registered
// behind this interface; the registry never inspects concrete types.
type ContainerPlugin interface {
	// Name returns the plugin name
	Name() string

	// Version returns the plugin version, part of the provenance
	// recorded for resolved objects
	Version() string

	// CanHandle reports whether the plugin can open an object with the
	// given layer signature. Called only for objects whose signature
	// already matched the plugin's declared affinities, so it serves as
	// a content-level veto (e.g. checking a magic number).
	CanHandle(sig object.Signature) bool

	// Open descends one segment into the parent object, returning the
	// nested child object. The parent is materialized (random access)
	// unless it is a directory object produced by this same plugin.
	Open(ctx context.Context, parent *object.Object, segment string) (*object.Object, error)

	// List returns the immediate children of the parent object: the
	// entries of a directory object, or of the container's root when
	// the parent is the container file itself.
	List(ctx context.Context, parent *object.Object) (*object.Listing, error)
}

// Descriptor declares a plugin's type affinities and selection priority.
// Descriptors are loaded once at startup from the plugins configuration
// and are immutable afterward except on explicit reload.
type Descriptor struct {
	Name       string
	Extensions []string // lowercased, without the dot
	MimeTypes  []string // exact types or glob patterns like "application/x-*"
	Priority   int
}

// Matches reports whether the descriptor claims the given signature,
// by extension or by mime pattern.
func (d *Descriptor) Matches(sig object.Signature) bool {
	for _, ext := range d.Extensions {
		if ext == sig.Extension && sig.Extension != "" {
			return true
		}
	}
	if sig.MimeType == "" {
		return false
	}
	for _, pattern := range d.MimeTypes {
		if pattern == sig.MimeType {
			return true
		}
		if strings.ContainsAny(pattern, "*?") {
			if ok, _ := path.Match(pattern, sig.MimeType); ok {
				return true
			}
		}
	}
	return false
}

// Factory is a function that creates a new plugin instance from its
// per-plugin configuration block.
type Factory func(config map[string]interface{}) (ContainerPlugin, error)
