package object

import (
	"errors"
	"fmt"
)

// Error taxonomy for path resolution. All of these are terminal for the
// request that hit them and never affect other in-flight resolutions.
var (
	// ErrNoPluginAvailable means no registered plugin matched a layer
	// signature. Surfaced to callers as "unsupported object type".
	ErrNoPluginAvailable = errors.New("no plugin available for object type")

	// ErrPathNotFound means a segment does not exist within its parent
	// container.
	ErrPathNotFound = errors.New("path not found")

	// ErrExtractionFailed means a plugin hit malformed or corrupt data
	// while unpacking a layer.
	ErrExtractionFailed = errors.New("plugin extraction failed")

	// ErrCacheWriteFailed means the cache could not commit an entry.
	// Recovered locally: the result is still served, just not cached.
	ErrCacheWriteFailed = errors.New("cache write failed")

	// ErrCacheCorruption means the cache index referenced a missing or
	// unreadable file. Recovered by treating the lookup as a miss.
	ErrCacheCorruption = errors.New("cache entry corrupt")
)

// NotFoundError wraps ErrPathNotFound with the missing segment and its
// parent path.
func NotFoundError(parent Path, segment string) error {
	return fmt.Errorf("%w: no entry %q in /%s", ErrPathNotFound, segment, parent)
}

// ExtractionError wraps ErrExtractionFailed identifying the failing
// layer and plugin.
func ExtractionError(plugin string, layer Path, err error) error {
	return fmt.Errorf("%w: plugin %s on layer /%s: %v", ErrExtractionFailed, plugin, layer, err)
}

// NoPluginError wraps ErrNoPluginAvailable with the unmatched signature.
func NoPluginError(sig Signature) error {
	return fmt.Errorf("%w: %s (ext=%q mime=%q)", ErrNoPluginAvailable, sig.Name, sig.Extension, sig.MimeType)
}
