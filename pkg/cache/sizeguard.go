package cache

// SizeGuard enforces the configured maximum cacheable object size.
// Objects over the ceiling are served through a streaming, non-cached
// path instead of being materialized into the cache.
type SizeGuard struct {
	max int64
}

// NewSizeGuard creates a guard with the given ceiling in bytes.
func NewSizeGuard(maxBytes int64) *SizeGuard {
	return &SizeGuard{max: maxBytes}
}

// PermitsCaching reports whether an object of the given size may be
// written to the cache. Unknown sizes (negative) are permitted; the
// realized size is checked again after extraction.
func (g *SizeGuard) PermitsCaching(size int64) bool {
	if size < 0 {
		return true
	}
	return size <= g.max
}

// Max returns the ceiling in bytes.
func (g *SizeGuard) Max() int64 {
	return g.max
}
