package resolver

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/zeebo/xxh3"

	"github.com/stratafs/strata-server/pkg/object"
)

// chainFingerprints returns the canonical fingerprint of every prefix
// of the path: out[i] identifies p[:i+1]. The chain is seeded with the
// registry configuration hash, so any change to the registered plugins
// (names, versions, priorities, order) invalidates previously cached
// entries rather than silently reusing them.
func chainFingerprints(seed uint64, p object.Path) []string {
	var acc [16]byte
	binary.LittleEndian.PutUint64(acc[:8], seed)

	out := make([]string, len(p))
	for i, seg := range p {
		buf := make([]byte, 0, len(acc)+1+len(seg))
		buf = append(buf, acc[:]...)
		buf = append(buf, '/')
		buf = append(buf, seg...)
		acc = xxh3.Hash128(buf).Bytes()
		out[i] = hex.EncodeToString(acc[:])
	}
	return out
}
