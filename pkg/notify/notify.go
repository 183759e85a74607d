package notify

import "time"

// Metadata describes a resolved object for the external search index.
type Metadata struct {
	Fingerprint string    `json:"fingerprint"`
	Path        string    `json:"path"`
	MimeType    string    `json:"mimetype"`
	Size        int64     `json:"size"`
	Plugins     []string  `json:"plugins"`
	CacheHit    bool      `json:"cacheHit"`
	ResolvedAt  time.Time `json:"resolvedAt"`
}

// Notifier publishes resolved-object metadata to an external index.
// Implementations are fire-and-forget: they never block resolution and
// never surface errors to the requesting client.
type Notifier interface {
	Notify(meta Metadata)
}

type nopNotifier struct{}

func (nopNotifier) Notify(Metadata) {}

// Nop returns the inert notifier used when no index is configured.
func Nop() Notifier {
	return nopNotifier{}
}
