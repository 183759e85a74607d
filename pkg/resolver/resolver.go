package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/stratafs/strata-server/pkg/cache"
	"github.com/stratafs/strata-server/pkg/notify"
	"github.com/stratafs/strata-server/pkg/object"
	"github.com/stratafs/strata-server/pkg/plugin"
)

// Source is the evidence root: the place object paths begin. A source
// behaves like any other container plugin, plus it produces the root
// directory object and the staleness stamp of evidence files.
type Source interface {
	plugin.ContainerPlugin

	// Root returns the directory object paths are resolved against.
	Root(ctx context.Context) (*object.Object, error)

	// Stamp returns the modification signature of the first regular
	// file along the path (the evidence file every deeper layer is
	// derived from), or "" when it cannot be determined cheaply.
	Stamp(ctx context.Context, p object.Path) (string, error)
}

// Resolver walks object paths segment by segment, dispatching each
// container layer to a plugin and memoizing extracted payloads in the
// cache. It is safe for concurrent use.
type Resolver struct {
	registry *plugin.Registry
	cache    *cache.Cache
	source   Source
	notifier notify.Notifier
}

// New creates a resolver over the given registry, cache and source.
// notifier may be nil.
func New(registry *plugin.Registry, c *cache.Cache, source Source, notifier notify.Notifier) *Resolver {
	if notifier == nil {
		notifier = notify.Nop()
	}
	return &Resolver{
		registry: registry,
		cache:    c,
		source:   source,
		notifier: notifier,
	}
}

// Resolved is the outcome of resolving an object path: either a
// directory listing, or a byte payload with its provenance. Callers
// must Close it when done.
type Resolved struct {
	Path        object.Path
	Fingerprint string
	MimeType    string
	Size        int64
	Chain       []string // plugin names, outermost first
	CacheHit    bool     // served without invoking any plugin
	Cached      bool     // payload is a committed cache entry

	// Listing is set when the path terminates in a directory-like
	// object; Payload is nil in that case.
	Listing *Listing
	payload io.ReadCloser

	cleanup []func()
}

// Listing aliases the object package's listing structure.
type Listing = object.Listing

// Payload returns the resolved byte stream, nil for listings.
func (r *Resolved) Payload() io.Reader {
	if r.payload == nil {
		return nil
	}
	return r.payload
}

// Close releases the payload and every resource held open by the
// resolution chain.
func (r *Resolved) Close() {
	if r.payload != nil {
		r.payload.Close()
		r.payload = nil
	}
	for i := len(r.cleanup) - 1; i >= 0; i-- {
		r.cleanup[i]()
	}
	r.cleanup = nil
}

// Resolve walks the object path and returns the innermost object's
// bytes, or a listing when the path names a directory.
//
// The full-chain fingerprint is checked against the cache before any
// plugin runs; a hit is returned directly, which is the core
// performance property of the server.
func (r *Resolver) Resolve(ctx context.Context, p object.Path) (*Resolved, error) {
	return r.walk(ctx, p, false)
}

// List resolves the path and returns the listing of its children: the
// entries of a directory, or of a container file's root layer. A plain
// terminal file lists as a single entry describing itself.
func (r *Resolver) List(ctx context.Context, p object.Path) (*Resolved, error) {
	return r.walk(ctx, p, true)
}

func (r *Resolver) walk(ctx context.Context, p object.Path, wantListing bool) (res *Resolved, err error) {
	if len(p) == 0 {
		return r.listRoot(ctx)
	}

	fps := chainFingerprints(r.registry.ConfigHash(), p)
	fpFull := fps[len(fps)-1]

	stamp, err := r.source.Stamp(ctx, p)
	if err != nil {
		log.Debugf("no source stamp for /%s: %v", p, err)
		stamp = ""
	}

	// Fast path: the whole chain was extracted before and the source
	// has not changed. No plugin is invoked.
	if !wantListing {
		if e := r.cache.Lookup(fpFull, stamp); e != nil {
			res, err := r.fromEntry(p, fpFull, e)
			if err == nil {
				res.CacheHit = true
				r.publish(res)
				return res, nil
			}
			log.Warnf("failed to serve cache hit for %s: %v", fpFull, err)
		}
	}

	res = &Resolved{Path: p, Fingerprint: fpFull}
	defer func() {
		if err != nil {
			res.Close()
		}
	}()

	cur, err := r.source.Root(ctx)
	if err != nil {
		return nil, err
	}
	cur.SourceStamp = stamp
	res.track(cur)

	for i, seg := range p {
		pl, perr := r.pluginFor(cur)
		if perr != nil {
			return nil, perr
		}

		child, oerr := pl.Open(ctx, cur, seg)
		if oerr != nil {
			return nil, wrapOpenErr(oerr, pl.Name(), p.Prefix(i+1))
		}
		child.Path = p.Prefix(i + 1)
		child.SourceStamp = stamp
		child.Chain = appendChain(cur.Chain, pl.Name())
		if child.Producer == nil {
			child.Producer = pl
		}
		res.track(child)

		last := i == len(p)-1

		if child.Sig.IsDir {
			if last {
				// Directory listings terminate resolution early and
				// are metadata only, never cached as byte payloads.
				return r.finishListing(ctx, res, child)
			}
			cur = child
			continue
		}

		if last {
			if wantListing {
				return r.finishContainerListing(ctx, res, child, fps[i])
			}
			return r.finishPayload(ctx, res, child, fps[i], stamp)
		}

		// An inner container layer: it must be materialized before the
		// next plugin can open it.
		mat, merr := r.materialize(ctx, res, child, fps[i], stamp)
		if merr != nil {
			return nil, merr
		}
		cur = mat
	}

	// Unreachable: the loop always returns on the last segment.
	return nil, fmt.Errorf("resolution fell through for /%s", p)
}

func (r *Resolver) pluginFor(cur *object.Object) (plugin.ContainerPlugin, error) {
	if cur.Sig.IsDir && cur.Producer != nil {
		return cur.Producer.(plugin.ContainerPlugin), nil
	}
	return r.registry.Resolve(cur.Sig)
}

func (r *Resolver) listRoot(ctx context.Context) (*Resolved, error) {
	root, err := r.source.Root(ctx)
	if err != nil {
		return nil, err
	}
	res := &Resolved{Path: object.Path{}, MimeType: "inode/directory"}
	res.track(root)
	listing, err := r.source.List(ctx, root)
	if err != nil {
		res.Close()
		return nil, err
	}
	res.Listing = listing
	return res, nil
}

func (r *Resolver) finishListing(ctx context.Context, res *Resolved, dir *object.Object) (*Resolved, error) {
	pl := dir.Producer.(plugin.ContainerPlugin)
	listing, err := pl.List(ctx, dir)
	if err != nil {
		return nil, wrapOpenErr(err, pl.Name(), dir.Path)
	}
	listing.Path = dir.Path.String()
	res.Listing = listing
	res.MimeType = "inode/directory"
	res.Chain = dir.Chain
	return res, nil
}

// finishContainerListing lists the inside of a terminal file object: a
// container's root layer, or the file itself when no plugin claims it.
func (r *Resolver) finishContainerListing(ctx context.Context, res *Resolved, child *object.Object, fp string) (*Resolved, error) {
	pl, err := r.registry.Resolve(child.Sig)
	if errors.Is(err, object.ErrNoPluginAvailable) {
		res.Listing = &object.Listing{
			Path: child.Path.String(),
			Entries: []object.ListEntry{{
				Name:     child.Sig.Name,
				Size:     child.Sig.Size,
				MimeType: child.Sig.MimeType,
			}},
		}
		res.MimeType = child.Sig.MimeType
		res.Chain = child.Chain
		return res, nil
	}
	if err != nil {
		return nil, err
	}

	mat, err := r.materialize(ctx, res, child, fp, child.SourceStamp)
	if err != nil {
		return nil, err
	}
	listing, err := pl.List(ctx, mat)
	if err != nil {
		return nil, wrapOpenErr(err, pl.Name(), child.Path)
	}
	listing.Path = child.Path.String()
	res.Listing = listing
	res.MimeType = "inode/directory"
	res.Chain = appendChain(child.Chain, pl.Name())
	return res, nil
}

func (r *Resolver) finishPayload(ctx context.Context, res *Resolved, child *object.Object, fp, stamp string) (*Resolved, error) {
	res.Chain = child.Chain
	res.MimeType = mimeFor(child.Sig)

	hint := sizeHint(child)

	// Oversized terminal objects take the streaming path: served, never
	// persisted.
	if !r.cache.Guard().PermitsCaching(hint) {
		log.Debugf("streaming oversized object /%s (%d bytes)", child.Path, hint)
		res.Size = hint
		if child.Materialized() {
			res.payload = io.NopCloser(child.Reader())
		} else {
			res.payload = child.Stream
			child.Stream = nil // ownership moves to the payload
		}
		r.publish(res)
		return res, nil
	}

	if child.Materialized() && child.Local == "" {
		// Zero-copy layers (e.g. a partition window into its image)
		// are cheap to serve directly; persisting them would duplicate
		// bytes already on disk.
		res.Size = child.Size
		res.payload = io.NopCloser(child.Reader())
		r.publish(res)
		return res, nil
	}

	entry, err := r.cache.GetOrCompute(ctx, fp, stamp, hint, func(w io.Writer) error {
		return copyOut(child, w)
	})
	if err != nil {
		return nil, wrapOpenErr(err, lastChain(child.Chain), child.Path)
	}

	out, err := r.fromEntry(child.Path, fp, entry)
	if err != nil {
		return nil, err
	}
	out.Chain = res.Chain
	out.MimeType = res.MimeType
	out.cleanup = append(out.cleanup, res.cleanup...)
	res.cleanup = nil
	r.publish(out)
	return out, nil
}

// materialize ensures an inner layer supports random access, going
// through the cache so overlapping requests reuse the extraction.
func (r *Resolver) materialize(ctx context.Context, res *Resolved, obj *object.Object, fp, stamp string) (*object.Object, error) {
	if obj.Materialized() {
		return obj, nil
	}

	entry, err := r.cache.GetOrCompute(ctx, fp, stamp, sizeHint(obj), func(w io.Writer) error {
		return copyOut(obj, w)
	})
	if err != nil {
		return nil, wrapOpenErr(err, lastChain(obj.Chain), obj.Path)
	}

	f, err := os.Open(entry.Path)
	if err != nil {
		r.cache.Discard(entry)
		return nil, fmt.Errorf("%w: cached payload vanished for /%s: %v", object.ErrCacheCorruption, obj.Path, err)
	}
	res.cleanup = append(res.cleanup, func() {
		f.Close()
		r.cache.Discard(entry)
	})

	mat := &object.Object{
		Sig:         obj.Sig,
		Path:        obj.Path,
		ReaderAt:    f,
		Size:        entry.Size,
		Local:       entry.Path,
		SourceStamp: obj.SourceStamp,
		Chain:       obj.Chain,
	}
	mat.Sig.Size = entry.Size
	return mat, nil
}

// fromEntry builds a Resolved payload from a cache entry.
func (r *Resolver) fromEntry(p object.Path, fp string, entry *cache.Entry) (*Resolved, error) {
	f, err := os.Open(entry.Path)
	if err != nil {
		r.cache.Discard(entry)
		return nil, fmt.Errorf("%w: %v", object.ErrCacheCorruption, err)
	}
	res := &Resolved{
		Path:        p,
		Fingerprint: fp,
		MimeType:    mimeFromName(p[len(p)-1]),
		Size:        entry.Size,
		Cached:      entry.Cached,
		payload:     f,
	}
	res.cleanup = append(res.cleanup, func() { r.cache.Discard(entry) })
	return res, nil
}

func (r *Resolver) publish(res *Resolved) {
	r.notifier.Notify(notify.Metadata{
		Fingerprint: res.Fingerprint,
		Path:        res.Path.String(),
		MimeType:    res.MimeType,
		Size:        res.Size,
		Plugins:     res.Chain,
		CacheHit:    res.CacheHit,
		ResolvedAt:  time.Now().UTC(),
	})
}

func (res *Resolved) track(obj *object.Object) {
	res.cleanup = append(res.cleanup, func() { obj.Close() })
}

func copyOut(obj *object.Object, w io.Writer) error {
	if obj.Materialized() {
		_, err := io.Copy(w, obj.Reader())
		return err
	}
	if obj.Stream == nil {
		return fmt.Errorf("object /%s has no readable payload", obj.Path)
	}
	_, err := io.Copy(w, obj.Stream)
	obj.Stream.Close()
	obj.Stream = nil
	return err
}

func sizeHint(obj *object.Object) int64 {
	if obj.Size >= 0 {
		return obj.Size
	}
	return obj.Sig.Size
}

func mimeFor(sig object.Signature) string {
	if sig.MimeType != "" {
		return sig.MimeType
	}
	return mimeFromName(sig.Name)
}

func mimeFromName(name string) string {
	ext := object.ExtensionOf(name)
	if ext == "" {
		return "application/octet-stream"
	}
	if mt := mime.TypeByExtension("." + ext); mt != "" {
		return mt
	}
	return "application/octet-stream"
}

func wrapOpenErr(err error, pluginName string, layer object.Path) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, object.ErrPathNotFound),
		errors.Is(err, object.ErrNoPluginAvailable),
		errors.Is(err, object.ErrExtractionFailed),
		errors.Is(err, object.ErrCacheWriteFailed),
		errors.Is(err, object.ErrCacheCorruption),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return object.ExtractionError(pluginName, layer, err)
	}
}

func appendChain(chain []string, name string) []string {
	if n := len(chain); n > 0 && chain[n-1] == name {
		return chain
	}
	out := make([]string, len(chain), len(chain)+1)
	copy(out, chain)
	return append(out, name)
}

func lastChain(chain []string) string {
	if len(chain) == 0 {
		return "source"
	}
	return chain[len(chain)-1]
}
