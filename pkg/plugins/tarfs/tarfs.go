package tarfs

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"

	"github.com/stratafs/strata-server/pkg/object"
)

const (
	PluginName = "tarfs"
	version    = "1.0.0"

	sniffLen = 512
)

// TarFS opens tar archives, transparently decompressing gzip, zstd and
// xz outer layers (.tar.gz/.tgz, .tar.zst, .tar.xz). Tar has no central
// directory, so each descent rescans the archive from the start of the
// materialized container.
type TarFS struct{}

// New creates the tar archive plugin.
func New() *TarFS {
	return &TarFS{}
}

// tarDir is the producer-internal state of a directory object: the
// materialized container plus the directory's prefix within it.
type tarDir struct {
	container *object.Object
	prefix    string
}

func (t *TarFS) Name() string {
	return PluginName
}

func (t *TarFS) Version() string {
	return version
}

func (t *TarFS) CanHandle(sig object.Signature) bool {
	return strings.HasSuffix(sig.Name, ".tar") ||
		compressionOf(sig.Name) != "" ||
		sig.MimeType == "application/x-tar"
}

func (t *TarFS) Open(ctx context.Context, parent *object.Object, segment string) (*object.Object, error) {
	container, prefix, err := t.state(parent)
	if err != nil {
		return nil, err
	}
	target := prefix + segment

	tr, closer, err := newTarReader(container)
	if err != nil {
		return nil, err
	}

	foundDir := false
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			closer.Close()
			return nil, object.ExtractionError(PluginName, parent.Path, err)
		}

		name := cleanName(hdr.Name)
		switch {
		case name == target && hdr.Typeflag == tar.TypeReg:
			return openEntry(tr, closer, hdr, segment)
		case name == target && hdr.Typeflag == tar.TypeDir:
			foundDir = true
		case strings.HasPrefix(name, target+"/"):
			foundDir = true
		}
	}
	closer.Close()

	if foundDir {
		return &object.Object{
			Sig:      object.DirSignature(segment),
			Producer: t,
			Entry:    &tarDir{container: container, prefix: target + "/"},
		}, nil
	}
	return nil, object.NotFoundError(parent.Path, segment)
}

func (t *TarFS) List(ctx context.Context, parent *object.Object) (*object.Listing, error) {
	container, prefix, err := t.state(parent)
	if err != nil {
		return nil, err
	}

	tr, closer, err := newTarReader(container)
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	listing := &object.Listing{Plugin: PluginName}
	seen := make(map[string]bool)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, object.ExtractionError(PluginName, parent.Path, err)
		}

		name := cleanName(hdr.Name)
		if name == "" || !strings.HasPrefix(name, prefix) {
			continue
		}
		rest := strings.TrimPrefix(name, prefix)
		if rest == "" {
			continue
		}

		first := rest
		isDir := hdr.Typeflag == tar.TypeDir
		if i := strings.Index(rest, "/"); i >= 0 {
			first = rest[:i]
			isDir = true
		}
		if seen[first] {
			continue
		}
		seen[first] = true

		le := object.ListEntry{Name: first, IsDir: isDir}
		if !isDir {
			le.Size = hdr.Size
			le.ModTime = hdr.ModTime
			le.MimeType = object.NewSignature(first, hdr.Size, nil).MimeType
		}
		listing.Entries = append(listing.Entries, le)
	}
	return listing, nil
}

func (t *TarFS) state(parent *object.Object) (*object.Object, string, error) {
	if d, ok := parent.Entry.(*tarDir); ok {
		return d.container, d.prefix, nil
	}
	if !parent.Materialized() {
		return nil, "", fmt.Errorf("tar layer %s is not materialized", parent.Sig.Name)
	}
	return parent, "", nil
}

// openEntry wraps the tar reader, positioned at the entry, as the
// child's payload stream. The decompressor stays open until the child
// is materialized or discarded.
func openEntry(tr *tar.Reader, closer io.Closer, hdr *tar.Header, segment string) (*object.Object, error) {
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(tr, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		closer.Close()
		return nil, err
	}

	stream := &entryReader{
		r:      io.MultiReader(bytes.NewReader(head[:n]), tr),
		closer: closer,
	}
	return &object.Object{
		Sig:    object.NewSignature(segment, hdr.Size, head[:n]),
		Stream: stream,
		Size:   -1,
	}, nil
}

type entryReader struct {
	r      io.Reader
	closer io.Closer
}

func (er *entryReader) Read(p []byte) (int, error) {
	return er.r.Read(p)
}

func (er *entryReader) Close() error {
	return er.closer.Close()
}

// newTarReader builds a tar reader over the container, stacking the
// decompressor its extension calls for.
func newTarReader(container *object.Object) (*tar.Reader, io.Closer, error) {
	raw := container.Reader()

	switch compressionOf(container.Sig.Name) {
	case "gzip":
		gz, err := gzip.NewReader(raw)
		if err != nil {
			return nil, nil, object.ExtractionError(PluginName, container.Path, err)
		}
		return tar.NewReader(gz), gz, nil
	case "zstd":
		zr, err := zstd.NewReader(raw)
		if err != nil {
			return nil, nil, object.ExtractionError(PluginName, container.Path, err)
		}
		return tar.NewReader(zr.IOReadCloser()), closerFunc(func() error { zr.Close(); return nil }), nil
	case "xz":
		xr, err := xz.NewReader(raw)
		if err != nil {
			return nil, nil, object.ExtractionError(PluginName, container.Path, err)
		}
		return tar.NewReader(xr), closerFunc(func() error { return nil }), nil
	default:
		return tar.NewReader(raw), closerFunc(func() error { return nil }), nil
	}
}

func compressionOf(name string) string {
	switch {
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		return "gzip"
	case strings.HasSuffix(name, ".tar.zst"), strings.HasSuffix(name, ".tzst"):
		return "zstd"
	case strings.HasSuffix(name, ".tar.xz"), strings.HasSuffix(name, ".txz"):
		return "xz"
	default:
		return ""
	}
}

type closerFunc func() error

func (f closerFunc) Close() error {
	return f()
}

func cleanName(name string) string {
	name = path.Clean(strings.TrimPrefix(name, "./"))
	if name == "." {
		return ""
	}
	return strings.TrimPrefix(name, "/")
}
