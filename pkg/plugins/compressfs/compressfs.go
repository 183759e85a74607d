package compressfs

import (
	"bytes"
	"context"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"

	"github.com/stratafs/strata-server/pkg/object"
)

const (
	PluginName = "compressfs"
	version    = "1.0.0"

	sniffLen = 512
)

// CompressFS opens single-file compression layers (.gz, .zst, .xz).
// The layer has exactly one child, named after the container minus the
// compression extension: "report.pdf.gz" contains "report.pdf".
type CompressFS struct{}

// New creates the single-file compression plugin.
func New() *CompressFS {
	return &CompressFS{}
}

func (c *CompressFS) Name() string {
	return PluginName
}

func (c *CompressFS) Version() string {
	return version
}

func (c *CompressFS) CanHandle(sig object.Signature) bool {
	// Tar archives with a compressed outer layer belong to tarfs.
	return innerName(sig.Name) != "" && !strings.Contains(innerName(sig.Name), ".tar")
}

func (c *CompressFS) Open(ctx context.Context, parent *object.Object, segment string) (*object.Object, error) {
	inner := innerName(parent.Sig.Name)
	if inner == "" || segment != inner {
		return nil, object.NotFoundError(parent.Path, segment)
	}

	rc, err := newDecompressor(parent)
	if err != nil {
		return nil, err
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(rc, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		rc.Close()
		return nil, object.ExtractionError(PluginName, parent.Path, err)
	}

	return &object.Object{
		Sig: object.NewSignature(segment, -1, head[:n]),
		Stream: &tailReader{
			r:      io.MultiReader(bytes.NewReader(head[:n]), rc),
			closer: rc,
		},
		Size: -1,
	}, nil
}

func (c *CompressFS) List(ctx context.Context, parent *object.Object) (*object.Listing, error) {
	inner := innerName(parent.Sig.Name)
	if inner == "" {
		return nil, object.NotFoundError(parent.Path, parent.Sig.Name)
	}
	return &object.Listing{
		Plugin: PluginName,
		Entries: []object.ListEntry{{
			Name:     inner,
			Size:     -1,
			MimeType: object.NewSignature(inner, -1, nil).MimeType,
		}},
	}, nil
}

func newDecompressor(parent *object.Object) (io.ReadCloser, error) {
	raw := parent.Reader()

	switch object.ExtensionOf(parent.Sig.Name) {
	case "gz":
		gz, err := gzip.NewReader(raw)
		if err != nil {
			return nil, object.ExtractionError(PluginName, parent.Path, err)
		}
		return gz, nil
	case "zst":
		zr, err := zstd.NewReader(raw)
		if err != nil {
			return nil, object.ExtractionError(PluginName, parent.Path, err)
		}
		return zr.IOReadCloser(), nil
	case "xz":
		xr, err := xz.NewReader(raw)
		if err != nil {
			return nil, object.ExtractionError(PluginName, parent.Path, err)
		}
		return io.NopCloser(xr), nil
	default:
		return nil, object.NotFoundError(parent.Path, parent.Sig.Name)
	}
}

// innerName returns the contained file's name, or "" when the name has
// no recognized compression extension.
func innerName(name string) string {
	for _, ext := range []string{".gz", ".zst", ".xz"} {
		if strings.HasSuffix(name, ext) && len(name) > len(ext) {
			return strings.TrimSuffix(name, ext)
		}
	}
	return ""
}

type tailReader struct {
	r      io.Reader
	closer io.Closer
}

func (tr *tailReader) Read(p []byte) (int, error) {
	return tr.r.Read(p)
}

func (tr *tailReader) Close() error {
	return tr.closer.Close()
}
