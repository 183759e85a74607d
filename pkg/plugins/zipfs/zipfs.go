package zipfs

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/stratafs/strata-server/pkg/object"
)

const (
	PluginName = "zipfs"
	version    = "1.0.0"

	sniffLen = 512
)

// ZipFS opens ZIP archives (and the many formats that are ZIP inside:
// jar, docx, apk, ...). Directories within an archive are descended one
// segment at a time, reusing the central directory parsed when the
// archive layer was first opened.
type ZipFS struct{}

// New creates the ZIP archive plugin.
func New() *ZipFS {
	return &ZipFS{}
}

// zipDir is the producer-internal state of a directory object: the
// parsed archive plus the directory's path prefix within it.
type zipDir struct {
	zr     *zip.Reader
	prefix string
}

func (z *ZipFS) Name() string {
	return PluginName
}

func (z *ZipFS) Version() string {
	return version
}

func (z *ZipFS) CanHandle(sig object.Signature) bool {
	// The end-of-central-directory record alone is 22 bytes.
	return sig.Size < 0 || sig.Size >= 22
}

func (z *ZipFS) Open(ctx context.Context, parent *object.Object, segment string) (*object.Object, error) {
	state, err := z.state(parent)
	if err != nil {
		return nil, err
	}

	target := state.prefix + segment

	if f := findFile(state.zr, target); f != nil {
		return z.openEntry(parent.Path, f, segment)
	}
	if hasDir(state.zr, target+"/") {
		return &object.Object{
			Sig:      object.DirSignature(segment),
			Producer: z,
			Entry:    &zipDir{zr: state.zr, prefix: target + "/"},
		}, nil
	}
	return nil, object.NotFoundError(parent.Path, segment)
}

func (z *ZipFS) List(ctx context.Context, parent *object.Object) (*object.Listing, error) {
	state, err := z.state(parent)
	if err != nil {
		return nil, err
	}

	listing := &object.Listing{Plugin: PluginName}
	seen := make(map[string]bool)

	for _, f := range state.zr.File {
		name := cleanName(f.Name)
		if name == "" || !strings.HasPrefix(name, state.prefix) {
			continue
		}
		rest := strings.TrimPrefix(name, state.prefix)
		if rest == "" {
			continue
		}

		first := rest
		isDir := strings.HasSuffix(f.Name, "/")
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
			le.Size = int64(f.UncompressedSize64)
			le.ModTime = f.Modified
			le.MimeType = object.NewSignature(first, le.Size, nil).MimeType
		}
		listing.Entries = append(listing.Entries, le)
	}
	return listing, nil
}

// state returns the archive handle for a parent object: a fresh parse
// for the archive file itself, or the retained one for a directory
// object produced by a previous descent.
func (z *ZipFS) state(parent *object.Object) (*zipDir, error) {
	if d, ok := parent.Entry.(*zipDir); ok {
		return d, nil
	}
	if !parent.Materialized() {
		return nil, fmt.Errorf("zip layer %s is not materialized", parent.Sig.Name)
	}
	zr, err := zip.NewReader(parent.ReaderAt, parent.Size)
	if err != nil {
		return nil, object.ExtractionError(PluginName, parent.Path, err)
	}
	return &zipDir{zr: zr}, nil
}

func (z *ZipFS) openEntry(parentPath object.Path, f *zip.File, segment string) (*object.Object, error) {
	// A short first read sniffs the mime type; the entry is reopened
	// for the actual payload stream.
	head := make([]byte, sniffLen)
	hr, err := f.Open()
	if err != nil {
		return nil, object.ExtractionError(PluginName, parentPath, err)
	}
	n, err := io.ReadFull(hr, head)
	hr.Close()
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, object.ExtractionError(PluginName, parentPath, err)
	}

	rc, err := f.Open()
	if err != nil {
		return nil, object.ExtractionError(PluginName, parentPath, err)
	}

	size := int64(f.UncompressedSize64)
	return &object.Object{
		Sig:    object.NewSignature(segment, size, head[:n]),
		Stream: rc,
		Size:   -1, // realized on materialization
	}, nil
}

func findFile(zr *zip.Reader, target string) *zip.File {
	for _, f := range zr.File {
		if strings.HasSuffix(f.Name, "/") {
			continue
		}
		if cleanName(f.Name) == target {
			return f
		}
	}
	return nil
}

func hasDir(zr *zip.Reader, prefix string) bool {
	for _, f := range zr.File {
		if strings.HasPrefix(cleanName(f.Name), prefix) || cleanName(f.Name)+"/" == prefix {
			return true
		}
	}
	return false
}

func cleanName(name string) string {
	name = path.Clean(strings.TrimPrefix(name, "./"))
	if name == "." {
		return ""
	}
	return strings.TrimPrefix(name, "/")
}
