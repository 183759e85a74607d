package localfs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/stratafs/strata-server/pkg/object"
)

const (
	PluginName = "localfs"
	version    = "1.0.0"

	sniffLen = 512
)

// LocalFS is the evidence source backed by a local directory. Object
// paths start at its root; plain subdirectories are descended here and
// regular files become the first container layer.
type LocalFS struct {
	basePath string
}

// New creates a local evidence source rooted at basePath.
func New(basePath string) (*LocalFS, error) {
	absPath, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base path: %w", err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("base path does not exist: %s", absPath)
		}
		return nil, fmt.Errorf("failed to stat base path: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("base path is not a directory: %s", absPath)
	}

	return &LocalFS{basePath: absPath}, nil
}

func (fs *LocalFS) Name() string {
	return PluginName
}

func (fs *LocalFS) Version() string {
	return version
}

func (fs *LocalFS) CanHandle(sig object.Signature) bool {
	return sig.IsDir
}

// Root returns the evidence root directory object.
func (fs *LocalFS) Root(ctx context.Context) (*object.Object, error) {
	obj := &object.Object{
		Sig:      object.DirSignature("/"),
		Producer: fs,
		Entry:    "",
	}
	return obj, nil
}

// Stamp returns the modification signature of the first regular file
// along the path: the evidence file every deeper layer derives from.
func (fs *LocalFS) Stamp(ctx context.Context, p object.Path) (string, error) {
	rel := ""
	for _, seg := range p {
		rel = filepath.Join(rel, seg)
		info, err := os.Lstat(filepath.Join(fs.basePath, rel))
		if err != nil {
			return "", err
		}
		if info.Mode().IsRegular() {
			return fmt.Sprintf("%d:%d", info.Size(), info.ModTime().UnixNano()), nil
		}
		if !info.IsDir() {
			return "", nil
		}
	}
	return "", nil
}

func (fs *LocalFS) Open(ctx context.Context, parent *object.Object, segment string) (*object.Object, error) {
	rel := filepath.Join(parent.Entry.(string), segment)
	full := filepath.Join(fs.basePath, rel)

	info, err := os.Lstat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, object.NotFoundError(parent.Path, segment)
		}
		return nil, err
	}

	if info.IsDir() {
		obj := &object.Object{
			Sig:      object.DirSignature(segment),
			Producer: fs,
			Entry:    rel,
		}
		return obj, nil
	}
	if !info.Mode().IsRegular() {
		return nil, object.NotFoundError(parent.Path, segment)
	}

	f, err := os.Open(full)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", rel, err)
	}

	head := make([]byte, sniffLen)
	n, err := f.ReadAt(head, 0)
	if err != nil && err != io.EOF {
		f.Close()
		return nil, fmt.Errorf("failed to read %s: %w", rel, err)
	}

	obj := &object.Object{
		Sig:      object.NewSignature(segment, info.Size(), head[:n]),
		ReaderAt: f,
		Size:     info.Size(),
		Local:    full,
	}
	obj.AddCloser(f)
	return obj, nil
}

func (fs *LocalFS) List(ctx context.Context, parent *object.Object) (*object.Listing, error) {
	rel, _ := parent.Entry.(string)
	entries, err := os.ReadDir(filepath.Join(fs.basePath, rel))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, object.NotFoundError(parent.Path, rel)
		}
		return nil, err
	}

	listing := &object.Listing{Plugin: PluginName}
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		le := object.ListEntry{
			Name:    e.Name(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
			IsDir:   e.IsDir(),
		}
		if !e.IsDir() {
			le.MimeType = object.NewSignature(e.Name(), info.Size(), nil).MimeType
		}
		listing.Entries = append(listing.Entries, le)
	}
	return listing, nil
}
