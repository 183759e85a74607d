package memfs

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/stratafs/strata-server/pkg/object"
)

const (
	PluginName = "memfs"
	version    = "1.0.0"
)

// Node represents a file or directory in memory
type Node struct {
	Name     string
	IsDir    bool
	Data     []byte
	ModTime  time.Time
	Stamp    string
	Children map[string]*Node
}

// MemFS is an in-memory evidence source. It backs tests and ephemeral
// deployments where evidence is pushed into the process directly.
type MemFS struct {
	root *Node
	mu   sync.RWMutex
}

// New creates an empty in-memory evidence source.
func New() *MemFS {
	return &MemFS{
		root: &Node{
			Name:     "/",
			IsDir:    true,
			ModTime:  time.Now(),
			Children: make(map[string]*Node),
		},
	}
}

// AddFile stores a file at the given slash-separated path, creating
// parent directories as needed. Re-adding a path replaces its content
// and bumps its modification stamp.
func (fs *MemFS) AddFile(p string, data []byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	segs := object.ParsePath(p)
	if len(segs) == 0 {
		return fmt.Errorf("invalid path: %s", p)
	}

	cur := fs.root
	for _, seg := range segs[:len(segs)-1] {
		child, ok := cur.Children[seg]
		if !ok {
			child = &Node{
				Name:     seg,
				IsDir:    true,
				ModTime:  time.Now(),
				Children: make(map[string]*Node),
			}
			cur.Children[seg] = child
		}
		if !child.IsDir {
			return fmt.Errorf("not a directory: %s", seg)
		}
		cur = child
	}

	name := segs[len(segs)-1]
	now := time.Now()
	cur.Children[name] = &Node{
		Name:    name,
		Data:    data,
		ModTime: now,
		Stamp:   fmt.Sprintf("%d:%d", len(data), now.UnixNano()),
	}
	return nil
}

func (fs *MemFS) Name() string {
	return PluginName
}

func (fs *MemFS) Version() string {
	return version
}

func (fs *MemFS) CanHandle(sig object.Signature) bool {
	return sig.IsDir
}

func (fs *MemFS) Root(ctx context.Context) (*object.Object, error) {
	return &object.Object{
		Sig:      object.DirSignature("/"),
		Producer: fs,
		Entry:    fs.root,
	}, nil
}

func (fs *MemFS) Stamp(ctx context.Context, p object.Path) (string, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	cur := fs.root
	for _, seg := range p {
		child, ok := cur.Children[seg]
		if !ok {
			return "", fmt.Errorf("no entry %s", seg)
		}
		if !child.IsDir {
			return child.Stamp, nil
		}
		cur = child
	}
	return "", nil
}

func (fs *MemFS) Open(ctx context.Context, parent *object.Object, segment string) (*object.Object, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	node, ok := parent.Entry.(*Node)
	if !ok || !node.IsDir {
		return nil, object.NotFoundError(parent.Path, segment)
	}
	child, ok := node.Children[segment]
	if !ok {
		return nil, object.NotFoundError(parent.Path, segment)
	}

	if child.IsDir {
		return &object.Object{
			Sig:      object.DirSignature(segment),
			Producer: fs,
			Entry:    child,
		}, nil
	}

	head := child.Data
	if len(head) > 512 {
		head = head[:512]
	}
	return &object.Object{
		Sig:      object.NewSignature(segment, int64(len(child.Data)), head),
		ReaderAt: bytes.NewReader(child.Data),
		Size:     int64(len(child.Data)),
	}, nil
}

func (fs *MemFS) List(ctx context.Context, parent *object.Object) (*object.Listing, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	node, ok := parent.Entry.(*Node)
	if !ok || !node.IsDir {
		return nil, object.NotFoundError(parent.Path, "")
	}

	listing := &object.Listing{Plugin: PluginName}
	for _, child := range node.Children {
		le := object.ListEntry{
			Name:    child.Name,
			Size:    int64(len(child.Data)),
			ModTime: child.ModTime,
			IsDir:   child.IsDir,
		}
		if !child.IsDir {
			le.MimeType = object.NewSignature(child.Name, le.Size, nil).MimeType
		}
		listing.Entries = append(listing.Entries, le)
	}
	sort.Slice(listing.Entries, func(i, j int) bool {
		return listing.Entries[i].Name < listing.Entries[j].Name
	})
	return listing, nil
}
