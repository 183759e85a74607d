package object

import (
	"io"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"
)

// Path is an ordered sequence of segments addressing an object through
// zero or more nested container layers, e.g.
// ["image.dd", "p1", "docs", "report.zip", "report.pdf"].
// Segments are applied strictly left to right.
type Path []string

// ParsePath splits a slash-separated object path into segments.
// Empty segments and "." are dropped; ".." is rejected by returning nil.
func ParsePath(raw string) Path {
	var p Path
	for _, seg := range strings.Split(raw, "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			return nil
		}
		p = append(p, seg)
	}
	return p
}

func (p Path) String() string {
	return strings.Join(p, "/")
}

// Prefix returns the first n segments of the path.
func (p Path) Prefix(n int) Path {
	if n > len(p) {
		n = len(p)
	}
	return p[:n]
}

// Signature describes a single layer of an object path: the minimal
// information a plugin needs to decide whether it can open the layer.
type Signature struct {
	Name      string // base name of the object
	Extension string // lowercased, without the dot
	MimeType  string // sniffed or guessed, may be empty
	IsDir     bool
	Size      int64 // -1 when unknown
}

// NewSignature builds a signature from an object name and an optional
// content prefix used for mime sniffing.
func NewSignature(name string, size int64, head []byte) Signature {
	sig := Signature{
		Name:      path.Base(name),
		Extension: ExtensionOf(name),
		Size:      size,
	}
	if len(head) > 0 {
		sig.MimeType = http.DetectContentType(head)
	} else if sig.Extension != "" {
		sig.MimeType = mime.TypeByExtension("." + sig.Extension)
	}
	// DetectContentType appends charset parameters; matching only cares
	// about the media type itself.
	if i := strings.Index(sig.MimeType, ";"); i >= 0 {
		sig.MimeType = strings.TrimSpace(sig.MimeType[:i])
	}
	return sig
}

// DirSignature builds a signature for a directory-like object.
func DirSignature(name string) Signature {
	return Signature{
		Name:     path.Base(name),
		MimeType: "inode/directory",
		IsDir:    true,
		Size:     -1,
	}
}

// ExtensionOf returns the lowercased extension of a name without the dot.
func ExtensionOf(name string) string {
	ext := path.Ext(name)
	if ext == "" {
		return ""
	}
	return strings.ToLower(ext[1:])
}

// Object is the working value carried through path resolution: one
// resolved layer, either a byte payload or a directory within a layer.
//
// Exactly one of ReaderAt and Stream is set for file objects. ReaderAt
// is set once the payload is materialized (backed by a local file or a
// memory buffer); Stream is set for lazily-extracted payloads that have
// not been materialized yet. Directory objects carry neither.
type Object struct {
	Sig  Signature
	Path Path // logical path of this object so far

	ReaderAt io.ReaderAt
	Stream   io.ReadCloser
	Size     int64  // realized payload size, -1 when unknown
	Local    string // backing file on disk, when materialized to one

	// SourceStamp is the modification signature of the root evidence
	// file this object was derived from, used for cache staleness.
	SourceStamp string

	// Chain records the plugin names that produced this object, in
	// order of descent.
	Chain []string

	// Producer is the plugin that created this object. Directory
	// objects are descended through their producer rather than through
	// a fresh registry lookup.
	Producer any

	// Entry holds producer-internal state for directory objects
	// (e.g. an open archive handle plus a position within it).
	Entry any

	closers []io.Closer
}

// Reader returns a sequential reader over a materialized object.
func (o *Object) Reader() *io.SectionReader {
	return io.NewSectionReader(o.ReaderAt, 0, o.Size)
}

// Materialized reports whether the object's bytes support random access.
func (o *Object) Materialized() bool {
	return o.ReaderAt != nil
}

// AddCloser attaches a resource released when the object is closed.
func (o *Object) AddCloser(c io.Closer) {
	if c != nil {
		o.closers = append(o.closers, c)
	}
}

// Close releases the stream and any attached resources.
func (o *Object) Close() error {
	var first error
	if o.Stream != nil {
		if err := o.Stream.Close(); err != nil {
			first = err
		}
		o.Stream = nil
	}
	for _, c := range o.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	o.closers = nil
	return first
}

// Entry is a single element of a directory listing.
type ListEntry struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	MimeType string    `json:"mimetype,omitempty"`
	ModTime  time.Time `json:"modTime,omitzero"`
	IsDir    bool      `json:"isDir"`
}

// Listing is the result of resolving a path that terminates in a
// directory-like object. Listings are metadata only and are never
// cached as byte payloads.
type Listing struct {
	Path    string      `json:"path"`
	Plugin  string      `json:"plugin,omitempty"`
	Entries []ListEntry `json:"entries"`
}
