package compressfs

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratafs/strata-server/pkg/object"
)

func gzipObject(t *testing.T, name string, payload []byte) *object.Object {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write(payload)
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	data := buf.Bytes()
	return &object.Object{
		Sig:      object.Signature{Name: name, Size: int64(len(data))},
		Path:     object.ParsePath(name),
		ReaderAt: bytes.NewReader(data),
		Size:     int64(len(data)),
	}
}

func TestOpenGz(t *testing.T) {
	c := New()
	parent := gzipObject(t, "report.txt.gz", []byte("quarterly numbers"))

	child, err := c.Open(context.Background(), parent, "report.txt")
	require.NoError(t, err)
	assert.Equal(t, "report.txt", child.Sig.Name)
	assert.Equal(t, "text/plain", child.Sig.MimeType)

	data, err := io.ReadAll(child.Stream)
	require.NoError(t, err)
	require.NoError(t, child.Close())
	assert.Equal(t, []byte("quarterly numbers"), data)
}

func TestOpenWrongSegment(t *testing.T) {
	c := New()
	parent := gzipObject(t, "report.txt.gz", []byte("x"))

	// The only valid child is the container name minus the extension.
	_, err := c.Open(context.Background(), parent, "other.txt")
	assert.ErrorIs(t, err, object.ErrPathNotFound)
}

func TestOpenCorrupt(t *testing.T) {
	c := New()
	junk := []byte("this is not gzip data")
	parent := &object.Object{
		Sig:      object.Signature{Name: "data.gz", Size: int64(len(junk))},
		ReaderAt: bytes.NewReader(junk),
		Size:     int64(len(junk)),
	}
	_, err := c.Open(context.Background(), parent, "data")
	assert.ErrorIs(t, err, object.ErrExtractionFailed)
}

func TestList(t *testing.T) {
	c := New()
	parent := gzipObject(t, "report.txt.gz", []byte("x"))

	listing, err := c.List(context.Background(), parent)
	require.NoError(t, err)
	require.Len(t, listing.Entries, 1)
	assert.Equal(t, "report.txt", listing.Entries[0].Name)
	assert.Equal(t, int64(-1), listing.Entries[0].Size, "size unknown until decompressed")
}

func TestCanHandleLeavesTarballsAlone(t *testing.T) {
	c := New()
	assert.True(t, c.CanHandle(object.Signature{Name: "report.pdf.gz"}))
	assert.True(t, c.CanHandle(object.Signature{Name: "dump.sql.zst"}))
	assert.False(t, c.CanHandle(object.Signature{Name: "backup.tar.gz"}), "compressed tarballs belong to the tar plugin")
	assert.False(t, c.CanHandle(object.Signature{Name: "plain.txt"}))
}

func TestInnerName(t *testing.T) {
	assert.Equal(t, "report.pdf", innerName("report.pdf.gz"))
	assert.Equal(t, "dump.sql", innerName("dump.sql.zst"))
	assert.Equal(t, "image.dd", innerName("image.dd.xz"))
	assert.Equal(t, "", innerName("plain.txt"))
	assert.Equal(t, "", innerName(".gz"), "bare extension has no inner name")
}
