package tarfs

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratafs/strata-server/pkg/object"
)

type tarEntry struct {
	name string
	data []byte
	dir  bool
}

func buildTar(t *testing.T, entries []tarEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		hdr := &tar.Header{
			Name:    e.name,
			Mode:    0o644,
			ModTime: time.Now(),
		}
		if e.dir {
			hdr.Typeflag = tar.TypeDir
			hdr.Mode = 0o755
		} else {
			hdr.Typeflag = tar.TypeReg
			hdr.Size = int64(len(e.data))
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if !e.dir {
			_, err := tw.Write(e.data)
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func containerObject(name string, data []byte) *object.Object {
	return &object.Object{
		Sig:      object.Signature{Name: name, Size: int64(len(data))},
		Path:     object.ParsePath(name),
		ReaderAt: bytes.NewReader(data),
		Size:     int64(len(data)),
	}
}

func gzipped(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write(data)
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func zstded(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	require.NoError(t, err)
	_, err = zw.Write(data)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func readStream(t *testing.T, obj *object.Object) []byte {
	t.Helper()
	require.NotNil(t, obj.Stream)
	data, err := io.ReadAll(obj.Stream)
	require.NoError(t, err)
	require.NoError(t, obj.Close())
	return data
}

func TestOpenPlainTar(t *testing.T) {
	tr := New()
	raw := buildTar(t, []tarEntry{
		{name: "hello.txt", data: []byte("tar payload")},
	})
	parent := containerObject("data.tar", raw)

	child, err := tr.Open(context.Background(), parent, "hello.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello.txt", child.Sig.Name)
	assert.Equal(t, int64(11), child.Sig.Size)
	assert.Equal(t, []byte("tar payload"), readStream(t, child))
}

func TestOpenTarGz(t *testing.T) {
	tr := New()
	raw := buildTar(t, []tarEntry{
		{name: "logs/app.log", data: []byte("log line\n")},
	})
	parent := containerObject("data.tar.gz", gzipped(t, raw))

	logs, err := tr.Open(context.Background(), parent, "logs")
	require.NoError(t, err)
	require.True(t, logs.Sig.IsDir)
	assert.Same(t, tr, logs.Producer)

	file, err := tr.Open(context.Background(), logs, "app.log")
	require.NoError(t, err)
	assert.Equal(t, []byte("log line\n"), readStream(t, file))
}

func TestOpenTarZstd(t *testing.T) {
	tr := New()
	raw := buildTar(t, []tarEntry{
		{name: "a.bin", data: []byte{1, 2, 3, 4}},
	})
	parent := containerObject("data.tar.zst", zstded(t, raw))

	child, err := tr.Open(context.Background(), parent, "a.bin")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, readStream(t, child))
}

func TestOpenImplicitDirectory(t *testing.T) {
	// No explicit directory header: the directory is implied by a
	// member path.
	tr := New()
	raw := buildTar(t, []tarEntry{
		{name: "deep/nested/file.txt", data: []byte("x")},
	})
	parent := containerObject("data.tar", raw)

	deep, err := tr.Open(context.Background(), parent, "deep")
	require.NoError(t, err)
	assert.True(t, deep.Sig.IsDir)
}

func TestOpenNotFound(t *testing.T) {
	tr := New()
	raw := buildTar(t, []tarEntry{{name: "a.txt", data: []byte("a")}})
	parent := containerObject("data.tar", raw)

	_, err := tr.Open(context.Background(), parent, "missing")
	assert.ErrorIs(t, err, object.ErrPathNotFound)
}

func TestOpenCorruptGzip(t *testing.T) {
	tr := New()
	parent := containerObject("data.tar.gz", []byte("not gzip at all"))

	_, err := tr.Open(context.Background(), parent, "anything")
	assert.ErrorIs(t, err, object.ErrExtractionFailed)
}

func TestListRoot(t *testing.T) {
	tr := New()
	raw := buildTar(t, []tarEntry{
		{name: "docs", dir: true},
		{name: "docs/one.txt", data: []byte("1")},
		{name: "top.txt", data: []byte("top")},
	})
	parent := containerObject("data.tar", raw)

	listing, err := tr.List(context.Background(), parent)
	require.NoError(t, err)
	assert.Equal(t, PluginName, listing.Plugin)

	byName := make(map[string]object.ListEntry)
	for _, e := range listing.Entries {
		byName[e.Name] = e
	}
	require.Len(t, byName, 2)
	assert.True(t, byName["docs"].IsDir)
	assert.Equal(t, int64(3), byName["top.txt"].Size)
}

func TestListSubdirectory(t *testing.T) {
	tr := New()
	raw := buildTar(t, []tarEntry{
		{name: "docs/one.txt", data: []byte("1")},
		{name: "other.txt", data: []byte("o")},
	})
	parent := containerObject("data.tar", raw)

	docs, err := tr.Open(context.Background(), parent, "docs")
	require.NoError(t, err)

	listing, err := tr.List(context.Background(), docs)
	require.NoError(t, err)
	require.Len(t, listing.Entries, 1)
	assert.Equal(t, "one.txt", listing.Entries[0].Name)
}

func TestCanHandleClaimsTarShapes(t *testing.T) {
	tr := New()
	assert.True(t, tr.CanHandle(object.Signature{Name: "a.tar"}))
	assert.True(t, tr.CanHandle(object.Signature{Name: "a.tar.gz"}))
	assert.True(t, tr.CanHandle(object.Signature{Name: "a.tgz"}))
	assert.True(t, tr.CanHandle(object.Signature{Name: "weird", MimeType: "application/x-tar"}))
	assert.False(t, tr.CanHandle(object.Signature{Name: "report.pdf.gz"}), "plain compressed files belong to compressfs")
	assert.False(t, tr.CanHandle(object.Signature{Name: "a.zip"}))
}

func TestCompressionOf(t *testing.T) {
	assert.Equal(t, "gzip", compressionOf("a.tar.gz"))
	assert.Equal(t, "gzip", compressionOf("a.tgz"))
	assert.Equal(t, "zstd", compressionOf("a.tar.zst"))
	assert.Equal(t, "xz", compressionOf("a.tar.xz"))
	assert.Equal(t, "", compressionOf("a.tar"))
	assert.Equal(t, "", compressionOf("a.zip"))
}
