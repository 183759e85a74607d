package zipfs

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratafs/strata-server/pkg/object"
)

func archiveObject(t *testing.T, name string, files map[string][]byte) *object.Object {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for n, data := range files {
		w, err := zw.Create(n)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	data := buf.Bytes()
	return &object.Object{
		Sig:      object.NewSignature(name, int64(len(data)), data[:min(512, len(data))]),
		Path:     object.ParsePath(name),
		ReaderAt: bytes.NewReader(data),
		Size:     int64(len(data)),
	}
}

func readStream(t *testing.T, obj *object.Object) []byte {
	t.Helper()
	require.NotNil(t, obj.Stream)
	data, err := io.ReadAll(obj.Stream)
	require.NoError(t, err)
	require.NoError(t, obj.Close())
	return data
}

func TestOpenFileAtRoot(t *testing.T) {
	z := New()
	parent := archiveObject(t, "a.zip", map[string][]byte{
		"hello.txt": []byte("hello from zip"),
	})

	child, err := z.Open(context.Background(), parent, "hello.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello.txt", child.Sig.Name)
	assert.Equal(t, int64(14), child.Sig.Size)
	assert.Equal(t, int64(-1), child.Size, "payload size realized on materialization")
	assert.Equal(t, []byte("hello from zip"), readStream(t, child))
}

func TestOpenThroughDirectories(t *testing.T) {
	z := New()
	parent := archiveObject(t, "a.zip", map[string][]byte{
		"docs/deep/report.txt": []byte("nested"),
	})

	docs, err := z.Open(context.Background(), parent, "docs")
	require.NoError(t, err)
	require.True(t, docs.Sig.IsDir)
	assert.Same(t, z, docs.Producer)

	deep, err := z.Open(context.Background(), docs, "deep")
	require.NoError(t, err)
	require.True(t, deep.Sig.IsDir)

	file, err := z.Open(context.Background(), deep, "report.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("nested"), readStream(t, file))
}

func TestOpenNotFound(t *testing.T) {
	z := New()
	parent := archiveObject(t, "a.zip", map[string][]byte{"a.txt": []byte("a")})

	_, err := z.Open(context.Background(), parent, "missing.txt")
	assert.ErrorIs(t, err, object.ErrPathNotFound)
}

func TestOpenUnmaterializedParent(t *testing.T) {
	z := New()
	parent := &object.Object{
		Sig:    object.Signature{Name: "a.zip", Size: 100},
		Stream: io.NopCloser(bytes.NewReader(nil)),
	}
	_, err := z.Open(context.Background(), parent, "a.txt")
	assert.Error(t, err)
}

func TestOpenCorruptArchive(t *testing.T) {
	z := New()
	junk := bytes.Repeat([]byte("definitely not zip"), 8)
	parent := &object.Object{
		Sig:      object.Signature{Name: "bad.zip", Size: int64(len(junk))},
		ReaderAt: bytes.NewReader(junk),
		Size:     int64(len(junk)),
	}
	_, err := z.Open(context.Background(), parent, "a.txt")
	assert.ErrorIs(t, err, object.ErrExtractionFailed)
}

func TestListRootCollapsesDirectories(t *testing.T) {
	z := New()
	parent := archiveObject(t, "a.zip", map[string][]byte{
		"docs/one.txt": []byte("1"),
		"docs/two.txt": []byte("2"),
		"top.txt":      []byte("t"),
	})

	listing, err := z.List(context.Background(), parent)
	require.NoError(t, err)
	assert.Equal(t, PluginName, listing.Plugin)

	byName := make(map[string]object.ListEntry)
	for _, e := range listing.Entries {
		byName[e.Name] = e
	}
	require.Len(t, byName, 2, "docs deduplicated into one entry")
	assert.True(t, byName["docs"].IsDir)
	assert.False(t, byName["top.txt"].IsDir)
	assert.Equal(t, int64(1), byName["top.txt"].Size)
}

func TestListSubdirectory(t *testing.T) {
	z := New()
	parent := archiveObject(t, "a.zip", map[string][]byte{
		"docs/one.txt": []byte("1"),
		"other.txt":    []byte("o"),
	})

	docs, err := z.Open(context.Background(), parent, "docs")
	require.NoError(t, err)

	listing, err := z.List(context.Background(), docs)
	require.NoError(t, err)
	require.Len(t, listing.Entries, 1)
	assert.Equal(t, "one.txt", listing.Entries[0].Name)
}

func TestCanHandleRejectsTinyObjects(t *testing.T) {
	z := New()
	assert.False(t, z.CanHandle(object.Signature{Name: "a.zip", Size: 10}))
	assert.True(t, z.CanHandle(object.Signature{Name: "a.zip", Size: 22}))
	assert.True(t, z.CanHandle(object.Signature{Name: "a.zip", Size: -1}))
}
