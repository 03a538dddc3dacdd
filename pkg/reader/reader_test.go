package reader

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/noded/pkg/types"
	"github.com/stretchr/testify/assert"
)

func runAt(t *testing.T, bundlePath string) *types.RunState {
	t.Helper()
	return &types.RunState{
		Bundle:     types.Bundle{UUID: "bundle-1"},
		BundlePath: bundlePath,
	}
}

func collect(t *testing.T, f func(reply types.ReplyFunc)) (error, map[string]string, []byte) {
	t.Helper()
	var gotErr error
	var gotHeaders map[string]string
	var gotBody []byte

	f(func(err error, headers map[string]string, body io.Reader) {
		gotErr = err
		gotHeaders = headers
		if body != nil {
			gotBody, _ = io.ReadAll(body)
			if closer, ok := body.(io.Closer); ok {
				closer.Close()
			}
		}
	})
	return gotErr, gotHeaders, gotBody
}

func TestReadFile(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, os.WriteFile(filepath.Join(dir, "stdout.txt"), []byte("hello world"), 0o644))

	r := New()
	run := runAt(t, dir)

	err, headers, body := collect(t, func(reply types.ReplyFunc) {
		r.Read(run, "stdout.txt", nil, reply)
	})

	assert.NoError(t, err)
	assert.Equal(t, "file", headers["type"])
	assert.Equal(t, "hello world", string(body))
}

func TestReadFileWithOffsetAndLength(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, os.WriteFile(filepath.Join(dir, "stdout.txt"), []byte("0123456789"), 0o644))

	r := New()
	run := runAt(t, dir)

	err, _, body := collect(t, func(reply types.ReplyFunc) {
		r.Read(run, "stdout.txt", map[string]string{"offset": "3", "length": "4"}, reply)
	})

	assert.NoError(t, err)
	assert.Equal(t, "3456", string(body))
}

func TestReadDirectoryListsEntriesSorted(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("b"), 0o644))
	assert.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0o644))
	assert.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o770))

	r := New()
	run := runAt(t, dir)

	err, headers, body := collect(t, func(reply types.ReplyFunc) {
		r.Read(run, ".", nil, reply)
	})

	assert.NoError(t, err)
	assert.Equal(t, "directory", headers["type"])
	assert.Equal(t, "a.txt\nb.txt\nsub/", string(body))
}

func TestReadMissingPathReturnsError(t *testing.T) {
	dir := t.TempDir()

	r := New()
	run := runAt(t, dir)

	err, _, _ := collect(t, func(reply types.ReplyFunc) {
		r.Read(run, "does-not-exist.txt", nil, reply)
	})
	assert.Error(t, err)
}

func TestReadClampsPathTraversalToBundleRoot(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, os.WriteFile(filepath.Join(dir, "secret.txt"), []byte("top secret"), 0o644))

	r := New()
	run := runAt(t, dir)

	// "../secret.txt" is clamped to the bundle root rather than escaping
	// it, so this resolves to <dir>/secret.txt, not a sibling directory.
	err, _, body := collect(t, func(reply types.ReplyFunc) {
		r.Read(run, "../secret.txt", nil, reply)
	})
	assert.NoError(t, err)
	assert.Equal(t, "top secret", string(body))
}
