package reader

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/cuemby/noded/pkg/types"
)

// LocalReader serves bundle file contents directly off local disk. It is
// the concrete types.Reader used whenever the bundle directory is
// reachable on the node's own filesystem (always true today; a future
// remote-mount reader would implement the same interface).
type LocalReader struct{}

// New returns a LocalReader.
func New() *LocalReader {
	return &LocalReader{}
}

// Read resolves path against run.BundlePath and replies with either a
// directory listing or a file's contents. args may carry "offset" and
// "length" (both decimal strings) to request a byte range of a file
// instead of the whole thing.
func (r *LocalReader) Read(run *types.RunState, path string, args map[string]string, reply types.ReplyFunc) {
	target, err := resolve(run.BundlePath, path)
	if err != nil {
		reply(err, nil, nil)
		return
	}

	info, err := os.Stat(target)
	if err != nil {
		reply(err, nil, nil)
		return
	}

	if info.IsDir() {
		readDir(target, reply)
		return
	}

	readFile(target, info, args, reply)
}

// resolve joins bundlePath and requested path. The path is cleaned as if
// rooted at "/" before the join, so ".." segments are clamped at
// bundlePath rather than escaping it ("../x" resolves to <bundlePath>/x);
// a result that still falls outside bundlePath is rejected.
func resolve(bundlePath, path string) (string, error) {
	clean := filepath.Join(bundlePath, filepath.Clean("/"+path))
	rel, err := filepath.Rel(bundlePath, clean)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes bundle directory", path)
	}
	return clean, nil
}

func readDir(target string, reply types.ReplyFunc) {
	entries, err := os.ReadDir(target)
	if err != nil {
		reply(err, nil, nil)
		return
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)

	body := strings.Join(names, "\n")
	headers := map[string]string{
		"type":         "directory",
		"content-type": "text/plain",
	}
	reply(nil, headers, bytes.NewReader([]byte(body)))
}

func readFile(target string, info os.FileInfo, args map[string]string, reply types.ReplyFunc) {
	f, err := os.Open(target)
	if err != nil {
		reply(err, nil, nil)
		return
	}

	offset, hasOffset := parseIntArg(args, "offset")
	length, hasLength := parseIntArg(args, "length")

	var body io.Reader = f
	if hasOffset {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			reply(err, nil, nil)
			return
		}
	}
	if hasLength {
		body = io.LimitReader(f, length)
	}

	headers := map[string]string{
		"type": "file",
		"size": strconv.FormatInt(info.Size(), 10),
	}
	reply(nil, headers, &closingReader{Reader: body, closer: f})
}

func parseIntArg(args map[string]string, key string) (int64, bool) {
	raw, ok := args[key]
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// closingReader closes the underlying file once the caller has finished
// reading, since reply's body may be streamed well after Read returns.
type closingReader struct {
	io.Reader
	closer io.Closer
}

func (c *closingReader) Close() error {
	return c.closer.Close()
}
