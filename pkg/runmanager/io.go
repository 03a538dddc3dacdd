package runmanager

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/noded/pkg/types"
)

// netcatReadChunkSize is the buffer size used while draining a netcat
// connection's response.
const netcatReadChunkSize = 32 * 1024

// Read serves path out of uuid's bundle directory via the configured
// Reader, streaming the result back through reply.
func (m *Manager) Read(uuid, path string, args map[string]string, reply types.ReplyFunc) {
	m.mu.Lock()
	run, ok := m.runs[uuid]
	if ok {
		run = run.Clone()
	}
	m.mu.Unlock()

	if !ok {
		reply(fmt.Errorf("unknown run %q", uuid), nil, nil)
		return
	}
	m.reader.Read(run, path, args, reply)
}

// Write stores contents at <bundle_path>/path. Writes to a declared
// dependency child path are silently dropped: dependencies are read-only
// mounts and a write there is treated as a benign race with the bundle's
// own container, not an error.
func (m *Manager) Write(uuid, path string, contents []byte) error {
	m.mu.Lock()
	run, ok := m.runs[uuid]
	if ok {
		run = run.Clone()
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}
	if _, isDependency := run.Bundle.DependencyChildPaths()[path]; isDependency {
		return nil
	}

	target := filepath.Join(run.BundlePath, path)
	if err := os.MkdirAll(filepath.Dir(target), 0o770); err != nil {
		return fmt.Errorf("failed to create parent directory for %q: %w", path, err)
	}
	return os.WriteFile(target, contents, 0o660)
}

// Netcat opens a TCP connection to uuid's container on its general
// network IP and the given port, writes message, reads until EOF, and
// delivers the response via reply. This runs on the caller's goroutine
// and may block for as long as the connection is open; it does not touch
// the registry lock beyond the initial run lookup.
func (m *Manager) Netcat(uuid string, port int, message []byte, reply types.ReplyFunc) {
	m.mu.Lock()
	run, ok := m.runs[uuid]
	if ok {
		run = run.Clone()
	}
	m.mu.Unlock()

	if !ok {
		reply(fmt.Errorf("unknown run %q", uuid), nil, nil)
		return
	}
	if run.ContainerID == nil {
		reply(fmt.Errorf("run %q has no running container", uuid), nil, nil)
		return
	}

	ip, err := m.runtime.IPOnNetwork(context.Background(), m.networks.General, *run.ContainerID)
	if err != nil {
		reply(fmt.Errorf("failed to resolve container address: %w", err), nil, nil)
		return
	}

	addr := net.JoinHostPort(ip, fmt.Sprintf("%d", port))
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		reply(fmt.Errorf("failed to connect to %s: %w", addr, err), nil, nil)
		return
	}
	defer conn.Close()

	if _, err := conn.Write(message); err != nil {
		reply(fmt.Errorf("failed to write to %s: %w", addr, err), nil, nil)
		return
	}

	var buf bytes.Buffer
	chunk := make([]byte, netcatReadChunkSize)
	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			reply(fmt.Errorf("failed to read from %s: %w", addr, err), nil, nil)
			return
		}
	}

	reply(nil, map[string]string{}, bytes.NewReader(buf.Bytes()))
}
