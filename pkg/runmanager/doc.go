// Package runmanager implements the RunManager: the registry of active
// runs, the reentrant lock discipline around it, and the public surface
// (create_run, process_runs, kill, read, write, netcat, and the
// informational queries) the outer worker loop drives. It owns the
// RunState map exclusively; every other collaborator (image manager,
// dependency manager, container runtime, allocator) owns its own state
// and is consulted, never mutated directly, by the manager.
package runmanager
