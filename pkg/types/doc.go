/*
Package types defines the data model shared by every component of the
node's run lifecycle engine: bundles, resource requests, the run state
record, and the collaborator interfaces (image cache, dependency cache,
container runtime, reader) that the core consumes but does not implement.

Everything here is plain data plus narrow interfaces — no locking, no
I/O. RunState in particular is treated as an immutable-looking record:
callers that mutate it do so under the RunManager's lock and replace the
map entry wholesale, never expose a half-updated value to a reader.
*/
package types
