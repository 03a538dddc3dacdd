// Package allocator proposes cpuset/gpuset assignments for a run. It holds
// the machine's total resource sets but never the current allocation
// state — the caller computes what is in use and passes it in on every
// call, so propose has no side effects and nothing to keep consistent
// under concurrent access.
package allocator
