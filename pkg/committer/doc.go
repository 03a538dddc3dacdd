// Package committer persists a snapshot of every active run to a single
// file, atomically: the snapshot is written to a sibling temporary file
// and renamed over the target, so a crash mid-write never leaves a
// half-written snapshot on disk. JSON is used for the opaque
// self-describing encoding the spec calls for — there is no library in
// this module's lineage for atomic file replacement, so this one package
// reaches for os.Rename directly rather than a third-party store.
package committer
