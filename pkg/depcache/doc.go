// Package depcache implements the node's DependencyManager collaborator:
// it downloads a dependency's contents from its parent bundle into a
// local cache directory, reference-counts each local copy across
// concurrent runs, and persists the reference counts in a bbolt bucket so
// a restart does not leak cache entries whose owning run it has forgotten
// about.
package depcache
