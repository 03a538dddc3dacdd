// Package imagecache implements the node's ImageManager collaborator: a
// background pool of image pulls backed by the container runtime, with
// readiness tracked per image reference so the state machine never blocks
// waiting on a pull.
package imagecache
