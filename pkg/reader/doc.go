// Package reader implements the node's Reader collaborator: it serves
// file contents and directory listings out of a run's bundle directory,
// delivering them through the reply-callback streaming convention the
// RunManager's read operation uses.
package reader
