// Package log provides the process-wide structured logger used by every
// component of the node daemon. It is the one intentional singleton in
// this module (see the design note on injected collaborators vs.
// process-global state) because logging is a cross-cutting ambient
// concern, not a collaborator the core reasons about.
package log
