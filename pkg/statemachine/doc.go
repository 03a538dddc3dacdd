// Package statemachine implements the run lifecycle engine's central
// component: a single Transition entry point that advances one run across
// PREPARING, RUNNING, CLEANING_UP, UPLOADING_RESULTS, FINALIZING and
// FINISHED, invoking the container runtime, image cache, dependency cache
// and allocator collaborators along the way.
//
// Transition is pure with respect to the RunState it is given — it always
// returns the next state rather than mutating the caller's copy — but is
// free to perform external side effects (starting containers, requesting
// dependencies) keyed by the run's identity. Every transition is written
// to be idempotent: calling it again after it has already made progress
// observes the same collaborator state and produces the same next state.
package statemachine
