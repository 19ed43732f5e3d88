// Package pipeline owns stage composition.
//
// Ownership boundary:
// - stage catalogue entries and build-time predicates
// - immutable stage templates
// - per-instance pipelines with event/command directions
//
// Event direction runs in declaration order (transport -> application).
// Command direction runs in reverse (application -> transport).
package pipeline
