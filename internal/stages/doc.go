// Package stages owns the stage catalogue composed into protocol pipelines.
//
// Ownership boundary:
// - build options and per-stage gates
// - legacy and multiplexed codecs
// - request aggregation, pipelining, header injection and idle timeout
// - the default profile table
package stages
