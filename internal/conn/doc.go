// Package conn owns one accepted connection.
//
// Ownership boundary:
// - the connection's single sequence of execution (mailbox loop)
// - top-level pipeline instance and, when multiplexed, the stream router
// - reply envelopes and their destination dispatch
// - transport writes and teardown
package conn
