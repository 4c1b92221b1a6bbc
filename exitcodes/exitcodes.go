// Package exitcodes defines the standard exit codes used by op-scheduler.
package exitcodes

// Exit code constants used by op-scheduler:
//
// * Success (0): every test passed or was skipped
// * TestFailure (1): one or more tests failed or were cancelled
// * RuntimeErr (2): configuration errors, unreadable plans, panics
const (
	Success     = 0 // All tests pass
	TestFailure = 1 // Test failures
	RuntimeErr  = 2 // Runtime errors
)
