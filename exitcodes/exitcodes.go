// Package exitcodes defines the exit codes of op-sauce.
//
// * Success (0): every selected job passed
// * TestFailure (1): at least one job failed
// * RuntimeErr (2): configuration errors, panics or anything that kept jobs from running
package exitcodes

const (
	Success     = 0
	TestFailure = 1
	RuntimeErr  = 2
)
