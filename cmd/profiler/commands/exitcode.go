package commands

import "github.com/nova-infer/server/pkg/servingerrors"

// ExitCode maps a profiler run's terminal error to the process exit code
// contract of spec section 6: 0 on full search completion, 1 on
// configuration error, 2 on unrecoverable measurement error.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch servingerrors.KindOf(err) {
	case servingerrors.InvalidArgument, servingerrors.NotFound, servingerrors.Unknown:
		// Unknown covers errors not constructed through servingerrors (bad
		// flags, an unreachable --target, an unknown --search-mode) — those
		// are configuration problems, not measurement failures.
		return 1
	default:
		return 2
	}
}
