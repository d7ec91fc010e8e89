package router

import "errors"

// Sentinel error categories checked with errors.Is/errors.As at reactor
// boundaries (spec §7 error-handling taxonomy). Call sites wrap one of
// these with fmt.Errorf("...: %w", ErrX) so callers can classify a
// failure without string-matching its message, the same propagation
// discipline the teacher's link/circuit packages follow with plain
// wrapped errors, generalized here into named categories since this
// package is the one boundary every error eventually crosses.
var (
	// ErrParse covers malformed wire data: a RouterInfo, I2NP header,
	// build record, or fragment that fails to decode.
	ErrParse = errors.New("router: parse error")

	// ErrCrypto covers signature/MAC/decrypt failures.
	ErrCrypto = errors.New("router: crypto error")

	// ErrTimeout covers handshake, tunnel-build, and resend timeouts.
	ErrTimeout = errors.New("router: timeout")

	// ErrOverflow covers bounded-queue and transit-limit rejections.
	ErrOverflow = errors.New("router: overflow")

	// ErrConfig covers invalid or missing Config fields at startup.
	ErrConfig = errors.New("router: config error")
)
