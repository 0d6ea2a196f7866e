package socket

import "errors"

var (
	// ErrConnectionLost reports a closed or broken socket. Every pending
	// request fails with it during teardown, and Connect returns it so
	// the caller can decide whether to reconnect.
	ErrConnectionLost = errors.New("connection lost")

	// ErrRequestTimeout reports that a single request did not receive
	// its control response within the send budget. Only that call fails.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrProtocolViolation reports a control response whose correlation
	// id matched no pending request. Correlation can no longer be
	// trusted, so the connection is torn down.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrUnauthorized reports that the server rejected our credentials.
	// Distinct from ErrConnectionLost so the caller refreshes the token
	// instead of retrying blindly.
	ErrUnauthorized = errors.New("unauthorized")
)
