package amd

import "errors"

var (
	// ErrDuplicateSession is returned when a session is created for a call id
	// that already has an active session. The existing session is untouched.
	ErrDuplicateSession = errors.New("amd: session already active for call")

	// ErrDisconnected is returned by [Controller.Run] when the transport went
	// away or the session was cancelled before a decision was reached. No
	// decision is reported for such a session.
	ErrDisconnected = errors.New("amd: transport disconnected before decision")

	// ErrEngineUnavailable is returned when no speech engine is configured or
	// none can currently open a stream.
	ErrEngineUnavailable = errors.New("amd: speech engine unavailable")

	// ErrMalformedFrame may be returned by a [SpeechSource] for a frame it
	// cannot decode. Sessions skip such frames.
	ErrMalformedFrame = errors.New("amd: malformed audio frame")

	// ErrInvalidSession is returned for an empty call id or a non-positive
	// sample rate.
	ErrInvalidSession = errors.New("amd: invalid session parameters")
)
