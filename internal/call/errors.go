package call

import "errors"

var (
	// ErrMediaAccessDenied means the user or the OS refused capture.
	ErrMediaAccessDenied = errors.New("media access denied")
	// ErrDeviceUnavailable means no usable camera or microphone was found.
	ErrDeviceUnavailable = errors.New("media device unavailable")
	// ErrSignalingWrite wraps a failed write to the call document.
	ErrSignalingWrite = errors.New("signaling write failed")
	// ErrBusy is returned when a call is already active.
	ErrBusy = errors.New("line busy")
	// ErrCallNotRinging means the call is not addressed to us or left calling.
	ErrCallNotRinging = errors.New("call is not ringing")
	// ErrSessionClosed is returned by operations on a finished session.
	ErrSessionClosed = errors.New("call session closed")
)
