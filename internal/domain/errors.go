package domain

import "errors"

var (
	// ErrNotAuthenticated means no usable credential exists and the user must
	// run the login flow. It is terminal for the session: callers must not
	// retry the operation that produced it.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrAuthRejected means the remote service rejected the presented
	// credential. One refresh+retry cycle is allowed before it is surfaced.
	ErrAuthRejected = errors.New("authorization rejected")

	// ErrDeviceExpired means the device registration was invalidated by the
	// service. It triggers immediate re-registration and is never
	// user-visible.
	ErrDeviceExpired = errors.New("device registration expired")

	ErrRoomNotFound    = errors.New("room not found")
	ErrMessageNotFound = errors.New("message not found")
)
