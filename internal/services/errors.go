// Package services implements the milap engine components: presence,
// connections, messaging, and profiles. This file centralizes service-level
// error values so they can be consistently returned by service methods and
// mapped to user-facing messages or HTTP status codes at the handler layer.
//
// Note what is deliberately NOT an error: mutating a stale reference
// (accepting an already-resolved request, removing an absent presence entry
// or project) is a no-op by construction, because idempotence under
// at-least-once delivery matters more than strict precondition checking.
package services

import "errors"

var (
	// ErrEmptyName is returned when an operation requires a display name
	// and none (after trimming) was provided.
	ErrEmptyName = errors.New("display name is empty")

	// ErrEmptyText is returned when a chat message contains no text after
	// trimming.
	ErrEmptyText = errors.New("message text is empty")

	// ErrTooLong is returned when a chat message exceeds the configured
	// maximum length.
	ErrTooLong = errors.New("message text too long")

	// ErrBadRoom is returned when a room name is empty or contains a path
	// separator.
	ErrBadRoom = errors.New("invalid room name")

	// ErrBadIdentity is returned when an identity token is empty or
	// contains a path separator.
	ErrBadIdentity = errors.New("invalid identity")

	// ErrSelfConnection is returned when an identity attempts to send a
	// connection request to itself.
	ErrSelfConnection = errors.New("cannot connect to self")

	// ErrProfileNotFound indicates that no user record exists for the
	// requested identity.
	ErrProfileNotFound = errors.New("profile not found")

	// ErrEmptyProjectName is returned when a project is added without a
	// name.
	ErrEmptyProjectName = errors.New("project name is empty")
)
