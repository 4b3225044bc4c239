package updater

import "errors"

var (
	// ErrAlreadyInProgress is returned when another session is registered.
	ErrAlreadyInProgress = errors.New("another update is in progress")

	// ErrSessionCreate is returned when the engine cannot allocate write state.
	ErrSessionCreate = errors.New("failed to create updater context")

	// ErrNoUpdateURL is returned when a pull request has no URL and none is configured.
	ErrNoUpdateURL = errors.New("update URL not specified and none is configured")

	// ErrUpdatesDisabled is returned when POST updates are turned off.
	ErrUpdatesDisabled = errors.New("POST updates are disabled")
)

// Reply texts sent on the wire.
const (
	MsgUpdatesDisabled   = "POST updates are disabled."
	MsgAlreadyInProgress = "Another update is in progress."
	MsgSessionCreate     = "Failed to create updater context."
	MsgNoUpdateURL       = "Update URL not specified and none is configured."
	MsgUpdateAborted     = "Update aborted"
	MsgUnknownError      = "Unknown error"
	MsgOk                = "Ok"
	MsgError             = "Error"
)
