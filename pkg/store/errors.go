package store

import "errors"

var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConversationInactive is returned when writing to a deactivated conversation.
	ErrConversationInactive = errors.New("store: conversation inactive")
)
