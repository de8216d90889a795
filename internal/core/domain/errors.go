package domain

import "errors"

var (
	ErrSessionNotFound        = errors.New("session not found")
	ErrSessionExists          = errors.New("session already exists")
	ErrRoomNotFound           = errors.New("room not found")
	ErrConnectionNotFound     = errors.New("connection not found")
	ErrNotInRoom              = errors.New("sender not in room")
	ErrAlreadyInDifferentRoom = errors.New("connection already in a different room")
	ErrUnauthorizedRole       = errors.New("role not authorized for operation")
	ErrEncodeStartFailure     = errors.New("no encode job could be started")
	ErrUnknownVariant         = errors.New("unknown quality variant")
)
