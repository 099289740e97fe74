package domain

import "errors"

var (
	ErrQueueFull           = errors.New("outbound queue full")
	ErrConnectionClosed    = errors.New("connection closed")
	ErrInvalidRoomID       = errors.New("invalid room id")
	ErrRoomNotFound        = errors.New("room not found")
	ErrUnknownConnection   = errors.New("unknown connection")
	ErrDuplicateConnection = errors.New("connection already registered")
	ErrRelayStopped        = errors.New("relay is stopped")
)
