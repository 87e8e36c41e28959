package model

import (
	"errors"
)

var (
	ErrMissingField    = errors.New("missing field")
	ErrUnsupportedType = errors.New("unsupported message type")
	ErrReceiveTimeout  = errors.New("receive timeout")
	ErrClosed          = errors.New("closed")
)
