package model

import (
	"errors"
)

var (
	ErrTooBig             = errors.New("file too big")
	ErrUnsupportedVersion = errors.New("config version is not supported")
)
