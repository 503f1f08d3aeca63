package core

import "errors"

var (
	ErrChannelExists = errors.New("channel already exists")
	ErrChannelLimit  = errors.New("channel limit reached")
)
