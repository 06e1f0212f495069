package aio

import "errors"

var (
	errRingFull = errors.New("aio: submission ring full")
	errNotATask = errors.New("aio: Commit called outside a scheduler task")
)
