package replica

import "errors"

var (
	errNotRunning = errors.New("replica: not running inside a scheduler task")
	errShortIO    = errors.New("replica: byte count returned by kernel did not match request")
)
