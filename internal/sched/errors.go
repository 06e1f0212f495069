package sched

import (
	"errors"
	"fmt"

	sdfslog "github.com/sdfs-io/sdfs/pkg/log"
)

var (
	errNotATask     = errors.New("sched: not running inside a task")
	errDoubleResume = errors.New("sched: resume without matching yield")
	errShutdown     = errors.New("sched: scheduler is shutting down")
)

func errRecovered(r any) error {
	return fmt.Errorf("sched: recovered panic: %v", r)
}

var log = sdfslog.WithComponent("sched")
