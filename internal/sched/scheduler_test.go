package sched

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sdfs-io/sdfs/pkg/sdfserr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestRoundTrip(t *testing.T) {
	s := NewScheduler(2)
	defer s.Shutdown()

	v, err := s.Request(context.Background(), 7, -1, "noop", func(ctx context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestYieldResumeDeliversValue(t *testing.T) {
	s := NewScheduler(1)
	defer s.Shutdown()

	started := make(chan struct{})
	var task *Task

	go func() {
		s.Request(context.Background(), 1, -1, "park", func(ctx context.Context) (int, error) {
			task = TaskGet(ctx)
			close(started)
			v, ptr, err := Yield(ctx, "wait-for-resume", 0)
			if err != nil {
				return -1, err
			}
			if s, ok := ptr.(string); ok && s == "payload" {
				return v, nil
			}
			return -2, nil
		})
	}()

	<-started
	require.Eventually(t, func() bool { return task.parked.Load() }, time.Second, time.Millisecond)

	require.NoError(t, Resume(task, 99, "payload"))
	require.Eventually(t, func() bool {
		select {
		case <-task.doneCh:
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond)
	assert.Equal(t, 99, task.result)
}

func TestRequestHonorsWorkerHint(t *testing.T) {
	s := NewScheduler(4)
	defer s.Shutdown()

	var w *Worker
	_, err := s.Request(context.Background(), 999, 2, "hinted", func(ctx context.Context) (int, error) {
		w = Self(ctx)
		return 0, nil
	})
	require.NoError(t, err)
	assert.Same(t, s.workers[2], w)
}

func TestSelfReturnsNilOutsideTask(t *testing.T) {
	assert.Nil(t, Self(context.Background()))
}

func TestWorkerForIsStableAffinity(t *testing.T) {
	s := NewScheduler(4)
	defer s.Shutdown()

	w1 := s.WorkerFor(100)
	w2 := s.WorkerFor(100)
	assert.Same(t, w1, w2)
}

func TestTaskPanicDoesNotCrashWorker(t *testing.T) {
	s := NewScheduler(1)
	defer s.Shutdown()

	_, err := s.Request(context.Background(), 1, -1, "boom", func(ctx context.Context) (int, error) {
		panic("kaboom")
	})
	assert.Error(t, err)

	v, err := s.Request(context.Background(), 1, -1, "still-alive", func(ctx context.Context) (int, error) {
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestResumeWithoutYieldIsFatal(t *testing.T) {
	s := NewScheduler(1)
	defer s.Shutdown()

	orig := sdfserr.OnFatal
	var fatalCalled atomic.Bool
	sdfserr.OnFatal = func(err error) { fatalCalled.Store(true) }
	defer func() { sdfserr.OnFatal = orig }()

	v, err := s.Request(context.Background(), 1, -1, "quick", func(ctx context.Context) (int, error) {
		return 1, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	task := &Task{resumeCh: make(chan resumeMsg, 1), worker: s.workers[0]}
	_ = Resume(task, 0, nil)
	assert.True(t, fatalCalled.Load())
}

func TestNewThreadOffloadsBlockingWork(t *testing.T) {
	s := NewScheduler(1)
	s.RegisterThreadOps(ThreadReplica, 2)
	defer s.Shutdown()

	v, err := s.Request(context.Background(), 1, -1, "offload", func(ctx context.Context) (int, error) {
		return s.NewThread(ctx, ThreadReplica, "sleep", 0, func() (int, error) {
			time.Sleep(10 * time.Millisecond)
			return 5, nil
		})
	})
	require.NoError(t, err)
	assert.Equal(t, 5, v)
}

func TestNewThreadPropagatesError(t *testing.T) {
	s := NewScheduler(1)
	s.RegisterThreadOps(ThreadReplica, 1)
	defer s.Shutdown()

	wantErr := errors.New("disk offline")
	_, err := s.Request(context.Background(), 1, -1, "offload-err", func(ctx context.Context) (int, error) {
		return s.NewThread(ctx, ThreadReplica, "fail", 0, func() (int, error) {
			return -1, wantErr
		})
	})
	assert.ErrorIs(t, err, wantErr)
}

func TestWorkerSerializesItsTasks(t *testing.T) {
	s := NewScheduler(1)
	defer s.Shutdown()

	var active int32
	var maxActive int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			s.Request(context.Background(), 3, -1, "count", func(ctx context.Context) (int, error) {
				cur := atomic.AddInt32(&active, 1)
				for {
					old := atomic.LoadInt32(&maxActive)
					if cur <= old || atomic.CompareAndSwapInt32(&maxActive, old, cur) {
						break
					}
				}
				atomic.AddInt32(&active, -1)
				return n, nil
			})
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxActive, "a single worker must never run two tasks' code concurrently")
}

func TestConcurrentRequestsAcrossWorkersReturnOwnResults(t *testing.T) {
	s := NewScheduler(4)
	defer s.Shutdown()

	var wg sync.WaitGroup
	start := make(chan struct{})
	results := make(chan int, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(chk uint64) {
			defer wg.Done()
			<-start
			v, _ := s.Request(context.Background(), chk, -1, "parallel", func(ctx context.Context) (int, error) {
				return int(chk), nil
			})
			results <- v
		}(uint64(i))
	}
	close(start)
	wg.Wait()
	close(results)

	seen := map[int]bool{}
	for v := range results {
		seen[v] = true
	}
	assert.Len(t, seen, 4)
}
