// Package exec abstracts how a Host's workers run: one Strategy
// interface, four concrete worker kinds backing it. A Host is agnostic
// to which Strategy its workers run under.
package exec

import (
	"context"
	"errors"
	"sync"
	"time"
)

// WorkerFn is the loop a Strategy drives repeatedly until ctx is cancelled.
// Implementations block on queue dequeue internally and return when ctx is
// done or a non-recoverable error occurs.
type WorkerFn func(ctx context.Context, workerID int)

// LoggerFn mirrors the shared structured-logging call shape used across
// the runtime's hand-off points.
type LoggerFn func(level, msg string, fields map[string]any)

var (
	ErrAlreadyStarted = errors.New("exec: strategy already started")
	ErrNotStarted      = errors.New("exec: strategy not started")
)

// Handle is an opaque reference to a started worker set;
// "start_workers returns opaque worker handles".
type Handle interface {
	// Stop requests shutdown and waits up to timeout. If any worker is
	// still running past timeout, Stop stops waiting and reports it through
	// StopResult.Forced and WaitTimeout; the goroutine itself is not killed.
	Stop(timeout time.Duration) StopResult
}

// StopResult reports what Stop actually observed.
type StopResult struct {
	Graceful    int
	Forced      int
	WaitTimeout bool
}

// Strategy starts count workers running fn and returns a Handle to stop
// them later.
type Strategy interface {
	Start(ctx context.Context, fn WorkerFn, count int, logger LoggerFn) (Handle, error)
	Kind() string
}

func nopLogger(string, string, map[string]any) {}

func safeLogger(l LoggerFn) LoggerFn {
	if l == nil {
		return nopLogger
	}
	return l
}

// waitWithTimeout waits on wg via a done channel, returning whether it
// completed within d.
func waitWithTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
