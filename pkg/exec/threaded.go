package exec

import (
	"context"
	"runtime"
	"sync"
)

// Threaded pins each worker to its own OS thread via runtime.LockOSThread,
// for hosts wrapping blocking client libraries that are unsafe to share
// across goroutines migrating between threads.
type Threaded struct{}

func (Threaded) Kind() string { return "threaded" }

func (Threaded) Start(ctx context.Context, fn WorkerFn, count int, logger LoggerFn) (Handle, error) {
	if count < 1 {
		count = 1
	}
	logger = safeLogger(logger)
	workerCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(count)
	for i := 0; i < count; i++ {
		go func(id int) {
			defer wg.Done()
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			fn(workerCtx, id)
		}(i)
	}
	logger("info", "exec_started", map[string]any{"strategy": "threaded", "workers": count})
	return &cooperativeHandle{cancel: cancel, wg: &wg, logger: logger}, nil
}
