package exec

import (
	"context"
	"sync"
)

// Single runs exactly one worker on one goroutine and ignores count, for
// debugging a host's processing logic without concurrent interleaving.
type Single struct{}

func (Single) Kind() string { return "single" }

func (Single) Start(ctx context.Context, fn WorkerFn, _ int, logger LoggerFn) (Handle, error) {
	logger = safeLogger(logger)
	workerCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		fn(workerCtx, 0)
	}()
	logger("info", "exec_started", map[string]any{"strategy": "single", "workers": 1})
	return &cooperativeHandle{cancel: cancel, wg: &wg, logger: logger}, nil
}
