package host

import (
	"context"
	"fmt"
	"time"

	"github.com/conduit-hie/conduit/pkg/config"
)

// Init runs the one-shot OnInit hook. Calling it twice is an error.
func (h *Host) Init(ctx context.Context) error {
	h.mu.Lock()
	if h.initialized {
		h.mu.Unlock()
		return fmt.Errorf("host %s: already initialised", h.name)
	}
	h.mu.Unlock()

	if err := h.behaviour.OnInit(ctx); err != nil {
		h.fail(err)
		return err
	}
	h.mu.Lock()
	h.initialized = true
	h.mu.Unlock()
	return nil
}

// Start acquires adapters via OnStart and launches the worker pool. It is
// idempotent while already running.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.state == StateRunning {
		h.mu.Unlock()
		return nil
	}
	if !h.initialized {
		h.mu.Unlock()
		return errNotInitialised(h.name)
	}
	h.state = StateStarting
	h.mu.Unlock()

	if err := h.behaviour.OnStart(ctx); err != nil {
		h.fail(err)
		return err
	}

	h.mu.Lock()
	workerCount := h.settings.WorkerCount
	// A stop-then-start cycle needs a fresh root context: Stop cancelled
	// the previous one to unwind the old workers.
	if h.rootCtx.Err() != nil {
		h.rootCtx, h.rootCancel = context.WithCancel(context.Background())
	}
	rootCtx := h.rootCtx
	h.mu.Unlock()
	if workerCount < 1 {
		workerCount = 1
	}
	handle, err := h.strategy.Start(rootCtx, h.workerFn, workerCount, h.execLogger)
	if err != nil {
		h.fail(err)
		return err
	}

	h.mu.Lock()
	h.handle = handle
	h.state = StateRunning
	h.runningSince = time.Now().UTC()
	h.mu.Unlock()
	return nil
}

// Pause parks the worker loop at its next suspension point without
// stopping workers or losing queue contents.
func (h *Host) Pause() error {
	h.mu.Lock()
	if h.state != StateRunning {
		h.mu.Unlock()
		return fmt.Errorf("host %s: cannot pause from state %s", h.name, h.state)
	}
	h.state = StatePaused
	h.mu.Unlock()

	h.pauseMu.Lock()
	h.paused = true
	h.pauseMu.Unlock()
	return nil
}

// Resume wakes a paused worker loop.
func (h *Host) Resume() error {
	h.mu.Lock()
	if h.state != StatePaused {
		h.mu.Unlock()
		return fmt.Errorf("host %s: cannot resume from state %s", h.name, h.state)
	}
	h.state = StateRunning
	h.mu.Unlock()

	h.pauseMu.Lock()
	h.paused = false
	h.pauseCond.Broadcast()
	h.pauseMu.Unlock()
	return nil
}

// Stop transitions through stopping, waits up to timeout for in-flight
// workers to finish, and runs OnStop/OnTeardown. Queued-but-undequeued
// envelopes remain in the queue for WAL replay to account for.
func (h *Host) Stop(ctx context.Context, timeout time.Duration) error {
	h.mu.Lock()
	if h.state == StateStopped {
		h.mu.Unlock()
		return nil
	}
	h.state = StateStopping
	handle := h.handle
	h.mu.Unlock()

	// Unblock anything parked on the pause gate so it can observe
	// cancellation instead of waiting forever.
	h.pauseMu.Lock()
	h.paused = false
	h.pauseCond.Broadcast()
	h.pauseMu.Unlock()

	if handle != nil {
		handle.Stop(timeout)
	}
	h.rootCancel()

	stopErr := h.behaviour.OnStop(ctx)
	teardownErr := h.behaviour.OnTeardown(ctx)

	h.mu.Lock()
	h.state = StateStopped
	h.mu.Unlock()

	if stopErr != nil {
		return stopErr
	}
	return teardownErr
}

// Reload performs the hot-reload sequence: stop workers
// (draining in-flight work up to drain_timeout), release adapters, apply
// the new settings, reacquire adapters, and restart workers. The queue
// instance and its contents are untouched throughout, satisfying "queue
// and pending_requests are preserved across reload".
func (h *Host) Reload(ctx context.Context, newSettings config.HostSettings) error {
	h.mu.Lock()
	if h.state != StateRunning && h.state != StatePaused {
		h.mu.Unlock()
		return fmt.Errorf("host %s: cannot reload from state %s", h.name, h.state)
	}
	wasPaused := h.state == StatePaused
	handle := h.handle
	drain := time.Duration(h.settings.DrainTimeoutMS) * time.Millisecond
	if drain <= 0 {
		drain = 10 * time.Second
	}
	h.mu.Unlock()

	if handle != nil {
		handle.Stop(drain)
	}
	if err := h.behaviour.OnStop(ctx); err != nil {
		h.fail(err)
		return err
	}

	h.mu.Lock()
	if newSettings.QueueType != "" && newSettings.QueueType != h.settings.QueueType {
		h.logger.Warn(ctx, "host_reload_queue_type_ignored", map[string]any{
			"host": h.name, "from": h.settings.QueueType, "to": newSettings.QueueType,
		})
		newSettings.QueueType = h.settings.QueueType
	}
	h.settings = newSettings
	h.mu.Unlock()

	rootCtx, rootCancel := context.WithCancel(context.Background())
	h.mu.Lock()
	h.rootCtx, h.rootCancel = rootCtx, rootCancel
	h.mu.Unlock()

	if err := h.behaviour.OnStart(ctx); err != nil {
		h.fail(err)
		return err
	}
	workerCount := newSettings.WorkerCount
	if workerCount < 1 {
		workerCount = 1
	}
	newHandle, err := h.strategy.Start(rootCtx, h.workerFn, workerCount, h.execLogger)
	if err != nil {
		h.fail(err)
		return err
	}

	h.mu.Lock()
	h.handle = newHandle
	// A Host paused before reload stays paused after it; the pause gate
	// (h.paused) was never cleared, so the fresh workers park until Resume.
	if wasPaused {
		h.state = StatePaused
	} else {
		h.state = StateRunning
	}
	h.runningSince = time.Now().UTC()
	h.mu.Unlock()
	return nil
}

// Recover restarts a Host out of StateError with its current settings:
// the auto-restart path the supervisor drives. Workers are
// new; the queue and its contents are untouched.
func (h *Host) Recover(ctx context.Context) error {
	h.mu.Lock()
	if h.state != StateError {
		h.mu.Unlock()
		return fmt.Errorf("host %s: recover from state %s", h.name, h.state)
	}
	handle := h.handle
	settings := h.settings
	h.mu.Unlock()

	if handle != nil {
		handle.Stop(time.Second)
	}
	_ = h.behaviour.OnStop(ctx)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	h.mu.Lock()
	h.rootCtx, h.rootCancel = rootCtx, rootCancel
	h.mu.Unlock()

	if err := h.behaviour.OnStart(ctx); err != nil {
		h.fail(err)
		return err
	}
	workerCount := settings.WorkerCount
	if workerCount < 1 {
		workerCount = 1
	}
	newHandle, err := h.strategy.Start(rootCtx, h.workerFn, workerCount, h.execLogger)
	if err != nil {
		h.fail(err)
		return err
	}

	h.mu.Lock()
	h.handle = newHandle
	h.state = StateRunning
	h.lastErr = nil
	h.runningSince = time.Now().UTC()
	h.mu.Unlock()
	return nil
}

// MaybeResetRestartCount zeroes restart_count once the Host has sustained
// StateRunning for restart_delay * 10, called periodically
// by the Production Engine's supervisor loop.
func (h *Host) MaybeResetRestartCount() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateRunning || h.restartCount == 0 {
		return
	}
	sustain := time.Duration(h.settings.RestartDelayMS) * time.Millisecond * 10
	if sustain <= 0 {
		sustain = 10 * time.Second
	}
	if time.Since(h.runningSince) >= sustain {
		h.restartCount = 0
	}
}

// NoteRestart increments restart_count; called by the supervisor right
// before it calls Recover to perform an auto-restart.
func (h *Host) NoteRestart() {
	h.mu.Lock()
	h.restartCount++
	h.mu.Unlock()
}

// RestartAllowed reports whether restart_policy/max_restarts permit another
// automatic restart.
func (h *Host) RestartAllowed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	switch h.settings.RestartPolicy {
	case config.RestartNever:
		return false
	case config.RestartAlways:
		return true
	case config.RestartOnFailure:
		return h.settings.MaxRestarts <= 0 || h.restartCount < h.settings.MaxRestarts
	default:
		return h.settings.MaxRestarts <= 0 || h.restartCount < h.settings.MaxRestarts
	}
}

// RestartDelay is the configured pause before an auto-restart.
func (h *Host) RestartDelay() time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return time.Duration(h.settings.RestartDelayMS) * time.Millisecond
}
