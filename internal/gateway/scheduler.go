// ABOUTME: Named cancellable timer service owned by the client.
// ABOUTME: Arming a name replaces the previous handle so no timer is ever double-armed.

package gateway

import (
	"sync"
	"time"
)

// scheduler owns every timer the client arms: keepalive and liveness
// intervals, per-request and per-turn timeouts, the reconnect delay.
// Handles are keyed by name; arming an existing name cancels the old
// handle first. StopAll is the disconnect path's single cleanup call.
type scheduler struct {
	mu      sync.Mutex
	handles map[string]func()
}

func newScheduler() *scheduler {
	return &scheduler{handles: make(map[string]func())}
}

// After arms a one-shot timer under the given name. The handle removes
// itself when it fires, so a later Stop for the same name is a no-op.
func (s *scheduler) After(name string, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cancel, ok := s.handles[name]; ok {
		cancel()
	}

	t := time.AfterFunc(d, func() {
		s.mu.Lock()
		delete(s.handles, name)
		s.mu.Unlock()
		fn()
	})
	s.handles[name] = func() { t.Stop() }
}

// Every arms a repeating timer under the given name.
func (s *scheduler) Every(name string, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cancel, ok := s.handles[name]; ok {
		cancel()
	}

	ticker := time.NewTicker(d)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				fn()
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	s.handles[name] = func() {
		once.Do(func() {
			ticker.Stop()
			close(done)
		})
	}
}

// Stop cancels the handle with the given name, if armed.
func (s *scheduler) Stop(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cancel, ok := s.handles[name]; ok {
		cancel()
		delete(s.handles, name)
	}
}

// StopAll cancels every armed handle.
func (s *scheduler) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, cancel := range s.handles {
		cancel()
		delete(s.handles, name)
	}
}
