// Package fault injects errors into fake adapters at named points.
package fault

import (
	"fmt"
	"strings"
	"sync"

	"trustmesh/internal/check"
)

// Hook inspects call arguments and may return an error to inject.
type Hook func(args ...any) error

type pointFault struct {
	queued    []error
	alwaysErr error
	hook      Hook
	hits      int
}

// Injector manages per-point fault injection for fake adapters.
// It supports queued one-shot failures, persistent failures, and
// argument-aware hooks.
type Injector struct {
	mu     sync.Mutex
	points map[string]*pointFault
}

func NewInjector() *Injector {
	return &Injector{points: make(map[string]*pointFault)}
}

func (i *Injector) with(point string, fn func(*pointFault)) {
	check.Assert(strings.TrimSpace(point) != "", "fault.Injector: point must not be empty")
	if i == nil || strings.TrimSpace(point) == "" {
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	pf, ok := i.points[point]
	if !ok {
		pf = &pointFault{}
		i.points[point] = pf
	}
	fn(pf)
}

// FailOnce injects err for the next evaluation of point.
func (i *Injector) FailOnce(point string, err error) {
	i.FailTimes(point, 1, err)
}

// FailTimes injects err for the next n evaluations of point.
func (i *Injector) FailTimes(point string, n int, err error) {
	check.Assert(err != nil, "fault.Injector.FailTimes: err must not be nil")
	if err == nil {
		return
	}
	i.with(point, func(pf *pointFault) {
		for range n {
			pf.queued = append(pf.queued, err)
		}
	})
}

// FailAlways injects err on every evaluation of point until cleared.
func (i *Injector) FailAlways(point string, err error) {
	i.with(point, func(pf *pointFault) { pf.alwaysErr = err })
}

// SetHook sets an argument-aware hook for point.
func (i *Injector) SetHook(point string, hook Hook) {
	i.with(point, func(pf *pointFault) { pf.hook = hook })
}

// Clear removes all faults for a single point.
func (i *Injector) Clear(point string) {
	if i == nil {
		return
	}
	i.mu.Lock()
	delete(i.points, point)
	i.mu.Unlock()
}

// Reset removes all configured faults.
func (i *Injector) Reset() {
	if i == nil {
		return
	}
	i.mu.Lock()
	i.points = make(map[string]*pointFault)
	i.mu.Unlock()
}

// Hits returns how many injected errors point has produced.
func (i *Injector) Hits(point string) int {
	if i == nil {
		return 0
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if pf := i.points[point]; pf != nil {
		return pf.hits
	}
	return 0
}

// Eval evaluates whether point should fail for this call.
// Precedence: hook -> queued -> always.
func (i *Injector) Eval(point string, args ...any) error {
	if i == nil {
		return nil
	}

	i.mu.Lock()
	pf := i.points[point]
	if pf == nil {
		i.mu.Unlock()
		return nil
	}
	hook := pf.hook
	var queued error
	if len(pf.queued) > 0 {
		queued = pf.queued[0]
		pf.queued = pf.queued[1:]
	}
	alwaysErr := pf.alwaysErr
	i.mu.Unlock()

	var hookErr error
	if hook != nil {
		hookErr = hook(args...)
	}

	var err error
	switch {
	case hookErr != nil:
		err = fmt.Errorf("fault %s (hook): %w", point, hookErr)
	case queued != nil:
		err = fmt.Errorf("fault %s (queued): %w", point, queued)
	case alwaysErr != nil:
		err = fmt.Errorf("fault %s (always): %w", point, alwaysErr)
	default:
		return nil
	}

	i.mu.Lock()
	pf.hits++
	i.mu.Unlock()
	return err
}
