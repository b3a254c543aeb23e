// Package eventloop implements the collector's single cooperative
// multiplexer. The dispatcher, each device worker and the database
// worker register an AsyncQueue source with a Loop instead of calling
// another component's methods synchronously. The control server does
// not register a source; it runs its own accept and per-client
// goroutines.
package eventloop

import (
	"context"
	"reflect"
	"sort"
	"sync"
)

// Priority is consulted when several sources are ready in the same
// iteration. Within a priority, ready-ordering is stable across
// repeated runs (insertion order), matching the specification's
// "implementation-defined but stable" requirement.
type Priority int

const (
	Low Priority = iota
	Normal
	High
)

// Source is one event source registered with a Loop: a timer, a
// user-triggered event, or an async queue drain. Pollable file
// descriptors are modelled the same way as AsyncQueue — a goroutine
// performs the blocking read/accept and forwards results over ready,
// which the Loop multiplexes with everything else in one select.
type Source struct {
	Name     string
	Priority Priority
	// Prepare is consulted before the source is considered for
	// delivery on the current iteration; a false result skips it this
	// round without removing it.
	Prepare func() bool
	// Finalize runs once, when the source is removed from the loop.
	Finalize func()

	ready chan func()
	done  chan struct{}
}

// NewSource constructs a Source. ready is the channel the source's own
// producer goroutine sends delivery thunks on; the Loop only ever
// receives from it.
func NewSource(name string, priority Priority, ready chan func()) *Source {
	return &Source{Name: name, Priority: priority, ready: ready, done: make(chan struct{})}
}

// Loop is the single cooperative multiplexer. Register, Remove and Stop
// are guarded by an internal mutex and may be called from any
// goroutine, including while Run is executing; Run itself is meant to
// be driven by a single goroutine.
type Loop struct {
	mu      sync.Mutex
	sources []*Source
	stopCh  chan struct{}
	stopped bool
}

// New returns an empty, unstarted Loop.
func New() *Loop {
	return &Loop{stopCh: make(chan struct{})}
}

// Register adds src to the loop. It is safe to call before or while
// Run is executing.
func (l *Loop) Register(src *Source) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sources = append(l.sources, src)
}

// Remove unregisters src, running its Finalize hook exactly once.
func (l *Loop) Remove(src *Source) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, s := range l.sources {
		if s == src {
			l.sources = append(l.sources[:i], l.sources[i+1:]...)
			close(src.done)
			if src.Finalize != nil {
				src.Finalize()
			}
			return
		}
	}
}

// Stop requests the loop to exit after completing its current
// iteration. It is the only way the loop terminates; Run never returns
// on its own.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.stopped {
		l.stopped = true
		close(l.stopCh)
	}
}

// snapshot returns sources ordered by priority (High first), stable
// within a priority by registration order — the loop's ready-ordering
// contract.
func (l *Loop) snapshot() []*Source {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Source, len(l.sources))
	copy(out, l.sources)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

// Run blocks, dispatching ready sources until Stop is called or ctx is
// cancelled. Each iteration builds a fresh select over every currently
// registered, "prepared" source's ready channel plus the stop/cancel
// signals, so sources added or removed mid-run take effect on the next
// iteration.
func (l *Loop) Run(ctx context.Context) {
	for {
		select {
		case <-l.stopCh:
			return
		case <-ctx.Done():
			l.Stop()
			return
		default:
		}

		srcs := l.snapshot()
		cases := make([]selectCase, 0, len(srcs)+2)
		for _, s := range srcs {
			if s.Prepare != nil && !s.Prepare() {
				continue
			}
			cases = append(cases, selectCase{source: s})
		}

		if len(cases) == 0 {
			// Nothing prepared; block only on stop/cancel so a loop
			// with zero live sources still shuts down promptly.
			select {
			case <-l.stopCh:
				return
			case <-ctx.Done():
				l.Stop()
				return
			}
		}

		if !l.runOnce(ctx, cases) {
			return
		}
	}
}

type selectCase struct {
	source *Source
}

// runOnce delivers exactly one ready source's thunk (or reports
// stop/cancel) per call. cases arrives already grouped highest-priority
// first by snapshot()'s sort; runOnce tries each priority tier with a
// non-blocking receive before moving to the next, so a High source that
// is ready is always preferred over a merely-ready Low source in the
// same iteration, per the "priority is consulted when several sources
// are ready" requirement. Only once no tier has anything ready right
// now does it fall back to a single blocking wait across everything.
func (l *Loop) runOnce(ctx context.Context, cases []selectCase) bool {
	for _, group := range groupByPriority(cases) {
		if handled, cont := l.tryNonBlocking(group); handled {
			return cont
		}
	}
	return l.waitAny(ctx, cases)
}

// groupByPriority splits cases into contiguous runs sharing the same
// Priority, relying on snapshot()'s stable priority-descending sort so
// the first group returned is always the highest-priority one present.
func groupByPriority(cases []selectCase) [][]selectCase {
	var groups [][]selectCase
	for i := 0; i < len(cases); {
		j := i + 1
		for j < len(cases) && cases[j].source.Priority == cases[i].source.Priority {
			j++
		}
		groups = append(groups, cases[i:j])
		i = j
	}
	return groups
}

// tryNonBlocking attempts one non-blocking receive across group's ready
// channels via a select with a default case. handled reports whether a
// source actually fired; cont is runOnce's return value when it did.
func (l *Loop) tryNonBlocking(group []selectCase) (handled, cont bool) {
	selectCases := make([]reflect.SelectCase, len(group)+1)
	for i, c := range group {
		selectCases[i] = reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(c.source.ready)}
	}
	defaultIdx := len(group)
	selectCases[defaultIdx] = reflect.SelectCase{Dir: reflect.SelectDefault}

	chosen, value, ok := reflect.Select(selectCases)
	if chosen == defaultIdx {
		return false, true
	}
	return true, l.deliver(value, ok)
}

// waitAny blocks until some source in cases, stop, or ctx.Done() fires.
// It uses reflect.Select rather than a fan-in of goroutines so that only
// the winning channel is ever received from — every other source's
// pending item stays queued, untouched, for the next iteration.
// Priority needs no further consideration here: the non-blocking sweep
// in runOnce already established nothing was ready, so this path only
// ever wakes for the single event that satisfies it.
func (l *Loop) waitAny(ctx context.Context, cases []selectCase) bool {
	selectCases := make([]reflect.SelectCase, 0, len(cases)+2)
	for _, c := range cases {
		selectCases = append(selectCases, reflect.SelectCase{
			Dir:  reflect.SelectRecv,
			Chan: reflect.ValueOf(c.source.ready),
		})
	}
	stopIdx := len(selectCases)
	selectCases = append(selectCases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(l.stopCh)})
	ctxIdx := len(selectCases)
	selectCases = append(selectCases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())})

	chosen, value, ok := reflect.Select(selectCases)
	switch chosen {
	case stopIdx:
		return false
	case ctxIdx:
		l.Stop()
		return false
	default:
		return l.deliver(value, ok)
	}
}

func (l *Loop) deliver(value reflect.Value, ok bool) bool {
	if !ok {
		// Source channel closed (e.g. queue shut down); drop it for
		// this iteration, it will be absent from the next snapshot
		// once Remove runs.
		return true
	}
	if fn, _ := value.Interface().(func()); fn != nil {
		fn()
	}
	return true
}
