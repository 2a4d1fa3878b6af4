package sync

import (
	gosync "sync"
	"time"
)

type debounceState int

const (
	stateIdle debounceState = iota
	stateAnnounced
	stateSettling
)

func (s debounceState) String() string {
	switch s {
	case stateAnnounced:
		return "announced"
	case stateSettling:
		return "settling"
	default:
		return "idle"
	}
}

// Debouncer suppresses redundant typing writes. Keystrokes call Set(true)
// repeatedly; the remote sees one "typing" write when composing starts and
// one "stopped" write once the user has been quiet for debounce+settle.
//
//	idle      --Set(true)-->           announced  (write true)
//	announced --Set(true)-->           announced  (re-arm)
//	announced --Set(false)/debounce--> settling
//	settling  --Set(true)-->           announced
//	settling  --settle-->              idle       (write false)
//
// Writes run asynchronously but strictly in the order they were decided.
type Debouncer struct {
	write    func(typing bool)
	debounce time.Duration
	settle   time.Duration

	mu     gosync.Mutex
	state  debounceState
	gen    uint64
	timer  *time.Timer
	tail   chan struct{}
	closed bool
}

// NewDebouncer creates a debouncer calling write for each transition that
// reaches the remote.
func NewDebouncer(debounce, settle time.Duration, write func(typing bool)) *Debouncer {
	return &Debouncer{write: write, debounce: debounce, settle: settle}
}

// Set records a local typing signal.
func (d *Debouncer) Set(typing bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	switch {
	case typing && d.state == stateIdle:
		d.state = stateAnnounced
		d.enqueue(true)
		d.arm(d.debounce, d.onDebounce)
	case typing:
		d.state = stateAnnounced
		d.arm(d.debounce, d.onDebounce)
	case d.state == stateAnnounced:
		d.state = stateSettling
		d.arm(d.settle, d.onSettle)
	}
}

// State returns the current state name.
func (d *Debouncer) State() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.String()
}

// Close cancels pending timers and, if the remote believes the user is
// typing, queues a final stop write. Later calls are no-ops.
func (d *Debouncer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	d.disarm()
	if d.state != stateIdle {
		d.state = stateIdle
		d.enqueue(false)
	}
}

// Wait blocks until every queued write has completed.
func (d *Debouncer) Wait() {
	d.mu.Lock()
	tail := d.tail
	d.mu.Unlock()
	if tail != nil {
		<-tail
	}
}

func (d *Debouncer) onDebounce() {
	if d.state == stateAnnounced {
		d.state = stateSettling
		d.arm(d.settle, d.onSettle)
	}
}

func (d *Debouncer) onSettle() {
	if d.state == stateSettling {
		d.state = stateIdle
		d.enqueue(false)
	}
}

// arm replaces the pending timer. A timer that fires after being replaced
// sees a newer generation and does nothing. Caller holds d.mu.
func (d *Debouncer) arm(after time.Duration, fn func()) {
	d.disarm()
	gen := d.gen
	d.timer = time.AfterFunc(after, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.closed || d.gen != gen {
			return
		}
		d.timer = nil
		fn()
	})
}

func (d *Debouncer) disarm() {
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// enqueue chains a write behind the previous one. Caller holds d.mu.
func (d *Debouncer) enqueue(typing bool) {
	prev := d.tail
	done := make(chan struct{})
	d.tail = done
	go func() {
		defer close(done)
		if prev != nil {
			<-prev
		}
		d.write(typing)
	}()
}
