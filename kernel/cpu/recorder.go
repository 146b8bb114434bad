package cpu

import "armmu/kernel/sync"

// Op identifies a hardware primitive invocation.
type Op uint8

// The list of primitives tracked by Recorder.
const (
	OpFlushTLBAll Op = iota
	OpLocalFlushTLBAll
	OpFlushTLBKernelRange
	OpStoreBarrier
	OpReplaceRoot
	opCount
)

// String implements fmt.Stringer for Op.
func (op Op) String() string {
	switch op {
	case OpFlushTLBAll:
		return "flush_tlb_all"
	case OpLocalFlushTLBAll:
		return "local_flush_tlb_all"
	case OpFlushTLBKernelRange:
		return "flush_tlb_kernel_range"
	case OpStoreBarrier:
		return "dsb_ishst"
	case OpReplaceRoot:
		return "replace_root"
	default:
		return "unknown"
	}
}

// Event describes a single primitive invocation. Start and End hold the
// range for OpFlushTLBKernelRange and the new root address (in Start) for
// OpReplaceRoot.
type Event struct {
	Op         Op
	Start, End uintptr
}

// Recorder is a software MMU implementation that keeps an ordered log of
// every primitive invocation. It is used by the simulator and by tests that
// need to verify ordering constraints such as "invalidate before free".
type Recorder struct {
	lock   sync.Spinlock
	root   uintptr
	events []Event
	counts [opCount]int

	// KeepLog controls whether individual events are retained. Counters
	// are always maintained.
	KeepLog bool
}

// NewRecorder returns a Recorder whose active root is set to rootPhysAddr.
func NewRecorder(rootPhysAddr uintptr) *Recorder {
	return &Recorder{root: rootPhysAddr, KeepLog: true}
}

func (r *Recorder) record(ev Event) {
	r.lock.Acquire()
	r.counts[ev.Op]++
	if r.KeepLog {
		r.events = append(r.events, ev)
	}
	r.lock.Release()
}

// FlushTLBAll implements MMU.
func (r *Recorder) FlushTLBAll() { r.record(Event{Op: OpFlushTLBAll}) }

// LocalFlushTLBAll implements MMU.
func (r *Recorder) LocalFlushTLBAll() { r.record(Event{Op: OpLocalFlushTLBAll}) }

// FlushTLBKernelRange implements MMU.
func (r *Recorder) FlushTLBKernelRange(start, end uintptr) {
	r.record(Event{Op: OpFlushTLBKernelRange, Start: start, End: end})
}

// StoreBarrier implements MMU.
func (r *Recorder) StoreBarrier() { r.record(Event{Op: OpStoreBarrier}) }

// ReplaceRoot implements MMU.
func (r *Recorder) ReplaceRoot(rootPhysAddr uintptr) {
	r.lock.Acquire()
	r.root = rootPhysAddr
	r.lock.Release()
	r.record(Event{Op: OpReplaceRoot, Start: rootPhysAddr})
}

// ActiveRoot implements MMU.
func (r *Recorder) ActiveRoot() uintptr {
	r.lock.Acquire()
	defer r.lock.Release()
	return r.root
}

// Count returns the number of times op has been invoked.
func (r *Recorder) Count(op Op) int {
	r.lock.Acquire()
	defer r.lock.Release()
	return r.counts[op]
}

// Events returns a copy of the recorded event log.
func (r *Recorder) Events() []Event {
	r.lock.Acquire()
	defer r.lock.Release()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Reset clears the event log and all counters. The active root is left
// untouched.
func (r *Recorder) Reset() {
	r.lock.Acquire()
	r.events = r.events[:0]
	r.counts = [opCount]int{}
	r.lock.Release()
}
