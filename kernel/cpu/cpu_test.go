package cpu

import (
	"os"
	"testing"
)

func TestHalt(t *testing.T) {
	defer func() { exitFn = os.Exit }()

	var exitCode = -1
	exitFn = func(code int) {
		exitCode = code
	}

	Halt()

	if exp := 2; exitCode != exp {
		t.Fatalf("expected Halt to exit with code %d; got %d", exp, exitCode)
	}
}

func TestRecorder(t *testing.T) {
	rec := NewRecorder(0x1000)
	var _ MMU = rec

	if exp, got := uintptr(0x1000), rec.ActiveRoot(); got != exp {
		t.Fatalf("expected active root to be 0x%x; got 0x%x", exp, got)
	}

	rec.StoreBarrier()
	rec.FlushTLBAll()
	rec.FlushTLBKernelRange(0x2000, 0x3000)
	rec.ReplaceRoot(0x5000)
	rec.LocalFlushTLBAll()

	expEvents := []Event{
		{Op: OpStoreBarrier},
		{Op: OpFlushTLBAll},
		{Op: OpFlushTLBKernelRange, Start: 0x2000, End: 0x3000},
		{Op: OpReplaceRoot, Start: 0x5000},
		{Op: OpLocalFlushTLBAll},
	}

	events := rec.Events()
	if len(events) != len(expEvents) {
		t.Fatalf("expected %d events; got %d", len(expEvents), len(events))
	}

	for i, exp := range expEvents {
		if events[i] != exp {
			t.Errorf("[event %d] expected %+v; got %+v", i, exp, events[i])
		}
	}

	if exp, got := uintptr(0x5000), rec.ActiveRoot(); got != exp {
		t.Errorf("expected active root to be 0x%x; got 0x%x", exp, got)
	}

	for op := OpFlushTLBAll; op < opCount; op++ {
		if exp, got := 1, rec.Count(op); got != exp {
			t.Errorf("expected %s count to be %d; got %d", op, exp, got)
		}
	}

	rec.Reset()
	if got := len(rec.Events()); got != 0 {
		t.Errorf("expected event log to be empty after Reset; got %d events", got)
	}

	if got := rec.Count(OpFlushTLBAll); got != 0 {
		t.Errorf("expected counters to be cleared after Reset; got %d", got)
	}
}

func TestOpString(t *testing.T) {
	specs := []struct {
		op  Op
		exp string
	}{
		{OpFlushTLBAll, "flush_tlb_all"},
		{OpLocalFlushTLBAll, "local_flush_tlb_all"},
		{OpFlushTLBKernelRange, "flush_tlb_kernel_range"},
		{OpStoreBarrier, "dsb_ishst"},
		{OpReplaceRoot, "replace_root"},
		{opCount, "unknown"},
	}

	for specIndex, spec := range specs {
		if got := spec.op.String(); got != spec.exp {
			t.Errorf("[spec %d] expected %q; got %q", specIndex, spec.exp, got)
		}
	}
}
