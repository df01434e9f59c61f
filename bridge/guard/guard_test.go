package guard_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"unsafe"

	"github.com/edgeo/drivers/bacnet-bridge/bridge/guard"
)

func TestInvokeCompleted(t *testing.T) {
	ctx, ic := guard.WithContext(context.Background())

	res := guard.Invoke(ctx, func(context.Context) int {
		return 42
	})

	if res.Outcome != guard.Completed {
		t.Fatalf("Outcome = %v, want completed", res.Outcome)
	}
	if res.Value != 42 {
		t.Errorf("Value = %d, want 42", res.Value)
	}
	if ic.Armed() {
		t.Error("context still armed after invocation returned")
	}
}

func TestInvokeAborted(t *testing.T) {
	ctx, ic := guard.WithContext(context.Background())

	res := guard.Invoke(ctx, func(ctx context.Context) int {
		guard.Abort(ctx, 1)
		return 99 // unreachable
	})

	if res.Outcome != guard.Aborted {
		t.Fatalf("Outcome = %v, want aborted", res.Outcome)
	}
	if res.Code != 1 {
		t.Errorf("Code = %d, want 1", res.Code)
	}
	if ic.Armed() {
		t.Error("context still armed after aborted invocation")
	}

	// The process survived; the same context is usable again.
	res = guard.Invoke(ctx, func(context.Context) int { return 7 })
	if res.Outcome != guard.Completed || res.Value != 7 {
		t.Errorf("follow-up invocation = %+v, want completed 7", res)
	}
}

func TestInvokeFaultedNilDereference(t *testing.T) {
	ctx, ic := guard.WithContext(context.Background())

	res := guard.Invoke(ctx, func(context.Context) int {
		var p *int
		return *p
	})

	if res.Outcome != guard.Faulted {
		t.Fatalf("Outcome = %v, want faulted", res.Outcome)
	}
	if res.Fault == "" {
		t.Error("Fault description is empty")
	}
	if ic.Armed() {
		t.Error("context still armed after faulted invocation")
	}
}

func TestInvokeFaultedInvalidAddress(t *testing.T) {
	ctx, _ := guard.WithContext(context.Background())

	res := guard.Invoke(ctx, func(context.Context) byte {
		// A non-nil invalid address: a genuine hardware fault, trapped
		// by the panic-on-fault window Invoke opens.
		return *(*byte)(unsafe.Pointer(uintptr(1)))
	})

	if res.Outcome != guard.Faulted {
		t.Fatalf("Outcome = %v, want faulted", res.Outcome)
	}

	// Host still running: a subsequent call completes normally.
	res2 := guard.Invoke(ctx, func(context.Context) byte { return 0xAB })
	if res2.Outcome != guard.Completed || res2.Value != 0xAB {
		t.Errorf("follow-up invocation = %+v, want completed 0xAB", res2)
	}
}

func TestInvokeFaultedPlainPanic(t *testing.T) {
	res := guard.Invoke(context.Background(), func(context.Context) bool {
		panic("stack blew up")
	})

	if res.Outcome != guard.Faulted {
		t.Fatalf("Outcome = %v, want faulted", res.Outcome)
	}
	if !strings.Contains(res.Fault, "stack blew up") {
		t.Errorf("Fault = %q, want it to mention the panic value", res.Fault)
	}
}

func TestDoAbsorbsAbort(t *testing.T) {
	res := guard.Do(context.Background(), func(ctx context.Context) {
		guard.Abort(ctx, 3)
	})
	if res.Outcome != guard.Aborted || res.Code != 3 {
		t.Errorf("Do result = %+v, want aborted code 3", res)
	}
}

func TestAbortUnarmedStopsGoroutine(t *testing.T) {
	returned := make(chan bool, 1)

	go func() {
		completed := false
		defer func() { returned <- completed }()
		guard.Abort(context.Background(), 2)
		completed = true
	}()

	if <-returned {
		t.Fatal("Abort with no armed context returned to its caller")
	}
}

func TestNestedInvokeReRaisesForeignAbort(t *testing.T) {
	ctx, _ := guard.WithContext(context.Background())

	res := guard.Invoke(ctx, func(outer context.Context) int {
		// The inner frame arms its own private context; the abort names
		// the outer one and must unwind through the inner frame.
		guard.Invoke(outer, func(context.Context) int {
			guard.Abort(outer, 7)
			return 0
		})
		return 1 // unreachable
	})

	if res.Outcome != guard.Aborted {
		t.Fatalf("Outcome = %v, want aborted", res.Outcome)
	}
	if res.Code != 7 {
		t.Errorf("Code = %d, want 7", res.Code)
	}
}

func TestConcurrentInvocationsIndependent(t *testing.T) {
	const iterations = 200
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		ctx, _ := guard.WithContext(context.Background())
		for i := 0; i < iterations; i++ {
			res := guard.Invoke(ctx, func(ctx context.Context) int {
				guard.Abort(ctx, 1)
				return 0
			})
			if res.Outcome != guard.Aborted {
				t.Errorf("aborting goroutine saw %v", res.Outcome)
				return
			}
		}
	}()

	go func() {
		defer wg.Done()
		ctx, _ := guard.WithContext(context.Background())
		for i := 0; i < iterations; i++ {
			res := guard.Invoke(ctx, func(context.Context) int { return i })
			if res.Outcome != guard.Completed || res.Value != i {
				t.Errorf("completing goroutine saw %v (value %d, want %d)",
					res.Outcome, res.Value, i)
				return
			}
		}
	}()

	wg.Wait()
}

func TestInvokeArmedContextConflict(t *testing.T) {
	ctx, ic := guard.WithContext(context.Background())

	inFlight := make(chan struct{})
	release := make(chan struct{})
	first := make(chan guard.Result[int], 1)

	go func() {
		first <- guard.Invoke(ctx, func(context.Context) int {
			close(inFlight)
			<-release
			return 1
		})
	}()

	<-inFlight
	if !ic.Armed() {
		t.Fatal("context not armed while call in flight")
	}

	// Second call on the same (armed) context: must isolate itself
	// rather than corrupt the first call's resume point.
	res := guard.Invoke(ctx, func(ctx context.Context) int {
		guard.Abort(ctx, 9)
		return 0
	})
	if res.Outcome != guard.Aborted || res.Code != 9 {
		t.Errorf("conflicting call = %+v, want aborted code 9", res)
	}

	close(release)
	if r := <-first; r.Outcome != guard.Completed || r.Value != 1 {
		t.Errorf("first call = %+v, want completed 1", r)
	}
	if ic.Armed() {
		t.Error("context still armed after both calls returned")
	}
}
