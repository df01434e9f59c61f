// Package guard isolates calls into ill-behaved code. An operation run
// under Invoke may return normally, request process termination through
// Abort, or fault on invalid memory; in every case the invoking goroutine
// gets a discriminated Result back instead of dying.
package guard

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync/atomic"
)

// Outcome classifies how an isolated invocation ended.
type Outcome uint8

const (
	// Completed means the operation returned normally.
	Completed Outcome = iota
	// Aborted means the operation requested termination via Abort
	// instead of returning.
	Aborted
	// Faulted means the operation panicked or triggered a memory fault.
	Faulted
)

func (o Outcome) String() string {
	switch o {
	case Completed:
		return "completed"
	case Aborted:
		return "aborted"
	case Faulted:
		return "faulted"
	default:
		return fmt.Sprintf("outcome(%d)", o)
	}
}

// Result is the outcome of one isolated invocation.
type Result[T any] struct {
	Outcome Outcome
	Value   T      // operation return value, valid only for Completed
	Code    int    // termination code passed to Abort, valid only for Aborted
	Fault   string // fault description, valid only for Faulted
}

// Context is the interception state for one guarded call. It is owned by
// the invoking goroutine: armed by Invoke before the operation starts and
// disarmed on every return path. A single Context must never be shared by
// two in-flight invocations; Invoke enforces this by arming with a
// compare-and-swap and falling back to a private Context on conflict.
type Context struct {
	armed atomic.Bool
}

// Armed reports whether a guarded call is currently in flight on this
// Context.
func (c *Context) Armed() bool {
	return c.armed.Load()
}

type ctxKey struct{}

// WithContext returns a copy of parent carrying a fresh isolation Context.
// Callers that want to observe the armed flag across invocations use this;
// otherwise Invoke creates a private Context on its own.
func WithContext(parent context.Context) (context.Context, *Context) {
	ic := &Context{}
	return context.WithValue(parent, ctxKey{}, ic), ic
}

// abortSignal is the control-transfer token thrown by Abort. It names the
// Context it belongs to so only the owning Invoke frame consumes it.
type abortSignal struct {
	ic   *Context
	code int
}

// Abort is the termination interceptor: the stand-in for exit() handed to
// stack code. While the isolation Context on ctx is armed it transfers
// control back to the owning Invoke frame, which reports Aborted. Called
// with no armed Context there is no recovery point; that is a wiring
// defect, and the calling goroutine is stopped.
func Abort(ctx context.Context, code int) {
	ic, _ := ctx.Value(ctxKey{}).(*Context)
	if ic == nil || !ic.armed.Load() {
		slog.Error("guard: termination requested with no armed context, stopping goroutine",
			slog.Int("code", code),
		)
		runtime.Goexit()
	}
	panic(&abortSignal{ic: ic, code: code})
}

// Invoke runs op under the isolation boundary and always returns a Result:
// Completed with op's return value, Aborted if op called Abort, or Faulted
// if op panicked or hit a memory fault. The Context is disarmed before
// Invoke returns on every path.
//
// Invoke cannot release resources op acquired before an abnormal exit, and
// it does not roll back state op mutated; callers needing idempotency must
// provide it themselves.
func Invoke[T any](ctx context.Context, op func(context.Context) T) (res Result[T]) {
	ic, _ := ctx.Value(ctxKey{}).(*Context)
	if ic == nil || !ic.armed.CompareAndSwap(false, true) {
		// No Context supplied, or the supplied one is armed by another
		// in-flight call. Arm a private one so two calls can never
		// resume into each other's frame.
		ctx, ic = WithContext(ctx)
		ic.armed.Store(true)
	}
	defer ic.armed.Store(false)

	// Surface memory faults during op as recoverable runtime.Error
	// panics on this thread instead of killing the process.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	restore := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(restore)

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if sig, ok := r.(*abortSignal); ok {
			if sig.ic != ic {
				// Belongs to an enclosing guard; let that frame
				// consume it.
				panic(r)
			}
			res = Result[T]{Outcome: Aborted, Code: sig.code}
			return
		}
		res = Result[T]{Outcome: Faulted, Fault: fmt.Sprintf("%v", r)}
	}()

	return Result[T]{Outcome: Completed, Value: op(ctx)}
}

// Do runs an operation with no return value under the isolation boundary.
func Do(ctx context.Context, op func(context.Context)) Result[struct{}] {
	return Invoke(ctx, func(ctx context.Context) struct{} {
		op(ctx)
		return struct{}{}
	})
}
