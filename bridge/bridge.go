package bridge

import (
	"context"
	"log/slog"
	"time"

	"github.com/edgeo/drivers/bacnet-bridge/bridge/guard"
)

// Stack is the external BACnet protocol engine the bridge drives. It is
// treated as an opaque, fallible callee: an implementation may return
// normally, request termination via guard.Abort, panic, or fault on the
// buffers it is handed. The bridge makes no assumptions beyond these
// signatures.
//
// The send operations follow the stack's fire-and-forget convention: they
// return the allocated invoke ID (never 0) on success and 0 when the
// request could not be submitted.
type Stack interface {
	// SendWritePropertyMultiple submits a WritePropertyMultiple request
	// to the device.
	SendWritePropertyMultiple(ctx context.Context, deviceID uint32, data WriteAccessData) uint8

	// SendReadRange submits a ReadRange request to the device.
	SendReadRange(ctx context.Context, deviceID uint32, data *ReadRangeData) uint8

	// DatalinkInit brings up the BACnet/IP (IPv4) datalink on the given
	// interface.
	DatalinkInit(ctx context.Context, ifaceName string) bool

	// DatalinkInitBIP6 brings up the BACnet/IPv6 datalink on the given
	// interface.
	DatalinkInitBIP6(ctx context.Context, ifaceName string) bool

	// Receive blocks up to timeout for one inbound NPDU, filling src and
	// pdu. It returns the byte count written to pdu, 0 on timeout.
	Receive(ctx context.Context, src *Address, pdu []byte, timeout time.Duration) int

	// DispatchNPDU hands one received NPDU to the stack's handlers.
	DispatchNPDU(ctx context.Context, src *Address, pdu []byte)

	// SendWhoIs broadcasts a Who-Is request. Negative limits request all
	// devices.
	SendWhoIs(ctx context.Context, lowLimit, highLimit int32)

	// SendIAm broadcasts an I-Am announcement for the local device.
	SendIAm(ctx context.Context)

	// SendReadProperty submits a ReadProperty request to the device.
	SendReadProperty(ctx context.Context, deviceID uint32, oid ObjectIdentifier, prop PropertyIdentifier) uint8

	// SendWriteProperty submits a WriteProperty request to the device.
	// Priority 0 writes without a priority.
	SendWriteProperty(ctx context.Context, deviceID uint32, oid ObjectIdentifier, prop PropertyIdentifier, value any, priority uint8) uint8
}

// Bridge wraps a Stack so that every call into it runs under the
// guard isolation boundary. Callers see each operation's ordinary return
// convention; an aborting or faulting stack yields the operation's failure
// sentinel (0, false or -1) plus one diagnostic line, never a dead process.
//
// Distinguishing "the stack misbehaved" from "the stack legitimately
// failed" requires the diagnostics, not the return value.
type Bridge struct {
	stack   Stack
	opts    *bridgeOptions
	logger  *slog.Logger
	metrics *Metrics
}

// New creates a Bridge around the given stack
func New(stack Stack, opts ...Option) (*Bridge, error) {
	if stack == nil {
		return nil, ErrNilStack
	}

	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	return &Bridge{
		stack:   stack,
		opts:    options,
		logger:  options.logger,
		metrics: NewMetrics(),
	}, nil
}

// Metrics returns the bridge metrics
func (b *Bridge) Metrics() *Metrics {
	return b.metrics
}

// SendWritePropertyMultiple submits a WritePropertyMultiple request and
// returns the invoke ID, or 0 if the request failed or the stack
// misbehaved.
func (b *Bridge) SendWritePropertyMultiple(ctx context.Context, deviceID uint32, data WriteAccessData) uint8 {
	res := guard.Invoke(ctx, func(ctx context.Context) uint8 {
		return b.stack.SendWritePropertyMultiple(ctx, deviceID, data)
	})
	if res.Outcome != guard.Completed {
		b.abnormal("write-property-multiple", res.Outcome, res.Code, res.Fault)
		return 0
	}
	b.metrics.CallsCompleted.Inc()
	b.metrics.WritesSubmitted.Inc()
	return res.Value
}

// SendReadRange submits a ReadRange request and returns the invoke ID, or
// 0 if the request failed or the stack misbehaved.
func (b *Bridge) SendReadRange(ctx context.Context, deviceID uint32, data *ReadRangeData) uint8 {
	res := guard.Invoke(ctx, func(ctx context.Context) uint8 {
		return b.stack.SendReadRange(ctx, deviceID, data)
	})
	if res.Outcome != guard.Completed {
		b.abnormal("read-range", res.Outcome, res.Code, res.Fault)
		return 0
	}
	b.metrics.CallsCompleted.Inc()
	b.metrics.RangeReadsSubmitted.Inc()
	return res.Value
}

// DatalinkInit brings up the BACnet/IP datalink, returning false on
// failure of any kind.
func (b *Bridge) DatalinkInit(ctx context.Context, ifaceName string) bool {
	res := guard.Invoke(ctx, func(ctx context.Context) bool {
		return b.stack.DatalinkInit(ctx, ifaceName)
	})
	if res.Outcome != guard.Completed {
		b.abnormal("datalink-init", res.Outcome, res.Code, res.Fault)
		return false
	}
	b.metrics.CallsCompleted.Inc()
	if res.Value {
		b.metrics.DatalinkInits.Inc()
	}
	return res.Value
}

// DatalinkInitBIP6 brings up the BACnet/IPv6 datalink, returning false on
// failure of any kind.
func (b *Bridge) DatalinkInitBIP6(ctx context.Context, ifaceName string) bool {
	res := guard.Invoke(ctx, func(ctx context.Context) bool {
		return b.stack.DatalinkInitBIP6(ctx, ifaceName)
	})
	if res.Outcome != guard.Completed {
		b.abnormal("datalink-init-bip6", res.Outcome, res.Code, res.Fault)
		return false
	}
	b.metrics.CallsCompleted.Inc()
	if res.Value {
		b.metrics.DatalinkInits.Inc()
	}
	return res.Value
}

// Receive blocks up to timeout for one inbound NPDU. It returns the byte
// count written to pdu, 0 on timeout, or -1 if the stack misbehaved. A
// zero timeout uses the bridge's configured default.
func (b *Bridge) Receive(ctx context.Context, src *Address, pdu []byte, timeout time.Duration) int {
	if timeout <= 0 {
		timeout = b.opts.receiveTimeout
	}

	res := guard.Invoke(ctx, func(ctx context.Context) int {
		return b.stack.Receive(ctx, src, pdu, timeout)
	})
	if res.Outcome != guard.Completed {
		b.abnormal("receive", res.Outcome, res.Code, res.Fault)
		return -1
	}
	b.metrics.CallsCompleted.Inc()
	if res.Value > 0 {
		b.metrics.PacketsReceived.Inc()
		b.metrics.BytesReceived.Add(int64(res.Value))
		b.metrics.RecordActivity()
	}
	return res.Value
}

// DispatchNPDU hands one received NPDU to the stack's handlers. A
// misbehaving stack is absorbed silently apart from the diagnostic.
func (b *Bridge) DispatchNPDU(ctx context.Context, src *Address, pdu []byte) {
	res := guard.Do(ctx, func(ctx context.Context) {
		b.stack.DispatchNPDU(ctx, src, pdu)
	})
	if res.Outcome != guard.Completed {
		b.abnormal("npdu-dispatch", res.Outcome, res.Code, res.Fault)
		return
	}
	b.metrics.CallsCompleted.Inc()
	b.metrics.PacketsDispatched.Inc()
}

// SendWhoIs broadcasts a Who-Is request. Negative limits request all
// devices.
func (b *Bridge) SendWhoIs(ctx context.Context, lowLimit, highLimit int32) {
	res := guard.Do(ctx, func(ctx context.Context) {
		b.stack.SendWhoIs(ctx, lowLimit, highLimit)
	})
	if res.Outcome != guard.Completed {
		b.abnormal("who-is", res.Outcome, res.Code, res.Fault)
		return
	}
	b.metrics.CallsCompleted.Inc()
}

// SendIAm broadcasts an I-Am announcement for the local device.
func (b *Bridge) SendIAm(ctx context.Context) {
	res := guard.Do(ctx, func(ctx context.Context) {
		b.stack.SendIAm(ctx)
	})
	if res.Outcome != guard.Completed {
		b.abnormal("i-am", res.Outcome, res.Code, res.Fault)
		return
	}
	b.metrics.CallsCompleted.Inc()
}

// SendReadProperty submits a ReadProperty request and returns the invoke
// ID, or 0 if the request failed or the stack misbehaved.
func (b *Bridge) SendReadProperty(ctx context.Context, deviceID uint32, oid ObjectIdentifier, prop PropertyIdentifier) uint8 {
	res := guard.Invoke(ctx, func(ctx context.Context) uint8 {
		return b.stack.SendReadProperty(ctx, deviceID, oid, prop)
	})
	if res.Outcome != guard.Completed {
		b.abnormal("read-property", res.Outcome, res.Code, res.Fault)
		return 0
	}
	b.metrics.CallsCompleted.Inc()
	b.metrics.ReadsSubmitted.Inc()
	return res.Value
}

// SendWriteProperty submits a WriteProperty request and returns the invoke
// ID, or 0 if the request failed or the stack misbehaved.
func (b *Bridge) SendWriteProperty(ctx context.Context, deviceID uint32, oid ObjectIdentifier, prop PropertyIdentifier, value any, priority uint8) uint8 {
	res := guard.Invoke(ctx, func(ctx context.Context) uint8 {
		return b.stack.SendWriteProperty(ctx, deviceID, oid, prop, value, priority)
	})
	if res.Outcome != guard.Completed {
		b.abnormal("write-property", res.Outcome, res.Code, res.Fault)
		return 0
	}
	b.metrics.CallsCompleted.Inc()
	b.metrics.WritesSubmitted.Inc()
	return res.Value
}

// abnormal emits the single diagnostic line for a non-Completed outcome
// and bumps the matching counter.
func (b *Bridge) abnormal(op string, outcome guard.Outcome, code int, fault string) {
	switch outcome {
	case guard.Aborted:
		b.metrics.AbortsIntercepted.Inc()
		b.logger.Error("intercepted termination from stack",
			slog.String("op", op),
			slog.Int("code", code),
		)
	case guard.Faulted:
		b.metrics.FaultsTrapped.Inc()
		b.logger.Error("trapped fault in stack",
			slog.String("op", op),
			slog.String("fault", fault),
		)
	}
}
