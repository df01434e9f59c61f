package bridge_test

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/edgeo/drivers/bacnet-bridge/bridge"
	"github.com/edgeo/drivers/bacnet-bridge/bridge/guard"
)

// stubStack is a Stack test double; unset function fields fall back to
// benign defaults.
type stubStack struct {
	writeMultiple func(ctx context.Context, deviceID uint32, data bridge.WriteAccessData) uint8
	readRange     func(ctx context.Context, deviceID uint32, data *bridge.ReadRangeData) uint8
	datalinkInit  func(ctx context.Context, ifaceName string) bool
	datalinkInit6 func(ctx context.Context, ifaceName string) bool
	receive       func(ctx context.Context, src *bridge.Address, pdu []byte, timeout time.Duration) int
	dispatch      func(ctx context.Context, src *bridge.Address, pdu []byte)
	whoIs         func(ctx context.Context, low, high int32)
	iAm           func(ctx context.Context)
	readProperty  func(ctx context.Context, deviceID uint32, oid bridge.ObjectIdentifier, prop bridge.PropertyIdentifier) uint8
	writeProperty func(ctx context.Context, deviceID uint32, oid bridge.ObjectIdentifier, prop bridge.PropertyIdentifier, value any, priority uint8) uint8
}

func (s *stubStack) SendWritePropertyMultiple(ctx context.Context, deviceID uint32, data bridge.WriteAccessData) uint8 {
	if s.writeMultiple != nil {
		return s.writeMultiple(ctx, deviceID, data)
	}
	return 1
}

func (s *stubStack) SendReadRange(ctx context.Context, deviceID uint32, data *bridge.ReadRangeData) uint8 {
	if s.readRange != nil {
		return s.readRange(ctx, deviceID, data)
	}
	return 1
}

func (s *stubStack) DatalinkInit(ctx context.Context, ifaceName string) bool {
	if s.datalinkInit != nil {
		return s.datalinkInit(ctx, ifaceName)
	}
	return true
}

func (s *stubStack) DatalinkInitBIP6(ctx context.Context, ifaceName string) bool {
	if s.datalinkInit6 != nil {
		return s.datalinkInit6(ctx, ifaceName)
	}
	return true
}

func (s *stubStack) Receive(ctx context.Context, src *bridge.Address, pdu []byte, timeout time.Duration) int {
	if s.receive != nil {
		return s.receive(ctx, src, pdu, timeout)
	}
	return 0
}

func (s *stubStack) DispatchNPDU(ctx context.Context, src *bridge.Address, pdu []byte) {
	if s.dispatch != nil {
		s.dispatch(ctx, src, pdu)
	}
}

func (s *stubStack) SendWhoIs(ctx context.Context, low, high int32) {
	if s.whoIs != nil {
		s.whoIs(ctx, low, high)
	}
}

func (s *stubStack) SendIAm(ctx context.Context) {
	if s.iAm != nil {
		s.iAm(ctx)
	}
}

func (s *stubStack) SendReadProperty(ctx context.Context, deviceID uint32, oid bridge.ObjectIdentifier, prop bridge.PropertyIdentifier) uint8 {
	if s.readProperty != nil {
		return s.readProperty(ctx, deviceID, oid, prop)
	}
	return 1
}

func (s *stubStack) SendWriteProperty(ctx context.Context, deviceID uint32, oid bridge.ObjectIdentifier, prop bridge.PropertyIdentifier, value any, priority uint8) uint8 {
	if s.writeProperty != nil {
		return s.writeProperty(ctx, deviceID, oid, prop, value, priority)
	}
	return 1
}

func newTestBridge(t *testing.T, stack bridge.Stack) (*bridge.Bridge, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	b, err := bridge.New(stack, bridge.WithLogger(logger))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b, &buf
}

func logLines(buf *bytes.Buffer) []string {
	out := strings.TrimSpace(buf.String())
	if out == "" {
		return nil
	}
	return strings.Split(out, "\n")
}

func TestNewNilStack(t *testing.T) {
	if _, err := bridge.New(nil); err == nil {
		t.Fatal("New(nil) returned no error")
	}
}

func TestWritePropertyMultipleCompleted(t *testing.T) {
	b, buf := newTestBridge(t, &stubStack{
		writeMultiple: func(context.Context, uint32, bridge.WriteAccessData) uint8 {
			return 42
		},
	})

	got := b.SendWritePropertyMultiple(context.Background(), 1234, nil)
	if got != 42 {
		t.Errorf("invoke ID = %d, want 42", got)
	}
	if lines := logLines(buf); len(lines) != 0 {
		t.Errorf("unexpected diagnostics: %v", lines)
	}
}

func TestWritePropertyMultipleInterceptsTermination(t *testing.T) {
	b, buf := newTestBridge(t, &stubStack{
		writeMultiple: func(ctx context.Context, _ uint32, _ bridge.WriteAccessData) uint8 {
			guard.Abort(ctx, 1)
			return 99 // unreachable
		},
	})

	wad := bridge.WriteAccessData{{
		Object: bridge.NewObjectIdentifier(bridge.ObjectTypeAnalogOutput, 1),
		Writes: []bridge.PropertyWrite{{Property: bridge.PropertyPresentValue, Value: float32(75.5)}},
	}}

	got := b.SendWritePropertyMultiple(context.Background(), 1234, wad)
	if got != 0 {
		t.Errorf("invoke ID = %d, want 0", got)
	}

	lines := logLines(buf)
	if len(lines) != 1 {
		t.Fatalf("diagnostics = %d lines, want 1: %v", len(lines), lines)
	}
	if !strings.Contains(lines[0], "intercepted") || !strings.Contains(lines[0], "write-property-multiple") {
		t.Errorf("diagnostic %q missing 'intercepted' / 'write-property-multiple'", lines[0])
	}
	if got := b.Metrics().AbortsIntercepted.Value(); got != 1 {
		t.Errorf("AbortsIntercepted = %d, want 1", got)
	}
}

func TestReceiveTrapsFault(t *testing.T) {
	b, buf := newTestBridge(t, &stubStack{
		receive: func(_ context.Context, src *bridge.Address, _ []byte, _ time.Duration) int {
			var hole *bridge.Address
			*src = *hole // nil dereference
			return 0
		},
	})

	var src bridge.Address
	pdu := make([]byte, bridge.MaxAPDULength)
	got := b.Receive(context.Background(), &src, pdu, time.Second)
	if got != -1 {
		t.Errorf("Receive = %d, want -1", got)
	}

	lines := logLines(buf)
	if len(lines) != 1 {
		t.Fatalf("diagnostics = %d lines, want 1: %v", len(lines), lines)
	}
	if !strings.Contains(lines[0], "fault") {
		t.Errorf("diagnostic %q missing 'fault'", lines[0])
	}
	if got := b.Metrics().FaultsTrapped.Value(); got != 1 {
		t.Errorf("FaultsTrapped = %d, want 1", got)
	}
}

func TestDatalinkInitSuccess(t *testing.T) {
	b, buf := newTestBridge(t, &stubStack{})

	if !b.DatalinkInit(context.Background(), "eth0") {
		t.Error("DatalinkInit = false, want true")
	}
	if lines := logLines(buf); len(lines) != 0 {
		t.Errorf("unexpected diagnostics: %v", lines)
	}
}

func TestDatalinkInitVariantsAbsorbAbort(t *testing.T) {
	abort := func(ctx context.Context, _ string) bool {
		guard.Abort(ctx, 1)
		return true
	}
	b, buf := newTestBridge(t, &stubStack{datalinkInit: abort, datalinkInit6: abort})

	if b.DatalinkInit(context.Background(), "eth0") {
		t.Error("DatalinkInit = true, want false")
	}
	if b.DatalinkInitBIP6(context.Background(), "eth0") {
		t.Error("DatalinkInitBIP6 = true, want false")
	}
	lines := logLines(buf)
	if len(lines) != 2 {
		t.Fatalf("diagnostics = %d lines, want 2: %v", len(lines), lines)
	}
	if !strings.Contains(lines[1], "datalink-init-bip6") {
		t.Errorf("diagnostic %q missing 'datalink-init-bip6'", lines[1])
	}
}

func TestDispatchNPDUAbsorbsFault(t *testing.T) {
	b, buf := newTestBridge(t, &stubStack{
		dispatch: func(context.Context, *bridge.Address, []byte) {
			panic("corrupted handler table")
		},
	})

	// Must not panic out.
	b.DispatchNPDU(context.Background(), &bridge.Address{}, []byte{0x01, 0x00})

	lines := logLines(buf)
	if len(lines) != 1 || !strings.Contains(lines[0], "npdu-dispatch") {
		t.Errorf("diagnostics = %v, want one npdu-dispatch line", lines)
	}
}

func TestReceiveZeroTimeoutUsesDefault(t *testing.T) {
	var got time.Duration
	b, _ := newTestBridge(t, &stubStack{
		receive: func(_ context.Context, _ *bridge.Address, _ []byte, timeout time.Duration) int {
			got = timeout
			return 0
		},
	})

	var src bridge.Address
	b.Receive(context.Background(), &src, make([]byte, 64), 0)
	if got <= 0 {
		t.Errorf("stack received timeout %v, want the configured default", got)
	}
}

func TestInvokeIDPassthrough(t *testing.T) {
	b, _ := newTestBridge(t, &stubStack{
		readRange: func(context.Context, uint32, *bridge.ReadRangeData) uint8 { return 17 },
		readProperty: func(context.Context, uint32, bridge.ObjectIdentifier, bridge.PropertyIdentifier) uint8 {
			return 18
		},
		writeProperty: func(context.Context, uint32, bridge.ObjectIdentifier, bridge.PropertyIdentifier, any, uint8) uint8 {
			return 19
		},
	})
	ctx := context.Background()

	rr := &bridge.ReadRangeData{
		Object:   bridge.NewObjectIdentifier(bridge.ObjectTypeTrendLog, 1),
		Property: bridge.PropertyLogBuffer,
	}
	if got := b.SendReadRange(ctx, 1, rr); got != 17 {
		t.Errorf("SendReadRange = %d, want 17", got)
	}
	oid := bridge.NewObjectIdentifier(bridge.ObjectTypeAnalogInput, 2)
	if got := b.SendReadProperty(ctx, 1, oid, bridge.PropertyPresentValue); got != 18 {
		t.Errorf("SendReadProperty = %d, want 18", got)
	}
	if got := b.SendWriteProperty(ctx, 1, oid, bridge.PropertyPresentValue, float32(1), 8); got != 19 {
		t.Errorf("SendWriteProperty = %d, want 19", got)
	}
}

func TestHostSurvivesAcrossAbnormalCalls(t *testing.T) {
	calls := 0
	b, _ := newTestBridge(t, &stubStack{
		writeMultiple: func(ctx context.Context, _ uint32, _ bridge.WriteAccessData) uint8 {
			calls++
			if calls == 1 {
				guard.Abort(ctx, 1)
			}
			if calls == 2 {
				var p *int
				_ = *p
			}
			return uint8(calls)
		},
	})
	ctx := context.Background()

	if got := b.SendWritePropertyMultiple(ctx, 1, nil); got != 0 {
		t.Errorf("aborting call = %d, want 0", got)
	}
	if got := b.SendWritePropertyMultiple(ctx, 1, nil); got != 0 {
		t.Errorf("faulting call = %d, want 0", got)
	}
	if got := b.SendWritePropertyMultiple(ctx, 1, nil); got != 3 {
		t.Errorf("recovered call = %d, want 3", got)
	}
}

func TestConcurrentEntryPointsIndependent(t *testing.T) {
	const iterations = 100
	b, _ := newTestBridge(t, &stubStack{
		writeMultiple: func(ctx context.Context, _ uint32, _ bridge.WriteAccessData) uint8 {
			guard.Abort(ctx, 1)
			return 0
		},
	})

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < iterations; i++ {
			if got := b.SendWritePropertyMultiple(context.Background(), 1, nil); got != 0 {
				t.Errorf("aborting entry point returned %d", got)
				return
			}
		}
	}()

	go func() {
		defer wg.Done()
		for i := 0; i < iterations; i++ {
			if !b.DatalinkInit(context.Background(), "eth0") {
				t.Error("healthy entry point short-circuited by the other thread")
				return
			}
		}
	}()

	wg.Wait()
}
