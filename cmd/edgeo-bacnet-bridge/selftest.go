package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgeo/drivers/bacnet-bridge/bridge"
	"github.com/edgeo/drivers/bacnet-bridge/bridge/guard"
)

var selfTestCmd = &cobra.Command{
	Use:   "selftest",
	Short: "Exercise the isolation boundary against a misbehaving stack",
	Long: `Selftest drives the bridge with an in-process stack that terminates,
faults, and finally behaves, proving that every misbehavior is
contained to a failure return while the process keeps running.`,

	RunE: runSelfTest,
}

// misbehavingStack terminates on the first call, faults on the second,
// and behaves from the third call on.
type misbehavingStack struct {
	calls int
}

func (m *misbehavingStack) SendWritePropertyMultiple(ctx context.Context, deviceID uint32, data bridge.WriteAccessData) uint8 {
	m.calls++
	switch m.calls {
	case 1:
		guard.Abort(ctx, 1)
	case 2:
		var p *int
		_ = *p
	}
	return uint8(m.calls)
}

func (m *misbehavingStack) SendReadRange(ctx context.Context, deviceID uint32, data *bridge.ReadRangeData) uint8 {
	return 1
}

func (m *misbehavingStack) DatalinkInit(ctx context.Context, ifaceName string) bool {
	return true
}

func (m *misbehavingStack) DatalinkInitBIP6(ctx context.Context, ifaceName string) bool {
	return true
}

func (m *misbehavingStack) Receive(ctx context.Context, src *bridge.Address, pdu []byte, timeout time.Duration) int {
	return 0
}

func (m *misbehavingStack) DispatchNPDU(ctx context.Context, src *bridge.Address, pdu []byte) {
	panic("handler table corrupted")
}

func (m *misbehavingStack) SendWhoIs(ctx context.Context, lowLimit, highLimit int32) {}
func (m *misbehavingStack) SendIAm(ctx context.Context)                              {}

func (m *misbehavingStack) SendReadProperty(ctx context.Context, deviceID uint32, oid bridge.ObjectIdentifier, prop bridge.PropertyIdentifier) uint8 {
	return 1
}

func (m *misbehavingStack) SendWriteProperty(ctx context.Context, deviceID uint32, oid bridge.ObjectIdentifier, prop bridge.PropertyIdentifier, value any, priority uint8) uint8 {
	return 1
}

func runSelfTest(cmd *cobra.Command, args []string) error {
	b, err := bridge.New(&misbehavingStack{}, bridge.WithLogger(logger))
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	wad := bridge.WriteAccessData{{
		Object: bridge.NewObjectIdentifier(bridge.ObjectTypeAnalogOutput, 1),
		Writes: []bridge.PropertyWrite{{Property: bridge.PropertyPresentValue, Value: float32(75.5)}},
	}}

	fmt.Println("1: stack terminates mid-call")
	if id := b.SendWritePropertyMultiple(ctx, 1234, wad); id != 0 {
		return fmt.Errorf("expected failure sentinel, got invoke ID %d", id)
	}
	fmt.Println("   contained, invoke ID 0")

	fmt.Println("2: stack faults on a nil pointer")
	if id := b.SendWritePropertyMultiple(ctx, 1234, wad); id != 0 {
		return fmt.Errorf("expected failure sentinel, got invoke ID %d", id)
	}
	fmt.Println("   contained, invoke ID 0")

	fmt.Println("3: stack behaves")
	if id := b.SendWritePropertyMultiple(ctx, 1234, wad); id == 0 {
		return fmt.Errorf("healthy call returned the failure sentinel")
	}
	fmt.Println("   completed")

	fmt.Println("4: stack panics inside the dispatcher")
	b.DispatchNPDU(ctx, &bridge.Address{}, []byte{0x01, 0x00})
	fmt.Println("   absorbed")

	snap := b.Metrics().Snapshot()
	fmt.Printf("\nintercepted terminations: %d, trapped faults: %d, completed calls: %d\n",
		snap.AbortsIntercepted, snap.FaultsTrapped, snap.CallsCompleted)
	return nil
}
