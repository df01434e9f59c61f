package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgeo/drivers/bacnet-bridge/bridge"
	"github.com/edgeo/drivers/bacnet-bridge/bridge/bacip"
)

var (
	whoIsLow    int32
	whoIsHigh   int32
	whoIsListen time.Duration
)

var whoIsCmd = &cobra.Command{
	Use:   "whois",
	Short: "Discover devices on the network",
	Long: `Whois broadcasts a Who-Is request and collects the I-Am responses
for a listening window, printing each responding device.

Examples:
  # Discover everything
  edgeo-bacnet-bridge whois

  # Discover a device instance range
  edgeo-bacnet-bridge whois --low 1000 --high 1999 --wait 5s`,

	RunE: runWhoIs,
}

func init() {
	whoIsCmd.Flags().Int32Var(&whoIsLow, "low", -1, "Low device instance limit (-1 for unbounded)")
	whoIsCmd.Flags().Int32Var(&whoIsHigh, "high", -1, "High device instance limit (-1 for unbounded)")
	whoIsCmd.Flags().DurationVar(&whoIsListen, "wait", 3*time.Second, "How long to collect I-Am responses")
}

func runWhoIs(cmd *cobra.Command, args []string) error {
	b, stack, err := createBridge()
	if err != nil {
		return fmt.Errorf("create bridge: %w", err)
	}
	if err := datalinkUp(b, cmd); err != nil {
		return err
	}
	defer stack.Close()

	found := 0
	stack.RegisterHandler(bacip.ServiceIAm, func(src bridge.Address, apdu bacip.APDU) {
		found++
		fmt.Printf("I-Am from %s\n", src.String())
	})

	ctx := cmd.Context()
	b.SendWhoIs(ctx, whoIsLow, whoIsHigh)

	deadline := time.Now().Add(whoIsListen)
	var src bridge.Address
	pdu := make([]byte, bridge.MaxAPDULength)
	for time.Now().Before(deadline) {
		n := b.Receive(ctx, &src, pdu, 0)
		if n <= 0 {
			continue
		}
		b.DispatchNPDU(ctx, &src, pdu[:n])
	}

	fmt.Printf("%d device(s) responded\n", found)
	return nil
}
