package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgeo/drivers/bacnet-bridge/bridge"
)

var listenStats time.Duration

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Bring up the datalink and relay inbound traffic",
	Long: `Listen initializes the datalink and then runs the receive loop:
each inbound NPDU is pulled off the wire and handed to the stack's
dispatcher, both through the isolation boundary. A misbehaving stack
costs one unit of traffic, never the process.

Examples:
  # Listen on all interfaces
  edgeo-bacnet-bridge listen

  # Listen on a specific interface with periodic statistics
  edgeo-bacnet-bridge listen -i eth0 --stats 30s`,

	RunE: runListen,
}

func init() {
	listenCmd.Flags().DurationVar(&listenStats, "stats", 0, "Print statistics at this interval (0 disables)")
}

func runListen(cmd *cobra.Command, args []string) error {
	b, _, err := createBridge()
	if err != nil {
		return fmt.Errorf("create bridge: %w", err)
	}
	if err := datalinkUp(b, cmd); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var statsC <-chan time.Time
	if listenStats > 0 {
		ticker := time.NewTicker(listenStats)
		defer ticker.Stop()
		statsC = ticker.C
	}

	logger.Info("relaying inbound traffic", "interface", ifaceName)

	var src bridge.Address
	pdu := make([]byte, bridge.MaxAPDULength)
	for {
		select {
		case <-ctx.Done():
			printStats(b)
			return nil
		case <-statsC:
			printStats(b)
		default:
		}

		n := b.Receive(ctx, &src, pdu, 0)
		if n <= 0 {
			continue
		}
		b.DispatchNPDU(context.WithoutCancel(ctx), &src, pdu[:n])
	}
}

func printStats(b *bridge.Bridge) {
	snap := b.Metrics().Snapshot()
	fmt.Printf("uptime %s  received %d (%d bytes)  dispatched %d  aborts %d  faults %d\n",
		snap.Uptime.Round(time.Second),
		snap.PacketsReceived, snap.BytesReceived,
		snap.PacketsDispatched,
		snap.AbortsIntercepted, snap.FaultsTrapped,
	)
}
