// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/edgeo/drivers/bacnet-bridge/bridge"
	"github.com/edgeo/drivers/bacnet-bridge/bridge/bacip"
)

var (
	cfgFile        string
	ifaceName      string
	useIPv6        bool
	port           int
	deviceID       uint32
	localDeviceID  uint32
	vendorID       uint16
	targetAddress  string
	receiveTimeout time.Duration
	verbose        bool

	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "edgeo-bacnet-bridge",
	Short: "An isolated BACnet/IP bridge CLI",
	Long: `edgeo-bacnet-bridge drives a BACnet/IP protocol stack through an
isolation boundary: a stack that aborts or faults mid-call is reported
as an ordinary failure instead of taking the process down.

Examples:
  # Bring up the datalink and relay inbound traffic
  edgeo-bacnet-bridge listen -i eth0

  # Submit a WritePropertyMultiple request
  edgeo-bacnet-bridge write -d 1234 -a 10.0.0.9:47808 -O analog-output:1 -P present-value -V 75.5

  # Submit a ReadRange request against a trend log
  edgeo-bacnet-bridge readrange -d 1234 -a 10.0.0.9:47808 -O trend-log:1 --count -50

  # Discover devices
  edgeo-bacnet-bridge whois`,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Setup logger
		logLevel := slog.LevelInfo
		if verbose {
			logLevel = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: logLevel,
		}))

		return nil
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.edgeo-bacnet-bridge.yaml)")
	rootCmd.PersistentFlags().StringVarP(&ifaceName, "interface", "i", "", "Interface name or local address for the datalink")
	rootCmd.PersistentFlags().BoolVar(&useIPv6, "ipv6", false, "Use BACnet/IPv6 instead of BACnet/IP")
	rootCmd.PersistentFlags().IntVarP(&port, "port", "p", bridge.DefaultPort, "BACnet/IP port")
	rootCmd.PersistentFlags().Uint32VarP(&deviceID, "device", "d", 0, "Target device instance ID")
	rootCmd.PersistentFlags().Uint32Var(&localDeviceID, "local-device", 4194302, "Local device instance announced in I-Am")
	rootCmd.PersistentFlags().Uint16Var(&vendorID, "vendor", 260, "Vendor identifier announced in I-Am")
	rootCmd.PersistentFlags().StringVarP(&targetAddress, "address", "a", "", "Target device address (ip:port), bound before sending")
	rootCmd.PersistentFlags().DurationVar(&receiveTimeout, "receive-timeout", 100*time.Millisecond, "Default inbound receive timeout")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")

	// Bind flags to viper
	viper.BindPFlag("interface", rootCmd.PersistentFlags().Lookup("interface"))
	viper.BindPFlag("ipv6", rootCmd.PersistentFlags().Lookup("ipv6"))
	viper.BindPFlag("port", rootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("device", rootCmd.PersistentFlags().Lookup("device"))
	viper.BindPFlag("local-device", rootCmd.PersistentFlags().Lookup("local-device"))
	viper.BindPFlag("vendor", rootCmd.PersistentFlags().Lookup("vendor"))
	viper.BindPFlag("address", rootCmd.PersistentFlags().Lookup("address"))
	viper.BindPFlag("receive-timeout", rootCmd.PersistentFlags().Lookup("receive-timeout"))
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))

	// Add subcommands
	rootCmd.AddCommand(listenCmd)
	rootCmd.AddCommand(writeCmd)
	rootCmd.AddCommand(readRangeCmd)
	rootCmd.AddCommand(whoIsCmd)
	rootCmd.AddCommand(selfTestCmd)
	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}

		viper.AddConfigPath(home)
		viper.SetConfigName(".edgeo-bacnet-bridge")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("BACNET_BRIDGE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if verbose {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}

// createBridge assembles a stack and the bridge around it from the
// current configuration
func createBridge() (*bridge.Bridge, *bacip.Stack, error) {
	stack := bacip.NewStack(
		bacip.WithLogger(logger),
		bacip.WithDeviceID(localDeviceID),
		bacip.WithVendorID(vendorID),
		bacip.WithPort(port),
	)

	b, err := bridge.New(stack,
		bridge.WithLogger(logger),
		bridge.WithReceiveTimeout(receiveTimeout),
	)
	if err != nil {
		return nil, nil, err
	}
	return b, stack, nil
}

// datalinkUp initializes the configured datalink through the bridge
func datalinkUp(b *bridge.Bridge, cmd *cobra.Command) error {
	ctx := cmd.Context()
	ok := false
	if useIPv6 {
		ok = b.DatalinkInitBIP6(ctx, ifaceName)
	} else {
		ok = b.DatalinkInit(ctx, ifaceName)
	}
	if !ok {
		return fmt.Errorf("datalink initialization failed on %q", ifaceName)
	}
	return nil
}

// bindTarget records the target device's address when one was given
func bindTarget(stack *bacip.Stack) error {
	if targetAddress == "" {
		return nil
	}
	hostStr, portStr, err := net.SplitHostPort(targetAddress)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", targetAddress, err)
	}
	ip := net.ParseIP(hostStr)
	if ip == nil {
		return fmt.Errorf("invalid address %q: not an IP", targetAddress)
	}
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	udpPort, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", targetAddress, err)
	}

	mac := append([]byte(nil), ip...)
	mac = append(mac, byte(udpPort>>8), byte(udpPort))
	stack.Bind(deviceID, bridge.Address{Addr: mac})
	return nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("edgeo-bacnet-bridge version 1.0.0")
	},
}
