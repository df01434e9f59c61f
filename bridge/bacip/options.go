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

package bacip

import (
	"log/slog"

	"github.com/edgeo/drivers/bacnet-bridge/bridge"
)

// stackOptions holds configuration for the stack
type stackOptions struct {
	// Logging
	logger *slog.Logger

	// Local device identity announced in I-Am
	deviceID uint32
	vendorID uint16

	// UDP port for the datalink and broadcasts
	port int
}

// defaultStackOptions returns the default stack options
func defaultStackOptions() *stackOptions {
	return &stackOptions{
		logger:   slog.Default(),
		deviceID: 4194302, // one below the unconfigured maximum
		vendorID: 260,
		port:     bridge.DefaultPort,
	}
}

// StackOption is a functional option for configuring the stack
type StackOption func(*stackOptions)

// WithLogger sets the logger for the stack
func WithLogger(logger *slog.Logger) StackOption {
	return func(o *stackOptions) {
		o.logger = logger
	}
}

// WithDeviceID sets the local device instance announced in I-Am
func WithDeviceID(id uint32) StackOption {
	return func(o *stackOptions) {
		o.deviceID = id
	}
}

// WithVendorID sets the vendor identifier announced in I-Am
func WithVendorID(id uint16) StackOption {
	return func(o *stackOptions) {
		o.vendorID = id
	}
}

// WithPort sets the UDP port for the datalink
func WithPort(port int) StackOption {
	return func(o *stackOptions) {
		o.port = port
	}
}
