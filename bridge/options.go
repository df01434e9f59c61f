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

package bridge

import (
	"log/slog"
	"time"
)

// bridgeOptions holds configuration for the bridge
type bridgeOptions struct {
	// Logging
	logger *slog.Logger

	// Default timeout handed to the stack's receive when the caller
	// passes zero
	receiveTimeout time.Duration
}

// defaultOptions returns the default bridge options
func defaultOptions() *bridgeOptions {
	return &bridgeOptions{
		logger:         slog.Default(),
		receiveTimeout: 100 * time.Millisecond,
	}
}

// Option is a functional option for configuring the bridge
type Option func(*bridgeOptions)

// WithLogger sets the logger for the bridge
func WithLogger(logger *slog.Logger) Option {
	return func(o *bridgeOptions) {
		o.logger = logger
	}
}

// WithReceiveTimeout sets the default receive timeout used when a caller
// passes a zero timeout to Receive
func WithReceiveTimeout(d time.Duration) Option {
	return func(o *bridgeOptions) {
		o.receiveTimeout = d
	}
}
