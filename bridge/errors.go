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

import "errors"

// Sentinel errors
var (
	ErrNilStack          = errors.New("bridge: stack must not be nil")
	ErrInvalidObjectSpec = errors.New("bridge: invalid object specification")
	ErrUnknownObjectType = errors.New("bridge: unknown object type")
	ErrUnknownProperty   = errors.New("bridge: unknown property")
)
