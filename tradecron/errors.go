// Copyright 2022
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tradecron

import "errors"

var (
	// ErrConflictingModifiers indicates that two modifiers of the same kind
	// were supplied, e.g. both @open and @close
	ErrConflictingModifiers = errors.New("conflicting modifiers requested")

	// ErrUnknownModifier indicates an unsupported @-token in the schedule
	ErrUnknownModifier = errors.New("unknown schedule modifier")

	// ErrMalformedTimeSpec indicates the minute or hour field could not be parsed
	ErrMalformedTimeSpec = errors.New("malformed time spec")

	// ErrFieldOutOfBounds indicates a time field fell outside its valid range
	// after modifier offsets were applied
	ErrFieldOutOfBounds = errors.New("field outside of expected bounds")
)
