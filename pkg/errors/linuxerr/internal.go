// Copyright 2021 The gVisor Authors.
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

package linuxerr

import (
	"golang.org/x/sys/unix"
	"gvisor.dev/vmspace/pkg/errors"
)

var (
	// ErrRangeOverlap is returned when a fixed allocation would overlap an
	// existing region. It is reported to applications as EEXIST, like
	// MAP_FIXED_NOREPLACE.
	ErrRangeOverlap = errors.New(unix.EEXIST, "range overlaps an existing region")

	// ErrOutOfAddressSpace is returned when an allocation cannot be placed
	// within the address space's layout.
	ErrOutOfAddressSpace = errors.New(unix.ENOMEM, "out of address space")
)

var errorMap = map[error]*errors.Error{
	ErrRangeOverlap:      EEXIST,
	ErrOutOfAddressSpace: ENOMEM,
}

// errorUnwrappers is an array of unwrap functions to extract typed errors.
var errorUnwrappers = []func(error) (*errors.Error, bool){}

// AddErrorUnwrapper registers an unwrap method that can extract a concrete error
// from a typed, but not initialized, error.
func AddErrorUnwrapper(unwrap func(e error) (*errors.Error, bool)) {
	errorUnwrappers = append(errorUnwrappers, unwrap)
}

// TranslateError translates errors to errnos, it will return false if
// the error was not registered.
func TranslateError(from error) (*errors.Error, bool) {
	if err, ok := errorMap[from]; ok {
		return err, true
	}
	if err, ok := from.(*errors.Error); ok {
		if e, ok := errorsByErrno[err.Errno()]; ok {
			return e, true
		}
		return err, true
	}
	// Try to unwrap the error if we couldn't match an error
	// exactly.  This might mean that a package has its own
	// error type.
	for _, unwrap := range errorUnwrappers {
		if err, ok := unwrap(from); ok {
			return err, true
		}
	}
	return nil, false
}
