// Copyright 2026 The gVisor Authors.
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
	"fmt"
	"testing"

	"golang.org/x/sys/unix"
	"gvisor.dev/vmspace/pkg/errors"
)

func TestErrorFromUnix(t *testing.T) {
	for _, want := range []*errors.Error{EPERM, EFAULT, ENOMEM, EBUSY, EINVAL} {
		got := ErrorFromUnix(want.Errno())
		if got != want {
			t.Errorf("ErrorFromUnix(%d) = %v, want %v", want.Errno(), got, want)
		}
	}
	if err := ErrorFromUnix(0); err != nil {
		t.Errorf("ErrorFromUnix(0) = %v, want nil", err)
	}
	if err := ErrorFromUnix(unix.ENOTSOCK); !Equals(errors.New(unix.ENOTSOCK, "x"), err) {
		t.Errorf("ErrorFromUnix(ENOTSOCK) = %v, want an error with errno ENOTSOCK", err)
	}
}

func TestEquals(t *testing.T) {
	for _, test := range []struct {
		e    *errors.Error
		err  error
		want bool
	}{
		{EFAULT, EFAULT, true},
		{EFAULT, unix.EFAULT, true},
		{EFAULT, EINVAL, false},
		{EFAULT, nil, false},
		{noError, nil, true},
		{ENOMEM, ErrOutOfAddressSpace, true},
		{EEXIST, ErrRangeOverlap, true},
		{EEXIST, fmt.Errorf("file exists"), false},
	} {
		if got := Equals(test.e, test.err); got != test.want {
			t.Errorf("Equals(%v, %v) = %t, want %t", test.e, test.err, got, test.want)
		}
	}
}

func TestTranslateError(t *testing.T) {
	for _, test := range []struct {
		err  error
		want *errors.Error
	}{
		{ErrRangeOverlap, EEXIST},
		{ErrOutOfAddressSpace, ENOMEM},
		{EFAULT, EFAULT},
	} {
		got, ok := TranslateError(test.err)
		if !ok || got != test.want {
			t.Errorf("TranslateError(%v) = (%v, %t), want (%v, true)", test.err, got, ok, test.want)
		}
	}
	if _, ok := TranslateError(fmt.Errorf("unregistered")); ok {
		t.Errorf("TranslateError of an unregistered error succeeded")
	}
}

func TestToUnix(t *testing.T) {
	if got := ToUnix(EBUSY); got != unix.EBUSY {
		t.Errorf("ToUnix(EBUSY) = %v, want %v", got, unix.EBUSY)
	}
	if got := ToUnix(noError); got != 0 {
		t.Errorf("ToUnix(nil) = %v, want 0", got)
	}
}
