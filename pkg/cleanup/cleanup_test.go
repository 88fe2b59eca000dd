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

package cleanup

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

var errFailed = errors.New("failed")

// rollbackHelper records the cleanups that ran when a multi-step operation
// fails at step failAt, or succeeds if failAt is out of range.
func rollbackHelper(order *[]string, failAt int) error {
	cu := Make(func() { *order = append(*order, "first") })
	defer cu.Clean()
	if failAt == 0 {
		return errFailed
	}
	cu.Add(func() { *order = append(*order, "second") })
	if failAt == 1 {
		return errFailed
	}
	cu.Release()
	return nil
}

func TestCleanupOrder(t *testing.T) {
	for _, test := range []struct {
		failAt int
		want   []string
	}{
		{failAt: 0, want: []string{"first"}},
		{failAt: 1, want: []string{"second", "first"}},
		{failAt: 2, want: nil},
	} {
		var order []string
		err := rollbackHelper(&order, test.failAt)
		if (err != nil) != (test.failAt < 2) {
			t.Errorf("failAt=%d: got err %v", test.failAt, err)
		}
		if diff := cmp.Diff(test.want, order); diff != "" {
			t.Errorf("failAt=%d: cleanup order mismatch (-want +got):\n%s", test.failAt, diff)
		}
	}
}

func TestRelease(t *testing.T) {
	ran := 0
	cu := Make(func() { ran++ })
	cu.Add(func() { ran++ })
	cleaner := cu.Release()
	cu.Clean()
	if ran != 0 {
		t.Fatalf("cleanup functions ran %d times after Release", ran)
	}
	cleaner()
	if ran != 2 {
		t.Fatalf("released cleaner ran %d functions, want 2", ran)
	}
}

func TestCleanOnPanic(t *testing.T) {
	ran := false
	func() {
		defer func() { recover() }()
		cu := Make(func() { ran = true })
		defer cu.Clean()
		panic("boom")
	}()
	if !ran {
		t.Fatalf("cleanup did not run while unwinding a panic")
	}
}
