// Copyright 2018 The gVisor Authors.
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

package usermem

import (
	"bytes"
	"context"
	"testing"

	"gvisor.dev/vmspace/pkg/errors/linuxerr"
	"gvisor.dev/vmspace/pkg/hostarch"
)

func newBytesIOString(s string) *BytesIO {
	return &BytesIO{[]byte(s)}
}

func TestBytesIOCopyOutSuccess(t *testing.T) {
	b := newBytesIOString("ABCDE")
	n, err := b.CopyOut(context.Background(), 1, []byte("foo"), IOOpts{})
	if wantN := 3; n != wantN || err != nil {
		t.Errorf("CopyOut: got (%v, %v), wanted (%v, nil)", n, err, wantN)
	}
	if got, want := b.Bytes, []byte("AfooE"); !bytes.Equal(got, want) {
		t.Errorf("Bytes: got %q, wanted %q", got, want)
	}
}

func TestBytesIOCopyOutFailure(t *testing.T) {
	b := newBytesIOString("ABC")
	n, err := b.CopyOut(context.Background(), 1, []byte("foo"), IOOpts{})
	if wantN, wantErr := 2, linuxerr.EFAULT; n != wantN || err != wantErr {
		t.Errorf("CopyOut: got (%v, %v), wanted (%v, %v)", n, err, wantN, wantErr)
	}
	if got, want := b.Bytes, []byte("Afo"); !bytes.Equal(got, want) {
		t.Errorf("Bytes: got %q, wanted %q", got, want)
	}
}

func TestBytesIOCopyInSuccess(t *testing.T) {
	b := newBytesIOString("AfooE")
	var dst [3]byte
	n, err := b.CopyIn(context.Background(), 1, dst[:], IOOpts{})
	if wantN := 3; n != wantN || err != nil {
		t.Errorf("CopyIn: got (%v, %v), wanted (%v, nil)", n, err, wantN)
	}
	if got, want := dst[:], []byte("foo"); !bytes.Equal(got, want) {
		t.Errorf("dst: got %q, wanted %q", got, want)
	}
}

func TestBytesIOCopyInFailure(t *testing.T) {
	b := newBytesIOString("Afo")
	var dst [3]byte
	n, err := b.CopyIn(context.Background(), 1, dst[:], IOOpts{})
	if wantN, wantErr := 2, linuxerr.EFAULT; n != wantN || err != wantErr {
		t.Errorf("CopyIn: got (%v, %v), wanted (%v, %v)", n, err, wantN, wantErr)
	}
	if got, want := dst[:], []byte("fo\x00"); !bytes.Equal(got, want) {
		t.Errorf("dst: got %q, wanted %q", got, want)
	}
}

func TestBytesIOZeroOutSuccess(t *testing.T) {
	b := newBytesIOString("ABCD")
	n, err := b.ZeroOut(context.Background(), 1, 2, IOOpts{})
	if wantN := int64(2); n != wantN || err != nil {
		t.Errorf("ZeroOut: got (%v, %v), wanted (%v, nil)", n, err, wantN)
	}
	if got, want := b.Bytes, []byte("A\x00\x00D"); !bytes.Equal(got, want) {
		t.Errorf("Bytes: got %q, wanted %q", got, want)
	}
}

func TestBytesIOZeroOutFailure(t *testing.T) {
	b := newBytesIOString("ABC")
	n, err := b.ZeroOut(context.Background(), 1, 3, IOOpts{})
	if wantN, wantErr := int64(2), linuxerr.EFAULT; n != wantN || err != wantErr {
		t.Errorf("ZeroOut: got (%v, %v), wanted (%v, %v)", n, err, wantN, wantErr)
	}
	if got, want := b.Bytes, []byte("A\x00\x00"); !bytes.Equal(got, want) {
		t.Errorf("Bytes: got %q, wanted %q", got, want)
	}
}

func TestCopyUint32RoundTrip(t *testing.T) {
	b := &BytesIO{make([]byte, 8)}
	ctx := context.Background()
	if err := CopyUint32Out(ctx, b, 4, 0xDEADBEEF, IOOpts{}); err != nil {
		t.Fatalf("CopyUint32Out got err %v want nil", err)
	}
	if got, want := b.Bytes[4:], []byte{0xEF, 0xBE, 0xAD, 0xDE}; !bytes.Equal(got, want) {
		t.Errorf("Bytes: got %x, wanted %x", got, want)
	}
	v, err := CopyUint32In(ctx, b, 4, IOOpts{})
	if err != nil || v != 0xDEADBEEF {
		t.Errorf("CopyUint32In: got (%#x, %v), wanted (0xdeadbeef, nil)", v, err)
	}
	if err := CopyUint32Out(ctx, b, 6, 1, IOOpts{}); err != linuxerr.EFAULT {
		t.Errorf("CopyUint32Out past the end got err %v want %v", err, linuxerr.EFAULT)
	}
}

func TestIOReadWriter(t *testing.T) {
	b := &BytesIO{make([]byte, 6)}
	rw := &IOReadWriter{Ctx: context.Background(), IO: b, Addr: 1}
	if n, err := rw.Write([]byte("abc")); n != 3 || err != nil {
		t.Fatalf("Write: got (%v, %v), wanted (3, nil)", n, err)
	}
	if rw.Addr != hostarch.Addr(4) {
		t.Errorf("Addr after write = %v, want 0x4", rw.Addr)
	}
	if n, err := rw.Write([]byte("xyz")); n != 2 || err != linuxerr.EFAULT {
		t.Errorf("Write past end: got (%v, %v), wanted (2, %v)", n, err, linuxerr.EFAULT)
	}
	if got, want := b.Bytes, []byte("\x00abcxy"); !bytes.Equal(got, want) {
		t.Errorf("Bytes: got %q, wanted %q", got, want)
	}
}
