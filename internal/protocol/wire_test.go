/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package protocol

import (
	"bytes"
	"testing"
)

func TestRequestRoundTrip(t *testing.T) {
	req := Request{
		Magic:             Magic,
		Opcode:            OpRelease,
		UID:               1001,
		Port:              0,
		SuppressReacquire: 1,
	}
	enc := req.Encode()
	if len(enc) != RequestSize {
		t.Fatalf("expected %d bytes, got %d", RequestSize, len(enc))
	}
	got, err := DecodeRequest(bytes.NewReader(enc))
	if err != nil {
		t.Fatal(err)
	}
	if got != req {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, req)
	}
}

func TestRequestBadMagicStillDecodes(t *testing.T) {
	// the server is responsible for dropping bad-magic frames; decoding
	// itself must not fail just because the magic is wrong.
	req := Request{Magic: 0xdeadbeef, Opcode: OpList}
	got, err := DecodeRequest(bytes.NewReader(req.Encode()))
	if err != nil {
		t.Fatal(err)
	}
	if got.Magic == Magic {
		t.Fatalf("expected mismatched magic to survive decode")
	}
}

func TestResponseHeaderRoundTrip(t *testing.T) {
	h := ResponseHeader{Error: 13, PortsLen: 2}
	got, err := DecodeResponseHeader(bytes.NewReader(h.Encode()))
	if err != nil {
		t.Fatal(err)
	}
	if got != h {
		t.Fatalf("got %+v want %+v", got, h)
	}
}

func TestPortInfoListRoundTrip(t *testing.T) {
	ports := []PortInfo{
		{UID: 1001, Port: 11001, Status: StatusReserved, SuppressReacquire: ReacquireDo},
		{UID: 1002, Port: 11002, Status: StatusUnknown, SuppressReacquire: ReacquireUnknown},
	}
	enc := EncodePortInfoList(ports)
	if len(enc) != len(ports)*PortInfoSize {
		t.Fatalf("expected %d bytes, got %d", len(ports)*PortInfoSize, len(enc))
	}
	got, err := DecodePortInfoList(bytes.NewReader(enc), uint16(len(ports)))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(ports) {
		t.Fatalf("got %d entries, want %d", len(got), len(ports))
	}
	for i := range ports {
		if got[i] != ports[i] {
			t.Fatalf("entry %d: got %+v want %+v", i, got[i], ports[i])
		}
	}
}

func TestRequestShortReadErrors(t *testing.T) {
	if _, err := DecodeRequest(bytes.NewReader(make([]byte, RequestSize-1))); err == nil {
		t.Fatal("expected error on truncated frame")
	}
}
