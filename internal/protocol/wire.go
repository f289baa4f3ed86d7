/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package protocol implements the fixed-layout wire frames exchanged
// between bookkeeperd and portguard over the control socket. The layout is
// native-endian and unpadded as transmitted, preserved bit-for-bit from the
// original C protocol so an old client and a new daemon (or vice versa)
// still agree on the bytes.
package protocol

import (
	"encoding/binary"
	"errors"
	"io"
)

// Magic identifies a well-formed request frame. Anything else is dropped
// silently by the server, never answered.
const Magic uint32 = 0x504F5254

type Opcode uint32

const (
	OpReserve Opcode = 0
	OpRelease Opcode = 1
	OpPolicy  Opcode = 2
	OpList    Opcode = 3
)

type Status uint8

const (
	StatusReserved Status = 0
	StatusReleased Status = 1
	StatusUnknown  Status = 2
)

type Reacquire uint8

const (
	ReacquireDo      Reacquire = 0
	ReacquireDont    Reacquire = 1
	ReacquireUnknown Reacquire = 2
)

const (
	RequestSize        = 20
	ResponseHeaderSize = 6
	PortInfoSize       = 8
)

var ErrShortRead = errors.New("protocol: short read")

// Request is the 20-byte frame a client sends: magic, opcode, uid, port,
// status (unused on the wire in, kept for layout parity), suppress-reacquire
// flag, and error (ignored by the server, present only to keep the layout
// fixed at 7 scalar fields / 20 bytes).
type Request struct {
	Magic             uint32
	Opcode            Opcode
	UID               uint32
	Port              uint16
	Status            uint8
	SuppressReacquire uint8
	Error             int32
}

// Encode renders r as the 20-byte wire frame, field by field in native byte
// order, with no padding between fields.
func (r Request) Encode() []byte {
	b := make([]byte, RequestSize)
	binary.NativeEndian.PutUint32(b[0:4], r.Magic)
	binary.NativeEndian.PutUint32(b[4:8], uint32(r.Opcode))
	binary.NativeEndian.PutUint32(b[8:12], r.UID)
	binary.NativeEndian.PutUint16(b[12:14], r.Port)
	b[14] = r.Status
	b[15] = r.SuppressReacquire
	binary.NativeEndian.PutUint32(b[16:20], uint32(r.Error))
	return b
}

// DecodeRequest reads exactly one request frame from r.
func DecodeRequest(r io.Reader) (Request, error) {
	var req Request
	b := make([]byte, RequestSize)
	if _, err := io.ReadFull(r, b); err != nil {
		return req, err
	}
	req.Magic = binary.NativeEndian.Uint32(b[0:4])
	req.Opcode = Opcode(binary.NativeEndian.Uint32(b[4:8]))
	req.UID = binary.NativeEndian.Uint32(b[8:12])
	req.Port = binary.NativeEndian.Uint16(b[12:14])
	req.Status = b[14]
	req.SuppressReacquire = b[15]
	req.Error = int32(binary.NativeEndian.Uint32(b[16:20]))
	return req, nil
}

// ResponseHeader is the 6-byte header every response begins with.
type ResponseHeader struct {
	Error    int32
	PortsLen uint16
}

func (h ResponseHeader) Encode() []byte {
	b := make([]byte, ResponseHeaderSize)
	binary.NativeEndian.PutUint32(b[0:4], uint32(h.Error))
	binary.NativeEndian.PutUint16(b[4:6], h.PortsLen)
	return b
}

func DecodeResponseHeader(r io.Reader) (ResponseHeader, error) {
	var h ResponseHeader
	b := make([]byte, ResponseHeaderSize)
	if _, err := io.ReadFull(r, b); err != nil {
		return h, err
	}
	h.Error = int32(binary.NativeEndian.Uint32(b[0:4]))
	h.PortsLen = binary.NativeEndian.Uint16(b[4:6])
	return h, nil
}

// PortInfo is one entry of a LIST response, 8 bytes on the wire.
type PortInfo struct {
	UID               uint32
	Port              uint16
	Status            Status
	SuppressReacquire Reacquire
}

func (p PortInfo) Encode() []byte {
	b := make([]byte, PortInfoSize)
	binary.NativeEndian.PutUint32(b[0:4], p.UID)
	binary.NativeEndian.PutUint16(b[4:6], p.Port)
	b[6] = uint8(p.Status)
	b[7] = uint8(p.SuppressReacquire)
	return b
}

func DecodePortInfo(r io.Reader) (PortInfo, error) {
	var p PortInfo
	b := make([]byte, PortInfoSize)
	if _, err := io.ReadFull(r, b); err != nil {
		return p, err
	}
	p.UID = binary.NativeEndian.Uint32(b[0:4])
	p.Port = binary.NativeEndian.Uint16(b[4:6])
	p.Status = Status(b[6])
	p.SuppressReacquire = Reacquire(b[7])
	return p, nil
}

// EncodePortInfoList renders a full LIST response body.
func EncodePortInfoList(ports []PortInfo) []byte {
	b := make([]byte, 0, len(ports)*PortInfoSize)
	for _, p := range ports {
		b = append(b, p.Encode()...)
	}
	return b
}

// DecodePortInfoList reads n PortInfo entries from r.
func DecodePortInfoList(r io.Reader, n uint16) ([]PortInfo, error) {
	ports := make([]PortInfo, 0, n)
	for i := uint16(0); i < n; i++ {
		p, err := DecodePortInfo(r)
		if err != nil {
			return nil, err
		}
		ports = append(ports, p)
	}
	return ports, nil
}
