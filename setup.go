// SPDX-License-Identifier: GPL-3.0-or-later

package tstream

import (
	"bytes"
	"encoding/binary"
	"fmt"

	xdr "github.com/rasky/go-xdr/xdr2"
)

// SetupMagic is the magic string carried by every [SetupReply].
const SetupMagic = "NPAM"

// SetupMaxLevel is the highest connection-setup level understood.
const SetupMaxLevel = 4

// Setup reply status codes.
const (
	SetupStatusOK               = 0
	SetupStatusUnsupportedLevel = 1
	SetupStatusAccessDenied     = 2
)

// File types advertised by a [SetupReply] at level 1 and above.
const (
	FileTypeByteModePipe    = 1
	FileTypeMessageModePipe = 2
)

const (
	// setupMaxPDU bounds the length prefix of setup PDUs.
	setupMaxPDU = 16 * 1024 * 1024

	// setupMinReply is the smallest valid encoded reply: magic, level,
	// status and the info array count.
	setupMinReply = 16
)

// SetupRequest is the connection-setup request sent by [FramingConnect].
//
// The blobs carried depend on the level: 1 adds SessionKey, 2 adds also
// DelegatedCreds, 3 adds also SessionInfo, and 4 carries only Session,
// an opaque fully negotiated session object.
type SetupRequest struct {
	Level uint32

	ClientName string
	ClientAddr string
	ClientPort uint16

	ServerName string
	ServerAddr string
	ServerPort uint16

	SessionKey     []byte
	DelegatedCreds []byte
	SessionInfo    []byte
	Session        []byte
}

// SetupReplyInfo is the level 1+ metadata of a [SetupReply].
type SetupReplyInfo struct {
	FileType       uint32
	DeviceState    uint32
	AllocationSize uint64
}

// SetupReply is the connection-setup reply sent by [FramingAccept].
type SetupReply struct {
	Magic  string
	Level  uint32
	Status uint32

	// Info is set for levels 1 and above.
	Info *SetupReplyInfo
}

// MessageMode returns whether the reply selects message-mode framing.
func (r *SetupReply) MessageMode() bool {
	return r.Info != nil && r.Info.FileType == FileTypeMessageModePipe
}

type setupRequestWire struct {
	Level      uint32
	ClientName string
	ClientAddr string
	ClientPort uint32
	ServerName string
	ServerAddr string
	ServerPort uint32
	Blobs      [][]byte
}

type setupReplyWire struct {
	Magic  [4]byte
	Level  uint32
	Status uint32
	Info   []SetupReplyInfo
}

// blobs returns the level-specific blobs in wire order.
func (r *SetupRequest) blobs() ([][]byte, error) {
	switch r.Level {
	case 0:
		return [][]byte{}, nil
	case 1:
		return [][]byte{r.SessionKey}, nil
	case 2:
		return [][]byte{r.SessionKey, r.DelegatedCreds}, nil
	case 3:
		return [][]byte{r.SessionKey, r.DelegatedCreds, r.SessionInfo}, nil
	case 4:
		return [][]byte{r.Session}, nil
	default:
		return nil, fmt.Errorf("setup level %d: %w", r.Level, ErrProtocol)
	}
}

// MarshalPDU encodes the request behind a 4-byte big-endian length.
func (r *SetupRequest) MarshalPDU() ([]byte, error) {
	blobs, err := r.blobs()
	if err != nil {
		return nil, newError(KindProtocol, "setup", err)
	}
	wire := &setupRequestWire{
		Level:      r.Level,
		ClientName: r.ClientName,
		ClientAddr: r.ClientAddr,
		ClientPort: uint32(r.ClientPort),
		ServerName: r.ServerName,
		ServerAddr: r.ServerAddr,
		ServerPort: uint32(r.ServerPort),
		Blobs:      blobs,
	}
	return marshalXDRPDU(wire)
}

// ParseSetupRequest decodes the body of a request PDU (without the
// length prefix).
func ParseSetupRequest(body []byte) (*SetupRequest, error) {
	var wire setupRequestWire
	if err := unmarshalXDR(body, &wire); err != nil {
		return nil, err
	}
	if wire.ClientPort > 0xffff || wire.ServerPort > 0xffff {
		return nil, newError(KindProtocol, "setup", fmt.Errorf("%w: port out of range", ErrMalformedPDU))
	}
	r := &SetupRequest{
		Level:      wire.Level,
		ClientName: wire.ClientName,
		ClientAddr: wire.ClientAddr,
		ClientPort: uint16(wire.ClientPort),
		ServerName: wire.ServerName,
		ServerAddr: wire.ServerAddr,
		ServerPort: uint16(wire.ServerPort),
	}
	want, err := r.blobs()
	if err != nil {
		// Decodable but unsupported: the acceptor answers with a status.
		return r, nil
	}
	if len(want) != len(wire.Blobs) {
		return nil, newError(KindProtocol, "setup", fmt.Errorf(
			"%w: level %d carries %d blobs", ErrMalformedPDU, wire.Level, len(wire.Blobs)))
	}
	switch r.Level {
	case 1, 2, 3:
		r.SessionKey = wire.Blobs[0]
		if r.Level >= 2 {
			r.DelegatedCreds = wire.Blobs[1]
		}
		if r.Level >= 3 {
			r.SessionInfo = wire.Blobs[2]
		}
	case 4:
		r.Session = wire.Blobs[0]
	}
	return r, nil
}

// MarshalPDU encodes the reply behind a 4-byte big-endian length.
func (r *SetupReply) MarshalPDU() ([]byte, error) {
	wire := &setupReplyWire{Level: r.Level, Status: r.Status, Info: []SetupReplyInfo{}}
	copy(wire.Magic[:], r.Magic)
	if r.Info != nil {
		wire.Info = append(wire.Info, *r.Info)
	}
	return marshalXDRPDU(wire)
}

// ParseSetupReply decodes the body of a reply PDU (without the length
// prefix). It checks the encoding only: [FramingConnect] verifies magic,
// status and level.
func ParseSetupReply(body []byte) (*SetupReply, error) {
	if len(body) < setupMinReply {
		return nil, newError(KindProtocol, "setup", fmt.Errorf("%w: reply too short (%d bytes)", ErrProtocol, len(body)))
	}
	var wire setupReplyWire
	if err := unmarshalXDR(body, &wire); err != nil {
		return nil, err
	}
	if len(wire.Info) > 1 {
		return nil, newError(KindProtocol, "setup", fmt.Errorf("%w: %d info entries", ErrMalformedPDU, len(wire.Info)))
	}
	r := &SetupReply{Magic: string(wire.Magic[:]), Level: wire.Level, Status: wire.Status}
	if len(wire.Info) == 1 {
		info := wire.Info[0]
		r.Info = &info
	}
	return r, nil
}

func marshalXDRPDU(v any) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(make([]byte, 4))
	if _, err := xdr.Marshal(&buf, v); err != nil {
		return nil, newError(KindProtocol, "setup", fmt.Errorf("%w: %w", ErrMalformedPDU, err))
	}
	pdu := buf.Bytes()
	if len(pdu)-4 > setupMaxPDU {
		return nil, newError(KindProtocol, "setup", ErrMessageTooLarge)
	}
	binary.BigEndian.PutUint32(pdu, uint32(len(pdu)-4))
	return pdu, nil
}

func unmarshalXDR(body []byte, v any) error {
	reader := bytes.NewReader(body)
	if _, err := xdr.Unmarshal(reader, v); err != nil {
		return newError(KindProtocol, "setup", fmt.Errorf("%w: %w", ErrMalformedPDU, err))
	}
	if reader.Len() != 0 {
		return newError(KindProtocol, "setup", fmt.Errorf("%w: %d trailing bytes", ErrMalformedPDU, reader.Len()))
	}
	return nil
}
