// Package protocol implements the HyperTCP wire format: a fixed 5-byte
// big-endian header followed by a length-prefixed payload.
//
// Header layout (network byte order):
//
//	offset 0: u8  command type
//	offset 1: u16 message id
//	offset 3: u16 payload length
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderSize is the fixed wire header length in bytes.
const HeaderSize = 5

// MaxPayloadSize is the largest payload a frame can carry (u16 length field).
const MaxPayloadSize = 65535

// Command types
const (
	CmdResponse    byte = 0
	CmdPing        byte = 6
	CmdLogin       byte = 29
	CmdJSONMessage byte = 30
	CmdRedirect    byte = 41
	CmdBroadcast   byte = 50
)

// Status codes carried as the single payload byte of a RESPONSE frame.
const (
	StatusInvalidCommand   byte = 2
	StatusNotAuthenticated byte = 5
	StatusInvalidToken     byte = 9
	StatusTimeout          byte = 16
	StatusSuccess          byte = 200
)

var (
	ErrHeaderTooShort  = errors.New("header too short: need 5 bytes")
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")
)

// cmdName maps command bytes to names for debugging.
var cmdName = map[byte]string{
	CmdResponse:    "RESPONSE",
	CmdPing:        "PING",
	CmdLogin:       "LOGIN",
	CmdJSONMessage: "JSON_MESSAGE",
	CmdRedirect:    "REDIRECT",
	CmdBroadcast:   "BROADCAST",
}

// CommandName returns the human-readable name of a command type.
func CommandName(t byte) string {
	if name, ok := cmdName[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(0x%02X)", t)
}

// Header is the decoded form of the 5-byte wire header.
type Header struct {
	Type   byte
	MsgID  uint16
	Length uint16
}

// EncodeHeader packs a header into its 5-byte wire form.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	buf[0] = h.Type
	binary.BigEndian.PutUint16(buf[1:3], h.MsgID)
	binary.BigEndian.PutUint16(buf[3:5], h.Length)
	return buf
}

// DecodeHeader unpacks a 5-byte wire header.
func DecodeHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, ErrHeaderTooShort
	}
	return Header{
		Type:   data[0],
		MsgID:  binary.BigEndian.Uint16(data[1:3]),
		Length: binary.BigEndian.Uint16(data[3:5]),
	}, nil
}

// Frame is one header plus its payload.
type Frame struct {
	Type    byte
	MsgID   uint16
	Payload []byte
}

// EncodeFrame serializes a frame into a single wire buffer.
func EncodeFrame(f Frame) ([]byte, error) {
	if len(f.Payload) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}
	buf := make([]byte, HeaderSize+len(f.Payload))
	buf[0] = f.Type
	binary.BigEndian.PutUint16(buf[1:3], f.MsgID)
	binary.BigEndian.PutUint16(buf[3:5], uint16(len(f.Payload)))
	copy(buf[HeaderSize:], f.Payload)
	return buf, nil
}

// ReadFrame reads exactly one frame from r. It returns io.EOF if the peer
// closes before a header arrives, and io.ErrUnexpectedEOF on a partial
// header or payload.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	h, err := DecodeHeader(hdr[:])
	if err != nil {
		return Frame{}, err
	}
	f := Frame{Type: h.Type, MsgID: h.MsgID}
	if h.Length > 0 {
		f.Payload = make([]byte, h.Length)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return Frame{}, err
		}
	}
	return f, nil
}

// WriteFrame encodes f and writes it to w as one contiguous buffer so that
// header and payload can never interleave with a concurrent writer's frame.
func WriteFrame(w io.Writer, f Frame) error {
	buf, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// Response builds a RESPONSE frame echoing msgID. A status < 0 means no
// payload (the empty ack used for PING and JSON_MESSAGE acknowledgements).
func Response(msgID uint16, status int) Frame {
	f := Frame{Type: CmdResponse, MsgID: msgID}
	if status >= 0 {
		f.Payload = []byte{byte(status)}
	}
	return f
}
