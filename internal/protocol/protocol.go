// Package protocol defines the host/viewer wire format.
//
// On byte streams every message is framed as
//
//	[length u32 LE][type u8][body]
//
// where length covers type and body. Message oriented transports
// (WebSocket, DataChannel) carry [type][body] and rely on their own
// framing. A packet body is
//
//	[seq u64 LE][kind u8][timestamp u64 LE][payload]
//
// and a control body is a JSON encoded Message.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/junsooki/shar/internal/media"
)

// MaxFrameSize bounds a single frame on the wire.
const MaxFrameSize = 0xFFFFFF

// ErrProtocolViolation marks malformed framing or an unexpected message.
var ErrProtocolViolation = errors.New("protocol violation")

// Type is the first byte of every message.
type Type uint8

const (
	TypePacket  Type = 1
	TypeControl Type = 2
)

const packetHeaderSize = 8 + 1 + 8

// EncodePacket builds the [type][body] form of a packet envelope.
func EncodePacket(p *media.Packet) []byte {
	buf := make([]byte, 1+packetHeaderSize+len(p.Payload))
	buf[0] = byte(TypePacket)
	binary.LittleEndian.PutUint64(buf[1:], p.Seq)
	buf[9] = byte(p.Kind)
	binary.LittleEndian.PutUint64(buf[10:], p.Timestamp)
	copy(buf[18:], p.Payload)
	return buf
}

// EncodeControl builds the [type][body] form of a control message.
func EncodeControl(msg Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", msg.Type, err)
	}
	buf := make([]byte, 1+len(body))
	buf[0] = byte(TypeControl)
	copy(buf[1:], body)
	return buf, nil
}

// Decoded is one parsed message; exactly one of Packet and Control is set.
type Decoded struct {
	Packet  *media.Packet
	Control *Message
}

// Decode parses a [type][body] message.
func Decode(data []byte) (Decoded, error) {
	if len(data) == 0 {
		return Decoded{}, fmt.Errorf("empty message: %w", ErrProtocolViolation)
	}
	body := data[1:]
	switch Type(data[0]) {
	case TypePacket:
		if len(body) < packetHeaderSize {
			return Decoded{}, fmt.Errorf("short packet (%d bytes): %w", len(body), ErrProtocolViolation)
		}
		kind := media.Kind(body[8])
		if kind != media.Keyframe && kind != media.Delta {
			return Decoded{}, fmt.Errorf("packet kind %d: %w", kind, ErrProtocolViolation)
		}
		return Decoded{Packet: &media.Packet{
			Seq:       binary.LittleEndian.Uint64(body[0:]),
			Kind:      kind,
			Timestamp: binary.LittleEndian.Uint64(body[9:]),
			Payload:   body[packetHeaderSize:],
		}}, nil
	case TypeControl:
		var msg Message
		if err := json.Unmarshal(body, &msg); err != nil {
			return Decoded{}, fmt.Errorf("control message: %v: %w", err, ErrProtocolViolation)
		}
		if msg.Type == "" {
			return Decoded{}, fmt.Errorf("control message without type: %w", ErrProtocolViolation)
		}
		return Decoded{Control: &msg}, nil
	default:
		return Decoded{}, fmt.Errorf("message type %d: %w", data[0], ErrProtocolViolation)
	}
}

// WriteFrame writes a length-prefixed frame to w.
func WriteFrame(w io.Writer, msg []byte) error {
	if len(msg) > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes: %w", len(msg), ErrProtocolViolation)
	}
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(msg)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(msg)
	return err
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(lenBuf[:])
	if size == 0 || size > MaxFrameSize {
		return nil, fmt.Errorf("invalid frame size %#x: %w", size, ErrProtocolViolation)
	}
	msg := make([]byte, size)
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, err
	}
	return msg, nil
}
