package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/junsooki/shar/internal/media"
)

func TestPacketEnvelope(t *testing.T) {
	p := &media.Packet{Seq: 42, Kind: media.Delta, Timestamp: 1700000000123456, Payload: []byte("tiles")}

	var buf bytes.Buffer
	if err := WriteFrame(&buf, EncodePacket(p)); err != nil {
		t.Fatalf("write: %v", err)
	}

	// length prefix is little endian and covers type + body
	if got := binary.LittleEndian.Uint32(buf.Bytes()); got != uint32(1+packetHeaderSize+5) {
		t.Fatalf("length prefix %d", got)
	}

	raw, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	d, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.Packet == nil || d.Control != nil {
		t.Fatalf("expected packet, got %+v", d)
	}
	if d.Packet.Seq != 42 || d.Packet.Kind != media.Delta || d.Packet.Timestamp != p.Timestamp || string(d.Packet.Payload) != "tiles" {
		t.Fatalf("packet mismatch: %+v", d.Packet)
	}
}

func TestControlMessage(t *testing.T) {
	raw, err := EncodeControl(Message{Type: TypeJoin, StreamID: "desk", Quality: 60})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	d, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.Control == nil || d.Control.Type != TypeJoin || d.Control.StreamID != "desk" || d.Control.Quality != 60 {
		t.Fatalf("control mismatch: %+v", d.Control)
	}
}

func TestDecodeViolations(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"unknown type", []byte{9, 1, 2}},
		{"short packet", []byte{byte(TypePacket), 1, 2, 3}},
		{"bad kind", append([]byte{byte(TypePacket)}, make([]byte, packetHeaderSize)...)},
		{"bad json", []byte{byte(TypeControl), '{'}},
		{"missing type", append([]byte{byte(TypeControl)}, []byte(`{"streamId":"x"}`)...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.data); !errors.Is(err, ErrProtocolViolation) {
				t.Fatalf("expected ErrProtocolViolation, got %v", err)
			}
		})
	}
}

func TestReadFrameRejectsOversize(t *testing.T) {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], MaxFrameSize+1)
	if _, err := ReadFrame(bytes.NewReader(hdr[:])); !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("expected ErrProtocolViolation, got %v", err)
	}
}

func TestReadFrameTruncated(t *testing.T) {
	var buf bytes.Buffer
	WriteFrame(&buf, []byte{byte(TypeControl), '{', '}'})
	short := bytes.NewReader(buf.Bytes()[:buf.Len()-1])
	if _, err := ReadFrame(short); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected ErrUnexpectedEOF, got %v", err)
	}
}
