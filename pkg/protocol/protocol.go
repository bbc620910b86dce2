package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/meftunca/lifeguard/pkg/types"
)

// Wire format:
// [4 bytes] - Magic Number (0x5357494D = "SWIM")
// [1 byte]  - Protocol Version
// [1 byte]  - Message Type
// [2 bytes] - Flags
// [4 bytes] - Payload Length
// [N bytes] - Payload Data (codec-encoded Envelope, optionally compressed)
// [4 bytes] - CRC32 Checksum over the payload

const (
	// Protocol constants
	ProtocolMagic   = 0x5357494D // "SWIM"
	ProtocolVersion = 0x01
	HeaderSize      = 12 // Magic + Version + Type + Flags + Length
	TrailerSize     = 4  // CRC32

	// Message types
	MessageTypePing    = 0x01
	MessageTypePingReq = 0x02
	MessageTypeAck     = 0x03
	MessageTypeNack    = 0x04

	// Flags
	FlagCompressed = 0x01

	// Limits. A gossip payload is bounded by max_gossip_bytes; anything
	// near this limit is malformed or hostile.
	MaxFrameSize = 64 * 1024
)

// MessageType is the frame-level message discriminator.
type MessageType uint8

func (t MessageType) String() string {
	switch t {
	case MessageTypePing:
		return "ping"
	case MessageTypePingReq:
		return "pingReq"
	case MessageTypeAck:
		return "ack"
	case MessageTypeNack:
		return "nack"
	default:
		return fmt.Sprintf("type(0x%02x)", uint8(t))
	}
}

// IsResponse reports whether the message type answers a request.
func (t MessageType) IsResponse() bool {
	return t == MessageTypeAck || t == MessageTypeNack
}

// Header represents the frame header
type Header struct {
	Magic   uint32
	Version uint8
	Type    MessageType
	Flags   uint16
	Length  uint32
}

// Frame is a complete wire frame: header plus raw payload bytes. The payload
// is the codec-encoded envelope, compressed when FlagCompressed is set.
type Frame struct {
	Header  Header
	Payload []byte
}

// IsCompressed reports whether the payload carries the compressed flag.
func (f *Frame) IsCompressed() bool {
	return f.Header.Flags&FlagCompressed != 0
}

// NewFrame builds a frame of the given type around a payload.
func NewFrame(msgType MessageType, payload []byte, compressed bool) *Frame {
	var flags uint16
	if compressed {
		flags |= FlagCompressed
	}
	return &Frame{
		Header: Header{
			Magic:   ProtocolMagic,
			Version: ProtocolVersion,
			Type:    msgType,
			Flags:   flags,
			Length:  uint32(len(payload)),
		},
		Payload: payload,
	}
}

// Marshal encodes the frame to wire bytes.
func (f *Frame) Marshal() ([]byte, error) {
	if len(f.Payload) > MaxFrameSize {
		return nil, types.NewLifeguardError(types.ErrCodeFrameTooLarge, "frame payload exceeds limit").
			WithDetail("size", len(f.Payload)).
			WithDetail("max_size", MaxFrameSize)
	}

	buf := bytes.NewBuffer(make([]byte, 0, HeaderSize+len(f.Payload)+TrailerSize))

	binary.Write(buf, binary.BigEndian, uint32(ProtocolMagic))
	buf.WriteByte(ProtocolVersion)
	buf.WriteByte(uint8(f.Header.Type))
	binary.Write(buf, binary.BigEndian, f.Header.Flags)
	binary.Write(buf, binary.BigEndian, uint32(len(f.Payload)))
	buf.Write(f.Payload)
	binary.Write(buf, binary.BigEndian, crc32.ChecksumIEEE(f.Payload))

	return buf.Bytes(), nil
}

// Unmarshal decodes a single wire frame from data.
func Unmarshal(data []byte) (*Frame, error) {
	if len(data) < HeaderSize+TrailerSize {
		return nil, types.NewLifeguardError(types.ErrCodeInvalidProtocol, "frame too short").
			WithDetail("size", len(data))
	}

	header := Header{
		Magic:   binary.BigEndian.Uint32(data[0:4]),
		Version: data[4],
		Type:    MessageType(data[5]),
		Flags:   binary.BigEndian.Uint16(data[6:8]),
		Length:  binary.BigEndian.Uint32(data[8:12]),
	}

	if header.Magic != ProtocolMagic {
		return nil, types.NewLifeguardError(types.ErrCodeInvalidProtocol, "bad magic number").
			WithDetail("magic", fmt.Sprintf("0x%08x", header.Magic))
	}
	if header.Version != ProtocolVersion {
		return nil, types.NewLifeguardError(types.ErrCodeInvalidProtocol, "unsupported protocol version").
			WithDetail("version", header.Version)
	}
	switch header.Type {
	case MessageTypePing, MessageTypePingReq, MessageTypeAck, MessageTypeNack:
	default:
		return nil, types.NewLifeguardError(types.ErrCodeInvalidProtocol, "unknown message type").
			WithDetail("type", uint8(header.Type))
	}
	if header.Length > MaxFrameSize {
		return nil, types.NewLifeguardError(types.ErrCodeFrameTooLarge, "frame payload exceeds limit").
			WithDetail("size", header.Length).
			WithDetail("max_size", MaxFrameSize)
	}
	if len(data) != HeaderSize+int(header.Length)+TrailerSize {
		return nil, types.NewLifeguardError(types.ErrCodeInvalidProtocol, "frame length mismatch").
			WithDetail("declared", header.Length).
			WithDetail("actual", len(data)-HeaderSize-TrailerSize)
	}

	payload := data[HeaderSize : HeaderSize+int(header.Length)]
	checksum := binary.BigEndian.Uint32(data[len(data)-TrailerSize:])
	if crc32.ChecksumIEEE(payload) != checksum {
		return nil, types.NewLifeguardError(types.ErrCodeChecksumFailed, "payload checksum mismatch")
	}

	return &Frame{Header: header, Payload: payload}, nil
}

// ReadFrame reads one frame from a stream. UDP datagrams use Unmarshal
// directly; this exists for stream transports and tests.
func ReadFrame(r io.Reader) (*Frame, error) {
	headerBytes := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(headerBytes[8:12])
	if length > MaxFrameSize {
		return nil, types.NewLifeguardError(types.ErrCodeFrameTooLarge, "frame payload exceeds limit").
			WithDetail("size", length)
	}

	rest := make([]byte, int(length)+TrailerSize)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, err
	}

	return Unmarshal(append(headerBytes, rest...))
}
