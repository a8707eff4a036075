package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrMalformedMessage is returned when a header cannot be decoded
	ErrMalformedMessage = errors.New("protocol: malformed message")

	// ErrDecode is returned when a body cannot be decrypted, decompressed or parsed
	ErrDecode = errors.New("protocol: decode error")
)

// Header represents the unencrypted message header
type Header struct {
	Magic        uint32      // Magic number (0x5A525043)
	Version      uint16      // Protocol version
	Type         MessageType // Message type
	Compression  Compression // Requested compression level
	Flags        uint16      // Feature flags
	SessionID    SessionID   // Session identifier, zero before assignment
	MessageIndex uint64      // Sequence number within the session
	Timestamp    int64       // Sender clock, unix nanoseconds
	BodyLength   uint32      // Length of the body that follows
	Reserved     uint16      // Reserved for future use
}

// Encode encodes the header to bytes
func (h *Header) Encode() []byte {
	buf := make([]byte, HeaderSize)

	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint16(buf[4:6], h.Version)
	buf[6] = byte(h.Type)
	buf[7] = byte(h.Compression)
	binary.BigEndian.PutUint16(buf[8:10], h.Flags)
	copy(buf[10:26], h.SessionID[:])
	binary.BigEndian.PutUint64(buf[26:34], h.MessageIndex)
	binary.BigEndian.PutUint64(buf[34:42], uint64(h.Timestamp))
	binary.BigEndian.PutUint32(buf[42:46], h.BodyLength)
	binary.BigEndian.PutUint16(buf[46:48], h.Reserved)

	return buf
}

// Decode decodes the header from bytes
func (h *Header) Decode(buf []byte) error {
	if len(buf) < HeaderSize {
		return fmt.Errorf("%w: %d bytes is shorter than the %d byte header", ErrMalformedMessage, len(buf), HeaderSize)
	}

	h.Magic = binary.BigEndian.Uint32(buf[0:4])
	h.Version = binary.BigEndian.Uint16(buf[4:6])
	h.Type = MessageType(buf[6])
	h.Compression = Compression(buf[7])
	h.Flags = binary.BigEndian.Uint16(buf[8:10])
	copy(h.SessionID[:], buf[10:26])
	h.MessageIndex = binary.BigEndian.Uint64(buf[26:34])
	h.Timestamp = int64(binary.BigEndian.Uint64(buf[34:42]))
	h.BodyLength = binary.BigEndian.Uint32(buf[42:46])
	h.Reserved = binary.BigEndian.Uint16(buf[46:48])

	return nil
}

// Validate validates the header
func (h *Header) Validate() error {
	if h.Magic != ProtocolMagic {
		return fmt.Errorf("%w: invalid magic 0x%08X", ErrMalformedMessage, h.Magic)
	}

	if h.Version != ProtocolVersion {
		return fmt.Errorf("%w: unsupported version 0x%04X", ErrMalformedMessage, h.Version)
	}

	if !h.Type.Valid() {
		return fmt.Errorf("%w: unknown message type %d", ErrMalformedMessage, uint8(h.Type))
	}

	if !h.Compression.Valid() {
		return fmt.Errorf("%w: unknown compression %d", ErrMalformedMessage, uint8(h.Compression))
	}

	if h.Flags&^(FlagEncrypted|FlagCompressed) != 0 {
		return fmt.Errorf("%w: unknown flags 0x%04X", ErrMalformedMessage, h.Flags)
	}

	return nil
}

// HasFlag checks if a flag is set
func (h *Header) HasFlag(flag uint16) bool {
	return (h.Flags & flag) != 0
}

// SetFlag sets a flag
func (h *Header) SetFlag(flag uint16) {
	h.Flags |= flag
}
