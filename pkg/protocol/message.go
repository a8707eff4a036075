package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Cipher seals and opens message bodies. The header bytes are passed as
// additional data so they are authenticated but stay readable.
type Cipher interface {
	Seal(plaintext, additional []byte) ([]byte, error)
	Open(ciphertext, additional []byte) ([]byte, error)
}

// Part represents one call, result or protocol fragment inside a message
type Part struct {
	ID      uint32   // Correlates a result with its call in a batch
	Type    PartType // Role of the part
	Service string   // Target service name
	Method  string   // Target method name
	Params  []Value  // CALL, CALLBACK and PROTOCOL payload
	Result  Value    // RESULT payload
	Error   string   // ERROR payload, a description safe to send
}

// NewCall creates a CALL part
func NewCall(id uint32, service, method string, params ...Value) Part {
	return Part{ID: id, Type: PartTypeCall, Service: service, Method: method, Params: params}
}

// NewResult creates a RESULT part answering call
func NewResult(call Part, result Value) Part {
	return Part{ID: call.ID, Type: PartTypeResult, Service: call.Service, Method: call.Method, Result: result}
}

// NewErrorPart creates an ERROR part answering call
func NewErrorPart(call Part, description string) Part {
	return Part{ID: call.ID, Type: PartTypeError, Service: call.Service, Method: call.Method, Error: description}
}

// NewCallback creates a CALLBACK part
func NewCallback(method string, params ...Value) Part {
	return Part{Type: PartTypeCallback, Method: method, Params: params}
}

// NewProtocolPart creates a PROTOCOL part for handshake payloads
func NewProtocolPart(method string, params ...Value) Part {
	return Part{Type: PartTypeProtocol, Method: method, Params: params}
}

// Signature returns the parameter shape of the part
func (p Part) Signature() string {
	return Signature(p.Params)
}

// Param returns the i-th parameter or null when absent
func (p Part) Param(i int) Value {
	if i < 0 || i >= len(p.Params) {
		return Null()
	}
	return p.Params[i]
}

// wireValues maps the typed payload onto the value list sent on the wire
func (p Part) wireValues() []Value {
	switch p.Type {
	case PartTypeResult:
		return []Value{p.Result}
	case PartTypeError:
		return []Value{String(p.Error)}
	default:
		return p.Params
	}
}

// Message represents a complete protocol message
type Message struct {
	Type        MessageType
	SessionID   SessionID
	Index       uint64
	Timestamp   int64
	Compression Compression
	Parts       []Part

	encrypted  bool
	compressed bool
	bodyLength uint32
}

// NewMessage creates a message stamped with the current time
func NewMessage(msgType MessageType, sessionID SessionID, parts ...Part) *Message {
	return &Message{
		Type:      msgType,
		SessionID: sessionID,
		Timestamp: NowUnixNano(),
		Parts:     parts,
	}
}

// HasSession reports whether the message carries an assigned session id
func (m *Message) HasSession() bool {
	return m.SessionID != NilSessionID
}

// Encrypted reports whether the decoded header announced an encrypted body
func (m *Message) Encrypted() bool {
	return m.encrypted
}

// Compressed reports whether the decoded header announced a compressed body
func (m *Message) Compressed() bool {
	return m.compressed
}

// DecodeHeader reads the unencrypted header of data without touching the
// body. It fails with ErrMalformedMessage.
func DecodeHeader(data []byte) (*Message, error) {
	h := &Header{}
	if err := h.Decode(data); err != nil {
		return nil, err
	}
	if err := h.Validate(); err != nil {
		return nil, err
	}

	if int(h.BodyLength) != len(data)-HeaderSize {
		return nil, fmt.Errorf("%w: body length %d, have %d bytes", ErrMalformedMessage, h.BodyLength, len(data)-HeaderSize)
	}

	return &Message{
		Type:        h.Type,
		SessionID:   h.SessionID,
		Index:       h.MessageIndex,
		Timestamp:   h.Timestamp,
		Compression: h.Compression,
		encrypted:   h.HasFlag(FlagEncrypted),
		compressed:  h.HasFlag(FlagCompressed),
		bodyLength:  h.BodyLength,
	}, nil
}

// DecodeBody populates msg.Parts from the body of data, opening it with c
// first when the header says it is encrypted. It fails with ErrDecode.
func DecodeBody(msg *Message, c Cipher, data []byte) error {
	if len(data) < HeaderSize || int(msg.bodyLength) != len(data)-HeaderSize {
		return fmt.Errorf("%w: buffer does not match decoded header", ErrDecode)
	}

	header, body := data[:HeaderSize], data[HeaderSize:]

	switch {
	case msg.Encrypted() && c == nil:
		return fmt.Errorf("%w: encrypted body without a session cipher", ErrDecode)
	case !msg.Encrypted() && c != nil:
		return fmt.Errorf("%w: plaintext body on an encrypted session", ErrDecode)
	case msg.Encrypted():
		plain, err := c.Open(body, header)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDecode, err)
		}
		body = plain
	}

	if msg.Compressed() {
		// only session traffic is compressed
		if !msg.Encrypted() {
			return fmt.Errorf("%w: compressed body without encryption", ErrDecode)
		}
		inflated, err := decompressBody(body)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDecode, err)
		}
		body = inflated
	}

	parts, err := decodeParts(body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	msg.Parts = parts
	return nil
}

// Encode serializes msg with the given index, compressing at level and
// sealing with c when it is not nil. Plaintext bodies are never compressed.
func Encode(msg *Message, index uint64, c Cipher, level Compression) ([]byte, error) {
	body, err := encodeParts(msg.Parts)
	if err != nil {
		return nil, err
	}
	if c == nil {
		level = CompressionNone
	}

	h := &Header{
		Magic:        ProtocolMagic,
		Version:      ProtocolVersion,
		Type:         msg.Type,
		Compression:  msg.Compression,
		SessionID:    msg.SessionID,
		MessageIndex: index,
		Timestamp:    msg.Timestamp,
	}

	body, compressed, err := compressBody(body, level)
	if err != nil {
		return nil, fmt.Errorf("protocol: compress body: %w", err)
	}
	if compressed {
		h.SetFlag(FlagCompressed)
	}

	if c != nil {
		h.SetFlag(FlagEncrypted)
		// the sealed length is fixed by the cipher, so the final header
		// can be built before sealing and used as additional data
		overhead, err := sealedOverhead(c)
		if err != nil {
			return nil, err
		}
		h.BodyLength = uint32(len(body) + overhead)
		header := h.Encode()

		sealed, err := c.Seal(body, header)
		if err != nil {
			return nil, fmt.Errorf("protocol: seal body: %w", err)
		}
		if len(sealed) != int(h.BodyLength) {
			return nil, fmt.Errorf("protocol: cipher produced %d bytes, expected %d", len(sealed), h.BodyLength)
		}
		return append(header, sealed...), nil
	}

	h.BodyLength = uint32(len(body))
	return append(h.Encode(), body...), nil
}

// overheadCipher is implemented by ciphers that know their expansion
type overheadCipher interface {
	Overhead() int
}

func sealedOverhead(c Cipher) (int, error) {
	if oc, ok := c.(overheadCipher); ok {
		return oc.Overhead(), nil
	}
	empty, err := c.Seal(nil, nil)
	if err != nil {
		return 0, fmt.Errorf("protocol: measure cipher overhead: %w", err)
	}
	return len(empty), nil
}

func encodeParts(parts []Part) ([]byte, error) {
	if len(parts) > math.MaxUint16 {
		return nil, fmt.Errorf("protocol: %d parts exceed the limit of %d", len(parts), math.MaxUint16)
	}

	buf := make([]byte, 0, 64*len(parts)+2)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(parts)))

	for _, p := range parts {
		if len(p.Service) > math.MaxUint16 || len(p.Method) > math.MaxUint16 {
			return nil, fmt.Errorf("protocol: part %d name too long", p.ID)
		}
		values := p.wireValues()
		if len(values) > math.MaxUint16 {
			return nil, fmt.Errorf("protocol: part %d has too many values", p.ID)
		}

		buf = binary.BigEndian.AppendUint32(buf, p.ID)
		buf = append(buf, byte(p.Type))
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(p.Service)))
		buf = append(buf, p.Service...)
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(p.Method)))
		buf = append(buf, p.Method...)
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(values)))
		for _, v := range values {
			buf = appendValue(buf, v)
		}
	}

	return buf, nil
}

func decodeParts(buf []byte) ([]Part, error) {
	if len(buf) < 2 {
		return nil, errTruncated
	}

	count := int(binary.BigEndian.Uint16(buf[0:2]))
	offset := 2
	parts := make([]Part, 0, min(count, maxPrealloc))
	values := newValueDecoder(buf)

	for i := 0; i < count; i++ {
		// id + type + two name lengths + value count
		if offset+4+1+2 > len(buf) {
			return nil, errTruncated
		}

		p := Part{}
		p.ID = binary.BigEndian.Uint32(buf[offset:])
		offset += 4

		p.Type = PartType(buf[offset])
		offset++
		if !p.Type.Valid() {
			return nil, fmt.Errorf("unknown part type %d", uint8(p.Type))
		}

		var err error
		if p.Service, offset, err = readName(buf, offset); err != nil {
			return nil, err
		}
		if p.Method, offset, err = readName(buf, offset); err != nil {
			return nil, err
		}

		if offset+2 > len(buf) {
			return nil, errTruncated
		}
		n := int(binary.BigEndian.Uint16(buf[offset:]))
		offset += 2

		list := make([]Value, 0, min(n, maxPrealloc))
		for j := 0; j < n; j++ {
			v, next, err := values.read(offset, 0)
			if err != nil {
				return nil, err
			}
			list = append(list, v)
			offset = next
		}

		if err := p.setWireValues(list); err != nil {
			return nil, err
		}
		parts = append(parts, p)
	}

	if offset != len(buf) {
		return nil, fmt.Errorf("%d trailing bytes after parts", len(buf)-offset)
	}

	return parts, nil
}

func readName(buf []byte, offset int) (string, int, error) {
	if offset+2 > len(buf) {
		return "", 0, errTruncated
	}
	n := int(binary.BigEndian.Uint16(buf[offset:]))
	offset += 2
	if offset+n > len(buf) {
		return "", 0, errTruncated
	}
	return string(buf[offset : offset+n]), offset + n, nil
}

func (p *Part) setWireValues(values []Value) error {
	switch p.Type {
	case PartTypeResult:
		if len(values) != 1 {
			return fmt.Errorf("result part %d carries %d values", p.ID, len(values))
		}
		p.Result = values[0]
	case PartTypeError:
		if len(values) != 1 || values[0].Kind() != KindString {
			return fmt.Errorf("error part %d must carry one string", p.ID)
		}
		p.Error, _ = values[0].AsString()
	default:
		p.Params = values
	}
	return nil
}
