package protocol

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Protocol constants
const (
	// Magic number for the RPC protocol ('ZRPC')
	ProtocolMagic = 0x5A525043

	// Protocol version
	ProtocolVersion = 0x0100 // v1.0

	// Header size
	HeaderSize = 48
)

// Message indices consumed by the handshake
const (
	IndexAuthorize         uint64 = 0
	IndexChallengeResponse uint64 = 1
	FirstSessionIndex      uint64 = 2
)

// MessageType identifies what a message does in the exchange
type MessageType uint8

// Message types
const (
	MsgTypeAuthorize         MessageType = 0x01
	MsgTypeChallenge         MessageType = 0x02
	MsgTypeChallengeResponse MessageType = 0x03
	MsgTypeAuthorized        MessageType = 0x04
	MsgTypeServerMessage     MessageType = 0x05
	MsgTypeDisconnect        MessageType = 0x06
	MsgTypeError             MessageType = 0x07
)

var messageTypeNames = map[MessageType]string{
	MsgTypeAuthorize:         "AUTHORIZE",
	MsgTypeChallenge:         "CHALLENGE",
	MsgTypeChallengeResponse: "CHALLENGE_RESPONSE",
	MsgTypeAuthorized:        "AUTHORIZED",
	MsgTypeServerMessage:     "SERVER_MESSAGE",
	MsgTypeDisconnect:        "DISCONNECT",
	MsgTypeError:             "ERROR",
}

// Valid reports whether t is a known message type
func (t MessageType) Valid() bool {
	_, ok := messageTypeNames[t]
	return ok
}

func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("MessageType(%d)", uint8(t))
}

// PartType identifies the role of a part inside a message
type PartType uint8

// Part types
const (
	PartTypeCall     PartType = 0x01
	PartTypeResult   PartType = 0x02
	PartTypeError    PartType = 0x03
	PartTypeProtocol PartType = 0x04
	PartTypeCallback PartType = 0x05
)

var partTypeNames = map[PartType]string{
	PartTypeCall:     "CALL",
	PartTypeResult:   "RESULT",
	PartTypeError:    "ERROR",
	PartTypeProtocol: "PROTOCOL",
	PartTypeCallback: "CALLBACK",
}

// Valid reports whether t is a known part type
func (t PartType) Valid() bool {
	_, ok := partTypeNames[t]
	return ok
}

func (t PartType) String() string {
	if name, ok := partTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("PartType(%d)", uint8(t))
}

// Flags
const (
	FlagEncrypted  uint16 = 0x0001 // Body is encrypted with the session cipher
	FlagCompressed uint16 = 0x0002 // Body is deflate compressed
)

// SessionID identifies a session (128-bit)
type SessionID = uuid.UUID

// NilSessionID is the id carried before the server assigned one
var NilSessionID = uuid.Nil

// NewSessionID generates a random session id
func NewSessionID() SessionID {
	return uuid.New()
}

// ParseSessionID parses the string form of a session id
func ParseSessionID(s string) (SessionID, error) {
	return uuid.Parse(s)
}

// NowUnixNano returns the sender clock reading stamped into headers
func NowUnixNano() int64 {
	return time.Now().UnixNano()
}
