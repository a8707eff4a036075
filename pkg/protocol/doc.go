// Package protocol implements the wire format of the ZenTalk RPC protocol.
//
// A message is a fixed 48-byte header followed by a body holding an ordered
// list of parts. The header is never encrypted so a server can read the
// message type and session before deciding how to open the body.
//
// # Header Format
//
//   - Magic (4 bytes): Protocol identifier (0x5A525043 = "ZRPC")
//   - Version (2 bytes): Protocol version (0x0100 = v1.0)
//   - Type (1 byte): Message type
//   - Compression (1 byte): Compression level requested for the reply
//   - Flags (2 bytes): Encrypted, compressed
//   - SessionID (16 bytes): Session identifier, zero on the first AUTHORIZE
//   - MessageIndex (8 bytes): Sequence number within the session
//   - Timestamp (8 bytes): Sender clock in unix nanoseconds
//   - BodyLength (4 bytes): Length of the body
//   - Reserved (2 bytes)
//
// # Message Types
//
// Handshake:
//   - AUTHORIZE: client names the user (index 0)
//   - CHALLENGE: server nonce and salt
//   - CHALLENGE_RESPONSE: client nonce and answer (index 1)
//   - AUTHORIZED: server answer, session keys are now in use
//
// Session:
//   - SERVER_MESSAGE: a batch of calls, answered with results and callbacks
//   - DISCONNECT: final batch, the session is closed afterwards
//   - ERROR: request failed before it could be dispatched
//
// # Body
//
// The body is a part count followed by the parts. Every part carries an id,
// a type (CALL, RESULT, ERROR, PROTOCOL, CALLBACK), service and method names,
// and a list of tagged values. Encoding compresses the body with deflate and
// then seals it with the session cipher, using the header as additional data.
//
// # Usage Example
//
//	msg := protocol.NewMessage(protocol.MsgTypeServerMessage, sessionID,
//		protocol.NewCall(1, "EchoService", "echo", protocol.String("hi")))
//	data, err := protocol.Encode(msg, 2, outbound, protocol.CompressionFast)
//
//	req, err := protocol.DecodeHeader(data)
//	err = protocol.DecodeBody(req, inbound, data)
package protocol
