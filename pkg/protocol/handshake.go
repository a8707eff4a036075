package protocol

import "fmt"

// Method names of the PROTOCOL parts exchanged during the handshake
const (
	MethodAuthorize         = "authorize"
	MethodChallenge         = "challenge"
	MethodChallengeResponse = "challenge_response"
	MethodAuthorized        = "authorized"
)

// NewAuthorize builds the AUTHORIZE message naming userName
func NewAuthorize(userName string) *Message {
	return NewMessage(MsgTypeAuthorize, NilSessionID, NewProtocolPart(MethodAuthorize, String(userName)))
}

// NewChallenge builds the CHALLENGE reply. A nil salt is sent as empty bytes.
func NewChallenge(id SessionID, serverNonce, salt []byte) *Message {
	return NewMessage(MsgTypeChallenge, id, NewProtocolPart(MethodChallenge, Bytes(serverNonce), Bytes(salt)))
}

// NewChallengeResponse builds the client's proof of the password
func NewChallengeResponse(id SessionID, clientNonce, clientAnswer []byte) *Message {
	return NewMessage(MsgTypeChallengeResponse, id, NewProtocolPart(MethodChallengeResponse, Bytes(clientNonce), Bytes(clientAnswer)))
}

// NewAuthorized builds the AUTHORIZED reply carrying the server answer
func NewAuthorized(id SessionID, serverAnswer []byte) *Message {
	return NewMessage(MsgTypeAuthorized, id, NewProtocolPart(MethodAuthorized, Bytes(serverAnswer)))
}

// ParseAuthorize extracts the user name from an AUTHORIZE message
func ParseAuthorize(msg *Message) (string, error) {
	p, err := protocolPart(msg, MethodAuthorize, 1)
	if err != nil {
		return "", err
	}
	user, ok := p.Params[0].AsString()
	if !ok {
		return "", fmt.Errorf("%w: user name must be a string", ErrDecode)
	}
	return user, nil
}

// ParseChallenge extracts the server nonce and salt from a CHALLENGE
func ParseChallenge(msg *Message) (serverNonce, salt []byte, err error) {
	values, err := protocolBytes(msg, MethodChallenge, 2)
	if err != nil {
		return nil, nil, err
	}
	return values[0], values[1], nil
}

// ParseChallengeResponse extracts the client nonce and answer
func ParseChallengeResponse(msg *Message) (clientNonce, clientAnswer []byte, err error) {
	values, err := protocolBytes(msg, MethodChallengeResponse, 2)
	if err != nil {
		return nil, nil, err
	}
	return values[0], values[1], nil
}

// ParseAuthorized extracts the server answer
func ParseAuthorized(msg *Message) ([]byte, error) {
	values, err := protocolBytes(msg, MethodAuthorized, 1)
	if err != nil {
		return nil, err
	}
	return values[0], nil
}

func protocolPart(msg *Message, method string, arity int) (Part, error) {
	if len(msg.Parts) != 1 {
		return Part{}, fmt.Errorf("%w: %s expects one part, got %d", ErrDecode, msg.Type, len(msg.Parts))
	}
	p := msg.Parts[0]
	if p.Type != PartTypeProtocol || p.Method != method {
		return Part{}, fmt.Errorf("%w: %s expects a %s protocol part", ErrDecode, msg.Type, method)
	}
	if len(p.Params) != arity {
		return Part{}, fmt.Errorf("%w: %s carries %d values, want %d", ErrDecode, method, len(p.Params), arity)
	}
	return p, nil
}

func protocolBytes(msg *Message, method string, arity int) ([][]byte, error) {
	p, err := protocolPart(msg, method, arity)
	if err != nil {
		return nil, err
	}

	out := make([][]byte, arity)
	for i, v := range p.Params {
		b, ok := v.AsBytes()
		if !ok {
			return nil, fmt.Errorf("%w: %s value %d must be bytes", ErrDecode, method, i)
		}
		out[i] = b
	}
	return out, nil
}
