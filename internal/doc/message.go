package doc

import "fmt"

// Replication message kinds carried in binary frames.
const (
	KindState  = "state"
	KindUpdate = "update"
)

// Message is the binary replication envelope.
type Message struct {
	Kind   string `cbor:"t"`
	Update Update `cbor:"u"`
}

// EncodeMessage encodes a replication message.
func EncodeMessage(kind string, u Update) ([]byte, error) {
	return Marshal(Message{Kind: kind, Update: u})
}

// DecodeMessage decodes a replication message and checks its kind.
func DecodeMessage(data []byte) (Message, error) {
	var msg Message
	if err := Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	switch msg.Kind {
	case KindState, KindUpdate:
		return msg, nil
	default:
		return Message{}, fmt.Errorf("%w: unknown message kind %q", ErrInvalidUpdate, msg.Kind)
	}
}
