package rooms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

const TypeAIMessage = "AI_MESSAGE"

var ErrInvalidMessage = errors.New("invalid broadcast message")

// AIMessage is a streamed AI output fragment for one node. Extra carries
// any further fields verbatim.
type AIMessage struct {
	NodeID     string
	Category   string
	Text       string
	Content    string
	StreamType string
	IsComplete bool
	Extra      map[string]json.RawMessage
}

func (m AIMessage) Validate() error {
	if strings.TrimSpace(m.NodeID) == "" {
		return fmt.Errorf("%w: nodeId is required", ErrInvalidMessage)
	}
	return nil
}

func (m AIMessage) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Extra)+7)
	for k, v := range m.Extra {
		out[k] = v
	}
	out["type"] = TypeAIMessage
	out["nodeId"] = m.NodeID
	out["isComplete"] = m.IsComplete
	if m.Category != "" {
		out["category"] = m.Category
	}
	if m.Text != "" {
		out["text"] = m.Text
	}
	if m.Content != "" {
		out["content"] = m.Content
	}
	if m.StreamType != "" {
		out["streamType"] = m.StreamType
	}
	return json.Marshal(out)
}

func (m *AIMessage) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	take := func(key string, dst any) error {
		raw, ok := fields[key]
		if !ok {
			return nil
		}
		delete(fields, key)
		if err := json.Unmarshal(raw, dst); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		return nil
	}
	var ignoredType string
	for _, f := range []struct {
		key string
		dst any
	}{
		{"type", &ignoredType},
		{"nodeId", &m.NodeID},
		{"category", &m.Category},
		{"text", &m.Text},
		{"content", &m.Content},
		{"streamType", &m.StreamType},
		{"isComplete", &m.IsComplete},
	} {
		if err := take(f.key, f.dst); err != nil {
			return err
		}
	}
	if len(fields) > 0 {
		m.Extra = fields
	}
	return nil
}

// Relay forwards room broadcasts to other server instances.
type Relay interface {
	Publish(ctx context.Context, workspaceID string, payload []byte) error
}

// Broadcaster pushes messages to every socket of a room, independent of
// document replication.
type Broadcaster struct {
	registry *Registry
	relay    Relay
	logger   *zap.Logger
}

// NewBroadcaster creates a broadcaster. relay may be nil for a single
// instance deployment.
func NewBroadcaster(registry *Registry, relay Relay, logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{registry: registry, relay: relay, logger: logger.Named("broadcast")}
}

// Broadcast sends msg to the local room and to peer instances. It returns
// the number of local sockets reached.
func (b *Broadcaster) Broadcast(ctx context.Context, workspaceID string, msg AIMessage) (int, error) {
	if err := msg.Validate(); err != nil {
		return 0, err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("encode broadcast: %w", err)
	}
	delivered := b.Deliver(ctx, workspaceID, payload)
	if b.relay != nil {
		if err := b.relay.Publish(ctx, workspaceID, payload); err != nil {
			return delivered, fmt.Errorf("relay broadcast: %w", err)
		}
	}
	return delivered, nil
}

// Deliver writes payload to the sockets of the local room only.
func (b *Broadcaster) Deliver(ctx context.Context, workspaceID string, payload []byte) int {
	delivered := 0
	for _, s := range b.registry.Members(workspaceID) {
		if err := s.SendText(ctx, payload); err != nil {
			b.logger.Warn("broadcast send failed",
				zap.String("workspace_id", workspaceID),
				zap.String("socket_id", s.ID()),
				zap.Error(err),
			)
			continue
		}
		delivered++
	}
	return delivered
}
