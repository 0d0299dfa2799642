package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"planboard/collab/internal/workspace"
)

// Side-channel message types.
const (
	TypeSaveNodeDetail   = "save_node_detail"
	TypeSelectNodeTech   = "select_node_tech"
	TypeSaveNodePosition = "save_node_position"
	TypeDeleteNode       = "delete_node"
	TypeCreatePreview    = "create_preview"
	TypeDiscardPreview   = "discard_preview"
	TypeSaveError        = "save_error"
)

// flexID accepts an id sent either as a JSON string or a JSON number and
// remembers the original encoding so it can be echoed back unchanged.
type flexID struct {
	value string
	raw   json.RawMessage
}

func (f *flexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = flexID{}
		return nil
	}
	var value string
	switch {
	case len(data) > 0 && data[0] == '"':
		if err := json.Unmarshal(data, &value); err != nil {
			return err
		}
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("id must be a string or number: %w", err)
		}
		value = n.String()
	}
	*f = flexID{value: strings.TrimSpace(value), raw: append(json.RawMessage(nil), data...)}
	return nil
}

func (f flexID) String() string {
	return f.value
}

func (f flexID) Empty() bool {
	return f.value == ""
}

// Int parses the id as a positive integer.
func (f flexID) Int() (int64, bool) {
	n, err := strconv.ParseInt(f.value, 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// Echo returns the id as the client sent it.
func (f flexID) Echo() json.RawMessage {
	return f.raw
}

type envelope struct {
	Type           string              `json:"type"`
	NodeID         flexID              `json:"nodeId"`
	RequestID      flexID              `json:"requestId"`
	SelectedTechID flexID              `json:"selectedTechId"`
	PreviewID      flexID              `json:"previewId"`
	PrevDetail     json.RawMessage     `json:"prevDetail"`
	X              *float64            `json:"x"`
	Y              *float64            `json:"y"`
	Position       *workspace.Position `json:"position"`
}

// position returns the coordinates carried by the message, either as
// top-level x/y or as a position object.
func (e envelope) position() (workspace.Position, bool) {
	var pos workspace.Position
	switch {
	case e.X != nil && e.Y != nil:
		pos = workspace.Position{X: *e.X, Y: *e.Y}
	case e.Position != nil:
		pos = *e.Position
	default:
		return pos, false
	}
	return pos, pos.Validate() == nil
}

// SaveError is the failure reply sent to the socket that issued a request.
type SaveError struct {
	Type           string          `json:"type"`
	Action         string          `json:"action"`
	Message        string          `json:"message"`
	RequestID      json.RawMessage `json:"requestId,omitempty"`
	NodeID         json.RawMessage `json:"nodeId,omitempty"`
	SelectedTechID json.RawMessage `json:"selectedTechId,omitempty"`
	PrevDetail     json.RawMessage `json:"prevDetail,omitempty"`
	PreviewID      json.RawMessage `json:"previewId,omitempty"`
}
