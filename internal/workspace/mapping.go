package workspace

import (
	"errors"
	"fmt"

	"planboard/collab/internal/doc"
)

// Mapping names are part of the client wire contract.
const (
	MapNodes                   = "nodes"
	MapNodeDetails             = "nodeDetails"
	MapPreviewNodes            = "previewNodes"
	MapNodeCreatingPending     = "nodeCreatingPending"
	MapNodeCandidates          = "nodeCandidates"
	MapNodeCandidatesPending   = "nodeCandidatesPending"
	MapNodeTechRecommendations = "nodeTechRecommendations"
	MapTechsPending            = "techsPending"
	MapSelectedNodeTechs       = "selectedNodeTechs"
)

var (
	ErrInvalidValue   = errors.New("invalid mapping value")
	ErrUnknownMapping = errors.New("unknown mapping")
)

var mappingValidators = map[string]func(doc.RawValue) error{
	MapNodes:                   check[Node],
	MapNodeDetails:             check[NodeDetail],
	MapPreviewNodes:            check[PreviewNode],
	MapNodeCreatingPending:     check[bool],
	MapNodeCandidates:          check[[]Candidate],
	MapNodeCandidatesPending:   check[bool],
	MapNodeTechRecommendations: check[[]TechRecommendation],
	MapTechsPending:            check[bool],
	MapSelectedNodeTechs:       check[int64],
}

// MappingNames lists every mapping of a workspace document.
func MappingNames() []string {
	return []string{
		MapNodes,
		MapNodeDetails,
		MapPreviewNodes,
		MapNodeCreatingPending,
		MapNodeCandidates,
		MapNodeCandidatesPending,
		MapNodeTechRecommendations,
		MapTechsPending,
		MapSelectedNodeTechs,
	}
}

// ValidateOp checks a remote op against the value type of its mapping.
func ValidateOp(op doc.Op) error {
	validate, ok := mappingValidators[op.Map]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownMapping, op.Map)
	}
	if op.Deleted {
		return nil
	}
	return validate(op.Value)
}

type validator interface {
	Validate() error
}

func check[T any](raw doc.RawValue) error {
	_, err := decodeValue[T](raw)
	return err
}

func decodeValue[T any](raw doc.RawValue) (T, error) {
	var v T
	if err := doc.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	if err := validateValue(v); err != nil {
		return v, err
	}
	return v, nil
}

func validateValue(v any) error {
	if val, ok := v.(validator); ok {
		return val.Validate()
	}
	return nil
}

// Tx is a workspace-level view of a document transaction.
type Tx struct {
	txn *doc.Txn
}

// Map is a typed view over one named mapping.
type Map[T any] struct {
	shared *doc.Doc
	name   string
}

func (m Map[T]) Name() string {
	return m.name
}

// Get returns the value stored under key. Values that fail to decode are
// reported as absent.
func (m Map[T]) Get(key string) (T, bool) {
	var zero T
	raw, ok := m.shared.Get(m.name, key)
	if !ok {
		return zero, false
	}
	v, err := decodeValue[T](raw)
	if err != nil {
		return zero, false
	}
	return v, true
}

func (m Map[T]) Has(key string) bool {
	_, ok := m.shared.Get(m.name, key)
	return ok
}

func (m Map[T]) Keys() []string {
	return m.shared.Keys(m.name)
}

// Read returns the value of key as seen inside tx.
func (m Map[T]) Read(tx *Tx, key string) (T, bool) {
	var zero T
	raw, ok := tx.txn.Get(m.name, key)
	if !ok {
		return zero, false
	}
	v, err := decodeValue[T](raw)
	if err != nil {
		return zero, false
	}
	return v, true
}

// Put validates v and stages it under key.
func (m Map[T]) Put(tx *Tx, key string, v T) error {
	if err := validateValue(v); err != nil {
		return err
	}
	return tx.txn.Set(m.name, key, v)
}

// Remove stages deletion of key; absent keys are left alone.
func (m Map[T]) Remove(tx *Tx, key string) {
	tx.txn.Delete(m.name, key)
}

// RawMapping is an untyped view used where the mapping is chosen by name.
type RawMapping struct {
	shared *doc.Doc
	name   string
}

func (m RawMapping) Name() string {
	return m.name
}

func (m RawMapping) Keys() []string {
	return m.shared.Keys(m.name)
}

func (m RawMapping) Raw(key string) (doc.RawValue, bool) {
	return m.shared.Get(m.name, key)
}
