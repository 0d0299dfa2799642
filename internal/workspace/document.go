package workspace

import (
	"fmt"

	"planboard/collab/internal/doc"
)

// Document is the shared document of one workspace together with typed
// views over its mappings. It is the only way other packages reach the
// mappings.
type Document struct {
	id     string
	shared *doc.Doc

	Nodes                   Map[Node]
	NodeDetails             Map[NodeDetail]
	PreviewNodes            Map[PreviewNode]
	NodeCreatingPending     Map[bool]
	NodeCandidates          Map[[]Candidate]
	NodeCandidatesPending   Map[bool]
	NodeTechRecommendations Map[[]TechRecommendation]
	TechsPending            Map[bool]
	SelectedNodeTechs       Map[int64]
}

func newDocument(id string, shared *doc.Doc) *Document {
	return &Document{
		id:                      id,
		shared:                  shared,
		Nodes:                   Map[Node]{shared: shared, name: MapNodes},
		NodeDetails:             Map[NodeDetail]{shared: shared, name: MapNodeDetails},
		PreviewNodes:            Map[PreviewNode]{shared: shared, name: MapPreviewNodes},
		NodeCreatingPending:     Map[bool]{shared: shared, name: MapNodeCreatingPending},
		NodeCandidates:          Map[[]Candidate]{shared: shared, name: MapNodeCandidates},
		NodeCandidatesPending:   Map[bool]{shared: shared, name: MapNodeCandidatesPending},
		NodeTechRecommendations: Map[[]TechRecommendation]{shared: shared, name: MapNodeTechRecommendations},
		TechsPending:            Map[bool]{shared: shared, name: MapTechsPending},
		SelectedNodeTechs:       Map[int64]{shared: shared, name: MapSelectedNodeTechs},
	}
}

func (d *Document) ID() string {
	return d.id
}

// Shared exposes the replicated document for transports.
func (d *Document) Shared() *doc.Doc {
	return d.shared
}

// Mapping returns a named mapping view.
func (d *Document) Mapping(name string) (RawMapping, error) {
	if _, ok := mappingValidators[name]; !ok {
		return RawMapping{}, fmt.Errorf("%w: %q", ErrUnknownMapping, name)
	}
	return RawMapping{shared: d.shared, name: name}, nil
}

// Transact applies every write made by fn atomically.
func (d *Document) Transact(origin any, fn func(*Tx) error) error {
	return d.shared.Transact(origin, func(txn *doc.Txn) error {
		return fn(&Tx{txn: txn})
	})
}

// ApplyRemote merges an update received from a client. Ops that fail
// mapping validation or accept are dropped, and their keys are re-stamped
// with the server's current value so the sender converges back to it.
func (d *Document) ApplyRemote(u doc.Update, origin any, accept doc.Filter) (doc.Update, error) {
	applied, rejected, err := d.shared.Apply(u, origin, func(view doc.View, op doc.Op) bool {
		if ValidateOp(op) != nil {
			return false
		}
		return accept == nil || accept(view, op)
	})
	if err != nil {
		return doc.Update{}, err
	}
	if len(rejected) > 0 {
		if err := d.shared.Transact(nil, func(txn *doc.Txn) error {
			for _, op := range rejected {
				if _, known := mappingValidators[op.Map]; !known {
					continue
				}
				txn.Touch(op.Map, op.Key)
			}
			return nil
		}); err != nil {
			return applied, fmt.Errorf("restore rejected keys: %w", err)
		}
	}
	return applied, nil
}

// ReplaceCandidates swaps the candidate list of a node and clears its
// pending flag. Task type and selection are reset on every refresh.
func (d *Document) ReplaceCandidates(origin any, nodeID string, candidates []Candidate) error {
	fresh := make([]Candidate, len(candidates))
	for i, c := range candidates {
		c.TaskType = ""
		c.Selected = false
		fresh[i] = c
	}
	return d.Transact(origin, func(tx *Tx) error {
		if err := d.NodeCandidates.Put(tx, nodeID, fresh); err != nil {
			return err
		}
		d.NodeCandidatesPending.Remove(tx, nodeID)
		return nil
	})
}

// ReplaceTechRecommendations swaps the recommendation list of a node.
func (d *Document) ReplaceTechRecommendations(origin any, nodeID string, techs []TechRecommendation) error {
	return d.Transact(origin, func(tx *Tx) error {
		if err := d.NodeTechRecommendations.Put(tx, nodeID, append([]TechRecommendation{}, techs...)); err != nil {
			return err
		}
		d.TechsPending.Remove(tx, nodeID)
		return nil
	})
}

// AppendTechRecommendation adds one recommendation to the end of a
// node's list. An entry with the same id is replaced in place.
func (d *Document) AppendTechRecommendation(origin any, nodeID string, tech TechRecommendation) error {
	return d.Transact(origin, func(tx *Tx) error {
		current, _ := d.NodeTechRecommendations.Read(tx, nodeID)
		next := append([]TechRecommendation{}, current...)
		replaced := false
		for i := range next {
			if next[i].ID == tech.ID {
				next[i] = tech
				replaced = true
				break
			}
		}
		if !replaced {
			next = append(next, tech)
		}
		if err := d.NodeTechRecommendations.Put(tx, nodeID, next); err != nil {
			return err
		}
		d.TechsPending.Remove(tx, nodeID)
		return nil
	})
}

// RemoveNode drops a node and everything keyed by it once the system of
// record confirmed the deletion.
func (d *Document) RemoveNode(origin any, nodeID string) (bool, error) {
	existed := false
	err := d.Transact(origin, func(tx *Tx) error {
		_, existed = d.Nodes.Read(tx, nodeID)
		d.Nodes.Remove(tx, nodeID)
		d.NodeDetails.Remove(tx, nodeID)
		d.NodeCandidates.Remove(tx, nodeID)
		d.NodeCandidatesPending.Remove(tx, nodeID)
		d.NodeTechRecommendations.Remove(tx, nodeID)
		d.TechsPending.Remove(tx, nodeID)
		d.SelectedNodeTechs.Remove(tx, nodeID)
		return nil
	})
	return existed, err
}
