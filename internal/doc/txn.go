package doc

import "fmt"

type opKey struct {
	mapName string
	key     string
}

// Txn stages writes for Transact. Reads through a Txn see its own
// staged writes.
type Txn struct {
	doc    *Doc
	staged []Op
	index  map[opKey]int
}

// Get returns the value of key as seen by this transaction.
func (t *Txn) Get(mapName, key string) (RawValue, bool) {
	if i, ok := t.index[opKey{mapName, key}]; ok {
		op := t.staged[i]
		if op.Deleted {
			return nil, false
		}
		return op.Value, true
	}
	return t.doc.lookup(mapName, key)
}

// Set stages v, encoded as CBOR, under key.
func (t *Txn) Set(mapName, key string, v any) error {
	raw, err := Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", mapName, key, err)
	}
	t.stage(Op{Map: mapName, Key: key, Value: raw})
	return nil
}

// SetRaw stages an already encoded value.
func (t *Txn) SetRaw(mapName, key string, raw RawValue) {
	t.stage(Op{Map: mapName, Key: key, Value: raw})
}

// Delete stages removal of key. Deleting an absent key is a no-op.
func (t *Txn) Delete(mapName, key string) {
	if _, ok := t.Get(mapName, key); !ok {
		return
	}
	t.stage(Op{Map: mapName, Key: key, Deleted: true})
}

// Touch re-stamps the current value of key, or a tombstone when the key
// is absent, so it wins over any concurrent remote write already seen.
func (t *Txn) Touch(mapName, key string) {
	if raw, ok := t.Get(mapName, key); ok {
		t.stage(Op{Map: mapName, Key: key, Value: raw})
		return
	}
	t.stage(Op{Map: mapName, Key: key, Deleted: true})
}

func (t *Txn) stage(op Op) {
	k := opKey{op.Map, op.Key}
	if i, ok := t.index[k]; ok {
		t.staged[i] = op
		return
	}
	t.index[k] = len(t.staged)
	t.staged = append(t.staged, op)
}
