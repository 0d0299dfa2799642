// Package doc is the convergent shared document behind every workspace.
//
// A Doc holds named maps of CBOR values. Every key is a last-writer-wins
// register stamped with a Lamport clock and the writing replica's id;
// deletes leave stamped tombstones. Merging keeps the higher stamp, so
// replicas that have seen the same operations hold identical state no
// matter the delivery order or how often an operation was delivered.
package doc

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
)

var (
	// ErrInvalidUpdate reports an update that cannot be merged.
	ErrInvalidUpdate = errors.New("invalid update")
	// ErrClockExhausted reports a document whose clock cannot advance.
	ErrClockExhausted = errors.New("document clock exhausted")
)

// MaxClockStep bounds how far a remote stamp may run ahead of the local
// clock.
const MaxClockStep uint64 = 1 << 20

// Stamp orders writes to a single key.
type Stamp struct {
	Clock  uint64 `cbor:"c"`
	Client string `cbor:"a"`
}

// After reports whether s wins over o.
func (s Stamp) After(o Stamp) bool {
	if s.Clock != o.Clock {
		return s.Clock > o.Clock
	}
	return s.Client > o.Client
}

// Op is one stamped write to a map key.
type Op struct {
	Map     string   `cbor:"m"`
	Key     string   `cbor:"k"`
	Value   RawValue `cbor:"v,omitempty"`
	Deleted bool     `cbor:"d,omitempty"`
	Stamp   Stamp    `cbor:"s"`
}

// Update is a set of operations delivered together.
type Update struct {
	Ops []Op `cbor:"ops"`
}

// Empty reports whether u carries no operations.
func (u Update) Empty() bool {
	return len(u.Ops) == 0
}

// Event is delivered to observers after a transaction or merge changed
// the document. Update holds only the operations that took effect.
type Event struct {
	Origin any
	Update Update
}

// Observer receives document events. Observers run synchronously after
// the change is visible and must not call back into the same document.
type Observer func(Event)

// View reads the document from inside a transaction or a merge filter.
type View interface {
	Get(mapName, key string) (RawValue, bool)
}

// Filter decides whether a remote op may be merged.
type Filter func(view View, op Op) bool

type entry struct {
	value   RawValue
	deleted bool
	stamp   Stamp
}

// Doc is one replica of a shared document.
type Doc struct {
	client string

	mu    sync.RWMutex
	clock uint64
	maps  map[string]map[string]entry

	// emitMu keeps observer delivery in application order without
	// holding mu while observers run.
	emitMu    sync.Mutex
	obsMu     sync.Mutex
	observers map[uint64]Observer
	nextObs   uint64
}

// New returns an empty document whose local writes are stamped with client.
func New(client string) *Doc {
	return &Doc{
		client:    client,
		maps:      make(map[string]map[string]entry),
		observers: make(map[uint64]Observer),
	}
}

// Client returns the replica id stamped on local writes.
func (d *Doc) Client() string {
	return d.client
}

// Get returns the live value stored under key.
func (d *Doc) Get(mapName, key string) (RawValue, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lookup(mapName, key)
}

// Keys returns the live keys of a map in sorted order.
func (d *Doc) Keys(mapName string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	keys := make([]string, 0, len(d.maps[mapName]))
	for key, e := range d.maps[mapName] {
		if !e.deleted {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

func (d *Doc) lookup(mapName, key string) (RawValue, bool) {
	e, ok := d.maps[mapName][key]
	if !ok || e.deleted {
		return nil, false
	}
	return e.value, true
}

func (d *Doc) put(op Op) {
	m, ok := d.maps[op.Map]
	if !ok {
		m = make(map[string]entry)
		d.maps[op.Map] = m
	}
	m[op.Key] = entry{value: op.Value, deleted: op.Deleted, stamp: op.Stamp}
}

// Transact runs fn and applies every write it staged as one change. If fn
// returns an error nothing is applied. Readers never observe a partially
// applied transaction.
func (d *Doc) Transact(origin any, fn func(*Txn) error) error {
	d.mu.Lock()
	txn := &Txn{doc: d, index: make(map[opKey]int)}
	if err := fn(txn); err != nil {
		d.mu.Unlock()
		return err
	}
	if len(txn.staged) == 0 {
		d.mu.Unlock()
		return nil
	}

	if d.clock == math.MaxUint64 {
		d.mu.Unlock()
		return ErrClockExhausted
	}
	d.clock++
	stamp := Stamp{Clock: d.clock, Client: d.client}
	ops := make([]Op, len(txn.staged))
	for i, op := range txn.staged {
		op.Stamp = stamp
		d.put(op)
		ops[i] = op
	}
	d.emitAndUnlock(Event{Origin: origin, Update: Update{Ops: ops}})
	return nil
}

// Apply merges an update received from another replica. Ops rejected by
// accept are skipped and returned separately so the caller can answer
// them. The returned update holds the ops that took effect. An update
// carrying this replica's id, or a clock more than MaxClockStep ahead of
// the local one, is refused as a whole.
func (d *Doc) Apply(u Update, origin any, accept Filter) (applied Update, rejected []Op, err error) {
	return d.merge(u, origin, accept, true)
}

// ApplyEncoded decodes a CBOR update from trusted storage, such as an
// archived snapshot, and merges it without filtering or stamp bounds.
func (d *Doc) ApplyEncoded(data []byte, origin any) error {
	var u Update
	if err := Unmarshal(data, &u); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	_, _, err := d.merge(u, origin, nil, false)
	return err
}

func (d *Doc) merge(u Update, origin any, accept Filter, remote bool) (applied Update, rejected []Op, err error) {
	for _, op := range u.Ops {
		if op.Map == "" || op.Key == "" {
			return Update{}, nil, fmt.Errorf("%w: op without map or key", ErrInvalidUpdate)
		}
		if !op.Deleted && len(op.Value) == 0 {
			return Update{}, nil, fmt.Errorf("%w: op %s/%s without value", ErrInvalidUpdate, op.Map, op.Key)
		}
		if op.Stamp.Client == "" {
			return Update{}, nil, fmt.Errorf("%w: op %s/%s without stamp", ErrInvalidUpdate, op.Map, op.Key)
		}
		if remote && op.Stamp.Client == d.client {
			return Update{}, nil, fmt.Errorf("%w: op %s/%s stamped with the local replica id", ErrInvalidUpdate, op.Map, op.Key)
		}
	}

	d.mu.Lock()
	if remote {
		for _, op := range u.Ops {
			if op.Stamp.Clock > d.clock && op.Stamp.Clock-d.clock > MaxClockStep {
				clock := d.clock
				d.mu.Unlock()
				return Update{}, nil, fmt.Errorf("%w: op %s/%s clock %d too far ahead of %d", ErrInvalidUpdate, op.Map, op.Key, op.Stamp.Clock, clock)
			}
		}
	}
	var ops []Op
	for _, op := range u.Ops {
		if op.Stamp.Clock > d.clock {
			d.clock = op.Stamp.Clock
		}
		if accept != nil && !accept(lockedView{d: d}, op) {
			rejected = append(rejected, op)
			continue
		}
		if current, ok := d.maps[op.Map][op.Key]; ok && !op.Stamp.After(current.stamp) {
			continue
		}
		d.put(op)
		ops = append(ops, op)
	}
	if len(ops) == 0 {
		d.mu.Unlock()
		return Update{}, rejected, nil
	}
	applied = Update{Ops: ops}
	d.emitAndUnlock(Event{Origin: origin, Update: applied})
	return applied, rejected, nil
}

// emitAndUnlock must be called with mu held.
func (d *Doc) emitAndUnlock(ev Event) {
	d.emitMu.Lock()
	d.mu.Unlock()
	defer d.emitMu.Unlock()
	for _, fn := range d.currentObservers() {
		fn(ev)
	}
}

func (d *Doc) currentObservers() []Observer {
	d.obsMu.Lock()
	defer d.obsMu.Unlock()
	ids := make([]uint64, 0, len(d.observers))
	for id := range d.observers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]Observer, len(ids))
	for i, id := range ids {
		out[i] = d.observers[id]
	}
	return out
}

// Observe registers fn for every later change. The returned func
// unregisters it.
func (d *Doc) Observe(fn Observer) (cancel func()) {
	d.obsMu.Lock()
	defer d.obsMu.Unlock()
	return d.addObserverLocked(fn)
}

func (d *Doc) addObserverLocked(fn Observer) func() {
	id := d.nextObs
	d.nextObs++
	d.observers[id] = fn
	return func() {
		d.obsMu.Lock()
		defer d.obsMu.Unlock()
		delete(d.observers, id)
	}
}

// SubscribeWithState hands the full state to init and registers fn in one
// step, so no change is lost between the two. A change may be delivered
// both inside the state and as an event; merging makes that harmless.
func (d *Doc) SubscribeWithState(init func(Update), fn Observer) (cancel func()) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	init(d.stateLocked())
	d.obsMu.Lock()
	defer d.obsMu.Unlock()
	return d.addObserverLocked(fn)
}

// State returns every entry, tombstones included, as one update.
func (d *Doc) State() Update {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.stateLocked()
}

func (d *Doc) stateLocked() Update {
	names := make([]string, 0, len(d.maps))
	for name := range d.maps {
		names = append(names, name)
	}
	sort.Strings(names)

	var ops []Op
	for _, name := range names {
		m := d.maps[name]
		keys := make([]string, 0, len(m))
		for key := range m {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			e := m[key]
			ops = append(ops, Op{Map: name, Key: key, Value: e.value, Deleted: e.deleted, Stamp: e.stamp})
		}
	}
	return Update{Ops: ops}
}

// EncodeState returns State encoded as CBOR.
func (d *Doc) EncodeState() ([]byte, error) {
	return Marshal(d.State())
}

// Projection returns deterministic bytes of the live state. Two replicas
// that merged the same operations return identical projections.
func (d *Doc) Projection() ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	live := make(map[string]map[string]RawValue, len(d.maps))
	for name, m := range d.maps {
		values := make(map[string]RawValue)
		for key, e := range m {
			if !e.deleted {
				values[key] = e.value
			}
		}
		if len(values) > 0 {
			live[name] = values
		}
	}
	return Marshal(live)
}

type lockedView struct {
	d *Doc
}

func (v lockedView) Get(mapName, key string) (RawValue, bool) {
	return v.d.lookup(mapName, key)
}
