package interaction

import (
	"fmt"
	"sync"
	"time"

	"github.com/cisip-protocol/cisip-go/pkg/wire"
)

// TableConfig configures command id allocation.
type TableConfig struct {
	// MinID is the first id handed out (default: wire.MinID).
	MinID uint32

	// MaxID is the last id before the counter wraps (default: wire.MaxID).
	MaxID uint32
}

// DefaultTableConfig returns the protocol's id range.
func DefaultTableConfig() TableConfig {
	return TableConfig{MinID: wire.MinID, MaxID: wire.MaxID}
}

// Pending is a result slot for one in-flight request. Exactly one of
// resolve, reject, expire, cancel or invalidate completes it.
type Pending struct {
	ID        uint32
	Feature   string
	CreatedAt time.Time
	Deadline  time.Time

	armed  bool
	timer  *time.Timer
	done   chan struct{}
	result *wire.Message
	err    error
}

// Done is closed once the request has an outcome.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Result returns the outcome. Only valid after Done is closed.
func (p *Pending) Result() (*wire.Message, error) {
	return p.result, p.err
}

func (p *Pending) finish(msg *wire.Message, err error) {
	if p.timer != nil {
		p.timer.Stop()
	}
	p.result = msg
	p.err = err
	close(p.done)
}

// Table correlates command ids with pending requests and owns id
// allocation. It is safe for concurrent use.
type Table struct {
	mu      sync.Mutex
	config  TableConfig
	last    uint32
	pending map[uint32]*Pending
}

// NewTable creates an empty table.
func NewTable(config TableConfig) *Table {
	if config.MinID == 0 {
		config.MinID = wire.MinID
	}
	if config.MaxID == 0 {
		config.MaxID = wire.MaxID
	}
	if config.MaxID < config.MinID {
		config.MaxID = config.MinID
	}
	return &Table{
		config:  config,
		last:    config.MaxID,
		pending: make(map[uint32]*Pending),
	}
}

// Allocate reserves the next free command id. The counter increases and
// wraps from MaxID to MinID; ids held by a pending or reserved entry are
// skipped. It returns ErrExhaustedIDs if no id is free.
func (t *Table) Allocate() (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	size := uint64(t.config.MaxID-t.config.MinID) + 1
	if uint64(len(t.pending)) >= size {
		return 0, ErrExhaustedIDs
	}

	for range size {
		id := t.advance()
		if _, busy := t.pending[id]; !busy {
			t.pending[id] = &Pending{ID: id, done: make(chan struct{})}
			return id, nil
		}
	}
	return 0, ErrExhaustedIDs
}

func (t *Table) advance() uint32 {
	if t.last >= t.config.MaxID || t.last < t.config.MinID {
		t.last = t.config.MinID
	} else {
		t.last++
	}
	return t.last
}

// Register arms the result slot for id. A zero deadline means no timeout.
// Ids not obtained from Allocate are accepted as long as they are free.
func (t *Table) Register(id uint32, feature string, deadline time.Time) (*Pending, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.pending[id]
	if ok && p.armed {
		return nil, fmt.Errorf("%w: #%d", ErrDuplicateID, id)
	}
	if !ok {
		p = &Pending{ID: id, done: make(chan struct{})}
		t.pending[id] = p
	}

	p.Feature = feature
	p.CreatedAt = time.Now()
	p.Deadline = deadline
	p.armed = true
	if !deadline.IsZero() {
		p.timer = time.AfterFunc(time.Until(deadline), func() {
			t.expire(id, p)
		})
	}
	return p, nil
}

// take removes the armed entry for id. If expect is non-nil, the entry must
// be that exact slot, so a stale timer never hits a reused id.
func (t *Table) take(id uint32, expect *Pending) *Pending {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.pending[id]
	if !ok || !p.armed || (expect != nil && p != expect) {
		return nil
	}
	delete(t.pending, id)
	return p
}

// Resolve fulfils the pending request with msg. It returns the completed
// entry, or nil if no request with that id is pending.
func (t *Table) Resolve(id uint32, msg *wire.Message) *Pending {
	p := t.take(id, nil)
	if p != nil {
		p.finish(msg, nil)
	}
	return p
}

// Reject fails the pending request with a *CommandError carrying detail.
func (t *Table) Reject(id uint32, detail string) *Pending {
	p := t.take(id, nil)
	if p != nil {
		p.finish(nil, &CommandError{ID: id, Feature: p.Feature, Detail: detail})
	}
	return p
}

// Expire fails the pending request with a *TimeoutError.
func (t *Table) Expire(id uint32) *Pending {
	return t.expire(id, nil)
}

func (t *Table) expire(id uint32, expect *Pending) *Pending {
	p := t.take(id, expect)
	if p != nil {
		p.finish(nil, &TimeoutError{ID: id, Feature: p.Feature, Timeout: p.Deadline.Sub(p.CreatedAt)})
	}
	return p
}

// Cancel removes the entry for id, armed or only reserved, and completes it
// with cause. A late reply for id is then ignored. It returns false if the
// request already had an outcome.
func (t *Table) Cancel(id uint32, cause error) bool {
	t.mu.Lock()
	p, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	p.finish(nil, cause)
	return true
}

// InvalidateAll fails every pending request with a *ConnectionLostError
// wrapping cause and empties the table. It returns the number of requests
// failed.
func (t *Table) InvalidateAll(cause error) int {
	t.mu.Lock()
	entries := t.pending
	t.pending = make(map[uint32]*Pending)
	t.mu.Unlock()

	n := 0
	for _, p := range entries {
		p.finish(nil, &ConnectionLostError{Cause: cause})
		if p.armed {
			n++
		}
	}
	return n
}

// Len returns the number of entries, reserved or pending.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Pending returns a snapshot of the armed entries' ids.
func (t *Table) Pending() []uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]uint32, 0, len(t.pending))
	for id, p := range t.pending {
		if p.armed {
			ids = append(ids, id)
		}
	}
	return ids
}
