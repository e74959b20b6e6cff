package bridge

import (
	"sync"

	"github.com/goccy/go-json"
)

type outcome struct {
	result json.RawMessage
	err    error
}

// pendingCall is owned by whichever party takes it out of the table: the
// reader on a response, the caller on timeout, or the exit sweep.
type pendingCall struct {
	id     int64
	method string
	done   chan outcome
}

func newPendingCall(id int64, method string) *pendingCall {
	return &pendingCall{id: id, method: method, done: make(chan outcome, 1)}
}

func (c *pendingCall) resolve(o outcome) {
	c.done <- o
}

// pendingTable holds the outstanding calls of one worker process.
type pendingTable struct {
	mu     sync.Mutex
	calls  map[int64]*pendingCall
	closed error
}

func newPendingTable() *pendingTable {
	return &pendingTable{calls: make(map[int64]*pendingCall)}
}

// add registers a call. It fails once the table has been closed.
func (t *pendingTable) add(c *pendingCall) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed != nil {
		return t.closed
	}
	t.calls[c.id] = c
	return nil
}

// take removes and returns a call.
func (t *pendingTable) take(id int64) (*pendingCall, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.calls[id]
	if ok {
		delete(t.calls, id)
	}
	return c, ok
}

// close rejects further calls with err and returns the calls still pending.
func (t *pendingTable) close(err error) []*pendingCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = err
	calls := make([]*pendingCall, 0, len(t.calls))
	for id, c := range t.calls {
		calls = append(calls, c)
		delete(t.calls, id)
	}
	return calls
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}
