package inspector

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"lua-bridge/client"
	"lua-bridge/observer"
)

const (
	MethodRemoteCalled   = "remote_called"
	DefaultTraceCapacity = 256
)

// Record is one remote_called notification.
type Record struct {
	Seq        uint64          `json:"seq"`
	RemoteName string          `json:"remoteName"`
	Args       json.RawMessage `json:"args,omitempty"`
	At         time.Time       `json:"at"`
}

// Trace keeps the most recent remote_called notifications in a fixed-size ring.
type Trace struct {
	mu      sync.Mutex
	ring    []Record
	next    int
	full    bool
	seq     uint64
	now     func() time.Time
	watch   observer.Registry[func(Record)]
	dispose func()
}

// NewTrace subscribes to remote_called on c. capacity <= 0 uses DefaultTraceCapacity.
func NewTrace(c Caller, capacity int) *Trace {
	if capacity <= 0 {
		capacity = DefaultTraceCapacity
	}
	t := &Trace{ring: make([]Record, capacity), now: time.Now}
	t.dispose = c.OnNotification(MethodRemoteCalled, client.NotificationHandler(t.handle))
	return t
}

func (t *Trace) handle(params json.RawMessage) {
	name := gjson.GetBytes(params, "remoteName")
	if name.Type != gjson.String {
		return
	}
	var args json.RawMessage
	if a := gjson.GetBytes(params, "args"); a.Exists() {
		args = json.RawMessage(a.Raw)
	}

	t.mu.Lock()
	t.seq++
	rec := Record{Seq: t.seq, RemoteName: name.String(), Args: args, At: t.now()}
	t.ring[t.next] = rec
	t.next = (t.next + 1) % len(t.ring)
	if t.next == 0 {
		t.full = true
	}
	t.mu.Unlock()

	for _, fn := range t.watch.Snapshot() {
		fn(rec)
	}
}

// Records returns the retained records, oldest first.
func (t *Trace) Records() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.full {
		return append([]Record(nil), t.ring[:t.next]...)
	}
	out := make([]Record, 0, len(t.ring))
	out = append(out, t.ring[t.next:]...)
	return append(out, t.ring[:t.next]...)
}

// Count returns how many retained records name remote.
func (t *Trace) Count(remote string) int {
	n := 0
	for _, r := range t.Records() {
		if r.RemoteName == remote {
			n++
		}
	}
	return n
}

// OnRecord registers fn for every new record.
func (t *Trace) OnRecord(fn func(Record)) (dispose func()) {
	return t.watch.Add(fn)
}

func (t *Trace) Clear() {
	t.mu.Lock()
	t.next, t.full = 0, false
	t.mu.Unlock()
}

// Close stops recording. Retained records stay readable.
func (t *Trace) Close() {
	t.dispose()
	t.watch.Clear()
}
