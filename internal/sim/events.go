package sim

import "time"

// Event kinds recorded in the log.
const (
	EventAcquired  = "acquired"
	EventCompleted = "completed"
	EventDeadlock  = "deadlock"
	EventStall     = "stall"
	EventControl   = "control"
)

// Event is one entry of the engine's bounded activity log.
type Event struct {
	Seq     uint64    `json:"seq"`
	Tick    uint64    `json:"tick"`
	Time    time.Time `json:"time"`
	Kind    string    `json:"kind"`
	Train   string    `json:"train,omitempty"`
	Track   string    `json:"track,omitempty"`
	Message string    `json:"message"`
}

// eventLog is a fixed-size ring. Guarded by the engine mutex.
type eventLog struct {
	buf  []Event
	next int
	full bool
	seq  uint64
}

func newEventLog(size int) *eventLog {
	return &eventLog{buf: make([]Event, size)}
}

func (l *eventLog) add(e Event) {
	if len(l.buf) == 0 {
		return
	}
	l.seq++
	e.Seq = l.seq
	l.buf[l.next] = e
	l.next = (l.next + 1) % len(l.buf)
	if l.next == 0 {
		l.full = true
	}
}

// recent returns up to limit newest events, oldest first. limit <= 0 means all.
func (l *eventLog) recent(limit int) []Event {
	n := l.next
	if l.full {
		n = len(l.buf)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Event, 0, limit)
	for i := n - limit; i < n; i++ {
		idx := i
		if l.full {
			idx = (l.next + i) % len(l.buf)
		}
		out = append(out, l.buf[idx])
	}
	return out
}

func (l *eventLog) clear() {
	clear(l.buf)
	l.next = 0
	l.full = false
	l.seq = 0
}
