// Package bus fans run lifecycle and log events out to live subscribers and
// keeps the bounded per-run log tail the polling fallback reads. There is
// one source of truth: the push path and the pull path serve the same
// buffer.
package bus

import (
	"sync"
	"time"

	"github.com/kilnd/kiln/internal/models"
)

const (
	TypeRunCreated = "run.created"
	TypeRunUpdated = "run.updated"
	TypeRunLog     = "run.log"
)

// TopicRuns carries all run state changes. Per-run log events go to
// RunTopic(id).
const TopicRuns = "runs"

func RunTopic(runID string) string {
	return "run:" + runID
}

type Message struct {
	Type string      `json:"type"`
	Run  *models.Run `json:"run,omitempty"`

	RunID     string    `json:"run_id,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
	Level     string    `json:"level,omitempty"`
	Source    string    `json:"source,omitempty"`
	Message   string    `json:"message,omitempty"`
}

type Subscriber struct {
	topic     string
	projectID string
	ch        chan Message
}

// C is the subscriber's delivery channel. Events for one run arrive in
// publish order; a full buffer drops the oldest buffered event rather than
// blocking the publisher.
func (s *Subscriber) C() <-chan Message {
	return s.ch
}

type viewerKey struct {
	runID    string
	viewerID string
}

type logTail struct {
	lines   []models.LogLine
	start   int
	count   int
	evicted bool
}

type Bus struct {
	mu      sync.Mutex
	subs    map[*Subscriber]struct{}
	tails   map[string]*logTail
	tailCap int
	viewers map[viewerKey]time.Time
}

func New(tailCap int) *Bus {
	if tailCap <= 0 {
		tailCap = 500
	}
	return &Bus{
		subs:    make(map[*Subscriber]struct{}),
		tails:   make(map[string]*logTail),
		tailCap: tailCap,
		viewers: make(map[viewerKey]time.Time),
	}
}

// Subscribe attaches a subscriber to a topic. For TopicRuns an optional
// projectID narrows delivery to one project's runs.
func (b *Bus) Subscribe(topic, projectID string, buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &Subscriber{topic: topic, projectID: projectID, ch: make(chan Message, buffer)}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
	b.mu.Unlock()
}

// PublishRun broadcasts a state-change message to the runs topic and to the
// run's own topic.
func (b *Bus) PublishRun(msgType string, run models.Run) {
	msg := Message{Type: msgType, Run: &run}

	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		if sub.topic == TopicRuns {
			if sub.projectID != "" && sub.projectID != run.ProjectID {
				continue
			}
			deliver(sub, msg)
		} else if sub.topic == RunTopic(run.ID) {
			deliver(sub, msg)
		}
	}
}

// PublishLog appends a line to the run's tail buffer and broadcasts it on
// the run's log topic.
func (b *Bus) PublishLog(line models.LogLine) {
	msg := Message{
		Type:      TypeRunLog,
		RunID:     line.RunID,
		Timestamp: line.Timestamp,
		Level:     line.Level,
		Source:    line.Source,
		Message:   line.Message,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	tail := b.tails[line.RunID]
	if tail == nil {
		tail = &logTail{lines: make([]models.LogLine, b.tailCap)}
		b.tails[line.RunID] = tail
	}
	tail.push(line)

	topic := RunTopic(line.RunID)
	for sub := range b.subs {
		if sub.topic == topic {
			deliver(sub, msg)
		}
	}
}

// deliver never blocks: if the subscriber's buffer is full, the oldest
// buffered message is dropped to make room. Called with b.mu held so each
// subscriber sees one run's messages in publish order.
func deliver(sub *Subscriber, msg Message) {
	select {
	case sub.ch <- msg:
	default:
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- msg:
		default:
		}
	}
}

func (t *logTail) push(line models.LogLine) {
	if t.count < len(t.lines) {
		t.lines[(t.start+t.count)%len(t.lines)] = line
		t.count++
		return
	}
	t.lines[t.start] = line
	t.start = (t.start + 1) % len(t.lines)
	t.evicted = true
}

// LogTail returns up to n most recent buffered lines for a run, oldest
// first, and whether older lines were evicted from the buffer.
func (b *Bus) LogTail(runID string, n int) ([]models.LogLine, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tail := b.tails[runID]
	if tail == nil {
		return nil, false
	}

	count := tail.count
	if n > 0 && n < count {
		count = n
	}
	lines := make([]models.LogLine, 0, count)
	for i := tail.count - count; i < tail.count; i++ {
		lines = append(lines, tail.lines[(tail.start+i)%len(tail.lines)])
	}

	truncated := tail.evicted || count < tail.count
	return lines, truncated
}

// DropTail frees a finished run's buffer.
func (b *Bus) DropTail(runID string) {
	b.mu.Lock()
	delete(b.tails, runID)
	b.mu.Unlock()
}

// ViewerHeartbeat records that a viewer of a run's embedded panel is still
// watching. Absence of heartbeats is a reclamation hint only and never
// touches run state.
func (b *Bus) ViewerHeartbeat(runID, viewerID string) {
	b.mu.Lock()
	b.viewers[viewerKey{runID, viewerID}] = time.Now()
	b.mu.Unlock()
}

type ViewerSession struct {
	RunID    string
	ViewerID string
	LastSeen time.Time
}

// ReapStaleViewers removes sessions silent for longer than ttl and returns
// the reclaimed ones.
func (b *Bus) ReapStaleViewers(ttl time.Duration) []ViewerSession {
	deadline := time.Now().Add(-ttl)

	b.mu.Lock()
	defer b.mu.Unlock()

	var stale []ViewerSession
	for key, seen := range b.viewers {
		if seen.Before(deadline) {
			stale = append(stale, ViewerSession{RunID: key.runID, ViewerID: key.viewerID, LastSeen: seen})
			delete(b.viewers, key)
		}
	}
	return stale
}

// ActiveViewers counts live sessions for a run.
func (b *Bus) ActiveViewers(runID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for key := range b.viewers {
		if key.runID == runID {
			n++
		}
	}
	return n
}
