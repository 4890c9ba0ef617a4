// Package transcript merges the two independently-arriving transcription
// streams (agent speech and user speech) into one strictly time-ordered
// timeline with stable per-utterance identity.
//
// Providers deliver a rapid sequence of growing-prefix partials per utterance
// before a final one. Treating every partial as a new entry would flood the
// timeline, so identity is keyed on the provider-assigned id and only the
// text is replaced in place. Cross-speaker order is fixed at first-partial
// receipt time: repositioning on later updates would cause visible timeline
// jitter.
package transcript

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Speaker identifies which side of the conversation an utterance belongs to.
type Speaker string

const (
	SpeakerAgent Speaker = "agent"
	SpeakerUser  Speaker = "user"
)

// SegmentEvent is one partial or final transcription update from a provider
// stream. Events sharing an ID describe the same utterance.
type SegmentEvent struct {
	ID    string
	Text  string
	Final bool
}

// Utterance is one contiguous span of speech from one speaker.
// ReceivedAt is stamped at first partial receipt and never revised, even if a
// later partial implies an earlier actual start time. That trades minor
// reordering risk for determinism.
type Utterance struct {
	ID         string    `json:"id"`
	Speaker    Speaker   `json:"speaker"`
	Text       string    `json:"text"`
	ReceivedAt time.Time `json:"receivedAt"`
	Finalized  bool      `json:"finalized"`

	seq uint64 // insertion sequence, tie-breaker for equal ReceivedAt
}

// Merger maintains the ordered transcript. All mutation goes through Apply,
// which serializes the two provider channels into a single-writer critical
// section; readers get copies via Snapshot.
type Merger struct {
	mu      sync.Mutex
	entries []*Utterance          // ascending (ReceivedAt, seq)
	index   map[string]*Utterance // provider id → slot
	nextSeq uint64
	dropped int

	clock   func() time.Time
	logger  *slog.Logger
	onFinal func(Utterance) // must not block; see history.Recorder

	notifyMu    sync.RWMutex
	subscribers map[int]chan struct{}
	nextSubID   int
}

// Option configures a Merger.
type Option func(*Merger)

// WithClock overrides the merge-time clock. Tests use this for deterministic
// receipt times.
func WithClock(clock func() time.Time) Option {
	return func(m *Merger) { m.clock = clock }
}

// WithOnFinal registers a callback invoked once per utterance when it first
// becomes finalized. The callback runs on the applying goroutine and must
// hand off without blocking; see history.Recorder.
func WithOnFinal(fn func(Utterance)) Option {
	return func(m *Merger) { m.onFinal = fn }
}

// WithLogger overrides the logger used for dropped events.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Merger) { m.logger = logger }
}

// NewMerger creates an empty transcript merger.
func NewMerger(opts ...Option) *Merger {
	m := &Merger{
		index:       make(map[string]*Utterance),
		clock:       time.Now,
		logger:      slog.Default(),
		subscribers: make(map[int]chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Apply merges one segment event from the given speaker's channel.
// Within one channel the transport guarantees emission order for a given id;
// across channels no order is assumed, so Apply is safe to call from both
// drain goroutines concurrently.
func (m *Merger) Apply(speaker Speaker, ev SegmentEvent) {
	if ev.ID == "" {
		m.mu.Lock()
		m.dropped++
		m.mu.Unlock()
		m.logger.Warn("dropping transcription segment without id",
			"speaker", string(speaker), "text_len", len(ev.Text))
		return
	}

	m.mu.Lock()

	if u, ok := m.index[ev.ID]; ok {
		// Known id: update in place. Position never changes, regardless of
		// how much time has elapsed since the first partial.
		u.Text = ev.Text
		becameFinal := ev.Final && !u.Finalized
		u.Finalized = u.Finalized || ev.Final
		var final Utterance
		if becameFinal {
			final = *u
		}
		m.mu.Unlock()

		if becameFinal && m.onFinal != nil {
			m.onFinal(final)
		}
		m.notify()
		return
	}

	u := &Utterance{
		ID:         ev.ID,
		Speaker:    speaker,
		Text:       ev.Text,
		ReceivedAt: m.clock(),
		Finalized:  ev.Final,
		seq:        m.nextSeq,
	}
	m.nextSeq++

	// Ordered insert by (ReceivedAt, seq). The slice stays sorted, so a
	// binary search finds the slot without re-sorting on every update.
	pos := sort.Search(len(m.entries), func(i int) bool {
		e := m.entries[i]
		if e.ReceivedAt.Equal(u.ReceivedAt) {
			return e.seq > u.seq
		}
		return e.ReceivedAt.After(u.ReceivedAt)
	})
	m.entries = append(m.entries, nil)
	copy(m.entries[pos+1:], m.entries[pos:])
	m.entries[pos] = u
	m.index[ev.ID] = u

	var final Utterance
	becameFinal := u.Finalized
	if becameFinal {
		final = *u
	}
	m.mu.Unlock()

	if becameFinal && m.onFinal != nil {
		m.onFinal(final)
	}
	m.notify()
}

// Consume drains a segment channel into the merger until the channel closes.
// Intended to run as a goroutine, one per speaker channel.
func (m *Merger) Consume(speaker Speaker, ch <-chan SegmentEvent) {
	for ev := range ch {
		m.Apply(speaker, ev)
	}
}

// Snapshot returns the transcript in timeline order. The returned slice and
// its elements are copies; callers may hold them across further merges.
func (m *Merger) Snapshot() []Utterance {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Utterance, len(m.entries))
	for i, u := range m.entries {
		out[i] = *u
	}
	return out
}

// Len returns the number of utterances in the transcript.
func (m *Merger) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Dropped returns how many malformed events were discarded.
func (m *Merger) Dropped() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

// Reset clears the transcript. Called only when a new session starts; a
// session that merely ends keeps its transcript for the UI to show.
func (m *Merger) Reset() {
	m.mu.Lock()
	m.entries = nil
	m.index = make(map[string]*Utterance)
	m.nextSeq = 0
	m.dropped = 0
	m.mu.Unlock()
	m.notify()
}

// Subscribe returns a channel that receives a signal after each transcript
// change, plus an unsubscribe function. Signals are coalesced: a slow reader
// sees at least one signal for any burst of changes.
func (m *Merger) Subscribe() (<-chan struct{}, func()) {
	m.notifyMu.Lock()
	id := m.nextSubID
	m.nextSubID++
	ch := make(chan struct{}, 1)
	m.subscribers[id] = ch
	m.notifyMu.Unlock()

	unsubscribe := func() {
		m.notifyMu.Lock()
		if _, ok := m.subscribers[id]; ok {
			delete(m.subscribers, id)
			close(ch)
		}
		m.notifyMu.Unlock()
	}
	return ch, unsubscribe
}

func (m *Merger) notify() {
	m.notifyMu.RLock()
	defer m.notifyMu.RUnlock()

	for _, ch := range m.subscribers {
		select {
		case ch <- struct{}{}:
		default:
			// Signal already pending, reader will catch up.
		}
	}
}
