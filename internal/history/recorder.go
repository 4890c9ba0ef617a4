package history

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"voicetutor/internal/transcript"
)

const (
	defaultQueueCap = 256
	saveTimeout     = 5 * time.Second
)

// Recorder forwards finalized utterances to a Store without ever blocking
// the caller. Enqueue drops on a full queue; a lost history row is preferable
// to stalling the merge loop.
type Recorder struct {
	room   string
	store  Store
	logger *slog.Logger

	mu     sync.Mutex
	closed bool

	queue chan Entry
	done  chan struct{}
}

// NewRecorder starts a recorder for one room. Call Close when the session
// ends to drain pending writes.
func NewRecorder(room string, store Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		room:   room,
		store:  store,
		logger: logger,
		queue:  make(chan Entry, defaultQueueCap),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// OnFinal adapts the recorder to the transcript merger's finalization hook.
func (r *Recorder) OnFinal(u transcript.Utterance) {
	r.Enqueue(Entry{
		Room:     r.room,
		Speaker:  string(u.Speaker),
		Text:     u.Text,
		SpokenAt: u.ReceivedAt,
	})
}

// Enqueue queues one entry for persistence. Never blocks, and never panics:
// entries arriving after Close are dropped, since the session's event loop
// can still be draining segments while teardown runs.
func (r *Recorder) Enqueue(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	select {
	case r.queue <- e:
	default:
		r.logger.Warn("history queue full, dropping entry", "room", e.Room)
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for e := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		if err := r.store.SaveUtterance(ctx, e); err != nil {
			r.logger.Warn("history save failed", "room", e.Room, "error", err)
		}
		cancel()
	}
}

// Close stops accepting entries and waits for queued writes to drain.
func (r *Recorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	<-r.done
}
