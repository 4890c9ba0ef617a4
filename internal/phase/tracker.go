// Package phase reduces the raw room signaling stream to the agent's current
// conversational phase. The tracker is a pure reducer: it holds no history
// beyond the current phase and the agent's identity.
package phase

import (
	"encoding/json"
	"sync"

	"voicetutor/internal/protocol"
)

// Phase is the agent's current conversational activity.
type Phase string

const (
	Idle      Phase = "idle"
	Listening Phase = "listening"
	Thinking  Phase = "thinking"
	Speaking  Phase = "speaking"
)

// Tracker owns the session's AgentPhase value. Transitions are total:
// every event maps to exactly one next phase, and unrecognized events leave
// the phase unchanged rather than erroring.
type Tracker struct {
	mu            sync.RWMutex
	phase         Phase
	agentIdentity string
	inert         bool

	subscribers map[int]chan Phase
	nextSubID   int
}

// NewTracker creates a tracker in the Idle phase.
func NewTracker() *Tracker {
	return &Tracker{
		phase:       Idle,
		subscribers: make(map[int]chan Phase),
	}
}

// Current returns the current phase.
func (t *Tracker) Current() Phase {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.phase
}

// Inert reports whether the tracker has shut down after connection end.
func (t *Tracker) Inert() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.inert
}

// Apply reduces one signaling message into the next phase and returns it.
//
//	Idle      + agent.listening           → Listening
//	Listening + agent.thinking            → Thinking
//	Thinking  + track.started (agent)     → Speaking
//	Speaking  + track.ended (agent)       → Idle
//	any       + room.closed               → Idle, tracker inert
func (t *Tracker) Apply(msg *protocol.Message) Phase {
	t.mu.Lock()

	if t.inert {
		p := t.phase
		t.mu.Unlock()
		return p
	}

	prev := t.phase

	switch msg.Type {
	case protocol.TypeParticipantJoined:
		var p protocol.ParticipantJoinedPayload
		if err := json.Unmarshal(msg.Payload, &p); err == nil && p.Kind == protocol.KindAgent {
			t.agentIdentity = p.Identity
		}

	case protocol.TypeAgentListening:
		if t.phase == Idle {
			t.phase = Listening
		}

	case protocol.TypeAgentThinking:
		if t.phase == Listening {
			t.phase = Thinking
		}

	case protocol.TypeTrackStarted:
		if t.phase == Thinking && t.isAgentTrack(msg.Payload) {
			t.phase = Speaking
		}

	case protocol.TypeTrackEnded:
		if t.phase == Speaking && t.isAgentTrack(msg.Payload) {
			t.phase = Idle
		}

	case protocol.TypeRoomClosed:
		t.phase = Idle
		t.inert = true
	}

	next := t.phase
	changed := next != prev || msg.Type == protocol.TypeRoomClosed
	t.mu.Unlock()

	if changed {
		t.notify(next)
	}
	return next
}

// SessionEnded forces the tracker to Idle and makes it inert. Called when the
// connection reaches Failed or Ended without a room.closed frame.
func (t *Tracker) SessionEnded() {
	t.mu.Lock()
	if t.inert {
		t.mu.Unlock()
		return
	}
	changed := t.phase != Idle
	t.phase = Idle
	t.inert = true
	t.mu.Unlock()

	if changed {
		t.notify(Idle)
	}
}

func (t *Tracker) isAgentTrack(payload json.RawMessage) bool {
	var p protocol.TrackPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return false
	}
	if t.agentIdentity != "" {
		return p.Identity == t.agentIdentity
	}
	// Agent identity not announced yet. The agent is the only remote
	// publisher in a tutoring room, so an early track event is still its.
	return p.Identity != ""
}

// Subscribe returns a channel of phase changes plus an unsubscribe function.
// Sends are non-blocking; a slow reader misses intermediate phases but always
// eventually observes the latest via Current.
func (t *Tracker) Subscribe() (<-chan Phase, func()) {
	t.mu.Lock()
	id := t.nextSubID
	t.nextSubID++
	ch := make(chan Phase, 8)
	t.subscribers[id] = ch
	t.mu.Unlock()

	unsubscribe := func() {
		t.mu.Lock()
		if _, ok := t.subscribers[id]; ok {
			delete(t.subscribers, id)
			close(ch)
		}
		t.mu.Unlock()
	}
	return ch, unsubscribe
}

func (t *Tracker) notify(p Phase) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, ch := range t.subscribers {
		select {
		case ch <- p:
		default:
			// Subscriber buffer full, drop the update.
		}
	}
}
