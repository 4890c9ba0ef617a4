// Package session owns the lifecycle of one live tutoring session: it joins
// the media room with a credential, acquires the microphone for the duration
// of the attempt, and feeds room events to the phase tracker and transcript
// merger.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"voicetutor/internal/audio"
	"voicetutor/internal/credential"
	"voicetutor/internal/observability"
	"voicetutor/internal/phase"
	"voicetutor/internal/protocol"
	"voicetutor/internal/room"
	"voicetutor/internal/transcript"

	"github.com/oklog/ulid/v2"
)

// State is the lifecycle state of a Connection.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateFailed       State = "failed"
	StateEnded        State = "ended"
)

// Failure reasons reported with StateFailed.
const (
	ReasonPermissionDenied = "permission-denied"
	ReasonTransport        = "transport-negotiation"
)

// Event is one lifecycle notification. Reason is set for Failed and Ended.
type Event struct {
	State  State
	Reason string
}

// ErrTerminal is returned by Connect on an instance that already reached
// Failed or Ended. Retrying requires a new Connection with a fresh credential.
var ErrTerminal = errors.New("session connection is terminal")

// dialFunc opens the room transport. Swappable for tests.
type dialFunc func(ctx context.Context, endpoint, token, identity string) (*room.Conn, error)

// Connection drives one session attempt against one credential. A credential
// is never reused: after Failed or Ended the instance is dead and a new one
// must be built from a fresh credential.
type Connection struct {
	id       string
	cred     *credential.SessionCredential
	identity string

	openMic  func() (audio.Capture, error)
	playback audio.Playback
	dial     dialFunc

	tracker *phase.Tracker
	merger  *transcript.Merger
	logger  *slog.Logger

	mu    sync.Mutex
	state State
	conn  *room.Conn
	mic   audio.Capture

	micRelease sync.Once

	emitMu       sync.Mutex
	eventsClosed bool

	events chan Event
	done   chan struct{}
	endRun sync.Once
}

// Options configure optional collaborators of a Connection.
type Options struct {
	// OpenMic acquires the microphone. Required for a live session; tests
	// inject fakes.
	OpenMic func() (audio.Capture, error)

	// Playback receives the remote agent's audio. Nil disables playback.
	Playback audio.Playback

	Logger *slog.Logger

	dial dialFunc
}

// NewConnection builds a Connection around one credential.
func NewConnection(cred *credential.SessionCredential, identity string, tracker *phase.Tracker, merger *transcript.Merger, opts Options) *Connection {
	id := ulid.Make().String()

	logger := opts.Logger
	if logger == nil {
		logger = observability.WithFields("component", "session")
	}
	logger = logger.With("session_id", id)
	dial := opts.dial
	if dial == nil {
		dial = room.Dial
	}
	openMic := opts.OpenMic
	if openMic == nil {
		openMic = func() (audio.Capture, error) {
			return nil, errors.New("no microphone source configured")
		}
	}

	return &Connection{
		id:       id,
		cred:     cred,
		identity: identity,
		openMic:  openMic,
		playback: opts.Playback,
		dial:     dial,
		tracker:  tracker,
		merger:   merger,
		logger:   logger,
		state:    StateDisconnected,
		events:   make(chan Event, 16),
		done:     make(chan struct{}),
	}
}

// ID returns the connection's unique id, present in all its log lines.
func (c *Connection) ID() string { return c.id }

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Events returns the lifecycle event stream. Closed once the connection
// reaches a terminal state and teardown has finished.
func (c *Connection) Events() <-chan Event { return c.events }

// Done is closed when the connection has fully torn down.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Connect joins the media room. It is idempotent while Connecting or
// Connected: a second call is a no-op and never opens a second transport.
// The ctx deadline bounds the whole attempt.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnecting, StateConnected:
		c.mu.Unlock()
		return nil
	case StateFailed, StateEnded:
		c.mu.Unlock()
		return ErrTerminal
	}
	c.state = StateConnecting
	c.mu.Unlock()
	c.emit(Event{State: StateConnecting})

	// Microphone is held from Connecting until the terminal state, released
	// exactly once on every exit path.
	mic, err := c.openMic()
	if err != nil {
		c.fail(ReasonPermissionDenied, err)
		return fmt.Errorf("acquire microphone: %w", err)
	}
	c.mu.Lock()
	if c.state != StateConnecting {
		// Torn down before the mic was registered; close it here since the
		// teardown path saw nothing to release.
		c.mu.Unlock()
		mic.Close()
		return ErrTerminal
	}
	c.mic = mic
	c.mu.Unlock()

	conn, err := c.dial(ctx, c.cred.RoomEndpoint, c.cred.Token, c.identity)
	if err != nil {
		c.fail(ReasonTransport, err)
		return fmt.Errorf("join room: %w", err)
	}

	c.mu.Lock()
	if c.state != StateConnecting {
		// Disconnected while dialing.
		c.mu.Unlock()
		conn.Close()
		return ErrTerminal
	}
	c.conn = conn
	c.state = StateConnected
	c.mu.Unlock()
	c.emit(Event{State: StateConnected})

	c.logger.Info("session connected", "room", conn.Room(), "identity", conn.Identity())

	go c.eventLoop(conn)
	go c.captureLoop(conn, mic)
	if c.playback != nil {
		go c.playbackLoop(conn)
	}
	return nil
}

// Disconnect ends a live session. Safe to call in any state; only the first
// effective call tears anything down.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	switch c.state {
	case StateFailed, StateEnded, StateDisconnected:
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		conn.Leave("participant left")
	}
	c.end("disconnected by user")
}

// fail moves the connection to Failed and releases everything.
func (c *Connection) fail(reason string, err error) {
	c.mu.Lock()
	if c.state == StateFailed || c.state == StateEnded {
		c.mu.Unlock()
		return
	}
	c.state = StateFailed
	c.mu.Unlock()

	c.logger.Warn("session failed", "reason", reason, "error", err)
	c.releaseMic()
	if c.tracker != nil {
		c.tracker.SessionEnded()
	}
	c.emit(Event{State: StateFailed, Reason: reason})
	c.shutdown()
}

// end moves the connection to Ended and releases everything.
func (c *Connection) end(reason string) {
	c.mu.Lock()
	if c.state == StateFailed || c.state == StateEnded {
		c.mu.Unlock()
		return
	}
	c.state = StateEnded
	conn := c.conn
	c.mu.Unlock()

	c.logger.Info("session ended", "reason", reason)
	if conn != nil {
		conn.Close()
	}
	c.releaseMic()
	if c.tracker != nil {
		c.tracker.SessionEnded()
	}
	c.emit(Event{State: StateEnded, Reason: reason})
	c.shutdown()
}

// releaseMic releases the microphone capability exactly once.
func (c *Connection) releaseMic() {
	c.micRelease.Do(func() {
		c.mu.Lock()
		mic := c.mic
		c.mu.Unlock()
		if mic != nil {
			mic.Close()
		}
	})
}

func (c *Connection) shutdown() {
	c.endRun.Do(func() {
		if c.playback != nil {
			c.playback.Close()
		}
		close(c.done)

		c.emitMu.Lock()
		c.eventsClosed = true
		close(c.events)
		c.emitMu.Unlock()
	})
}

func (c *Connection) emit(ev Event) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	if c.eventsClosed {
		return
	}
	select {
	case c.events <- ev:
	default:
		c.logger.Warn("lifecycle event dropped", "state", ev.State)
	}
}

// eventLoop routes inbound signal events to the phase tracker and the
// transcript merger until the room goes away.
func (c *Connection) eventLoop(conn *room.Conn) {
	for msg := range conn.Events() {
		if c.tracker != nil {
			c.tracker.Apply(msg)
		}

		switch msg.Type {
		case protocol.TypeTranscription:
			c.applyTranscription(msg)
		case protocol.TypeRoomClosed:
			var p protocol.RoomClosedPayload
			json.Unmarshal(msg.Payload, &p)
			c.end("room closed: " + p.Reason)
		}
	}

	// The live event channel drops frames under pressure; the replay ring
	// keeps every validated frame. Sweep it for transcription segments before
	// declaring the session over, so a dropped final still reaches the
	// transcript. The merger updates known ids in place, so re-applied
	// segments change nothing.
	for _, msg := range conn.Replay() {
		if msg.Type == protocol.TypeTranscription {
			c.applyTranscription(msg)
		}
	}

	// Transport dropped without a room.closed frame.
	c.end("transport dropped")
}

func (c *Connection) applyTranscription(msg *protocol.Message) {
	if c.merger == nil {
		return
	}
	var p protocol.TranscriptionPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		c.logger.Warn("unreadable transcription payload", "error", err)
		return
	}

	speaker := transcript.SpeakerUser
	if p.Channel == protocol.ChannelAgent {
		speaker = transcript.SpeakerAgent
	}
	c.merger.Apply(speaker, transcript.SegmentEvent{ID: p.ID, Text: p.Text, Final: p.Final})
}

// captureLoop pumps microphone PCM into the room. A send after teardown
// returns ErrConnClosed, which ends the loop silently.
func (c *Connection) captureLoop(conn *room.Conn, mic audio.Capture) {
	buf := make([]byte, 4096)
	for {
		n, err := mic.Read(buf)
		if err != nil {
			return
		}
		if err := conn.SendAudio(buf[:n]); err != nil {
			return
		}
	}
}

// playbackLoop pumps the agent's audio frames to the speaker.
func (c *Connection) playbackLoop(conn *room.Conn) {
	for frame := range conn.Audio() {
		c.playback.Write(frame)
	}
}
