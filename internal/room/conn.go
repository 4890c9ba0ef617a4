// Package room implements the client side of the media-room signaling
// protocol: a WebSocket connection carrying JSON signal frames and binary
// audio frames.
package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"voicetutor/internal/protocol"

	"github.com/gorilla/websocket"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second

	eventBufferSize  = 256
	audioBufferSize  = 64
	replayBufferSize = 256
)

// ErrConnClosed is returned by sends after the connection has gone away.
var ErrConnClosed = errors.New("room connection closed")

// outFrame is one queued text frame. sent, when non-nil, is closed by the
// write pump once the frame is on the wire.
type outFrame struct {
	data []byte
	sent chan struct{}
}

// JoinError is a rejection from the room during the join handshake.
type JoinError struct {
	Code    string
	Message string
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("room rejected join: %s (%s)", e.Message, e.Code)
}

// Conn is an established room connection. Signal events arrive on Events,
// remote audio on Audio. Both channels close when the connection ends.
type Conn struct {
	conn *websocket.Conn

	// joined holds the room.joined payload from the handshake.
	joined protocol.RoomJoinedPayload

	events chan *protocol.Message
	audio  chan []byte

	sendText  chan outFrame
	sendAudio chan []byte

	replay *RingBuffer

	done      chan struct{}
	closeOnce sync.Once

	errMu   sync.Mutex
	lastErr error
}

// Dial connects to a room endpoint, joins with the given token, and waits
// for the room.joined acknowledgement before returning. The ctx deadline
// bounds the whole handshake.
func Dial(ctx context.Context, endpoint, token, identity string) (*Conn, error) {
	wsURL := toWebSocketURL(endpoint)

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", wsURL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}

	c := &Conn{
		conn:      ws,
		events:    make(chan *protocol.Message, eventBufferSize),
		audio:     make(chan []byte, audioBufferSize),
		sendText:  make(chan outFrame, eventBufferSize),
		sendAudio: make(chan []byte, audioBufferSize),
		replay:    NewRingBuffer(replayBufferSize),
		done:      make(chan struct{}),
	}

	if err := c.join(ctx, token, identity); err != nil {
		ws.Close()
		return nil, err
	}

	go c.readPump()
	go c.writePump()
	return c, nil
}

// join sends the session.join frame and consumes the server's response.
func (c *Conn) join(ctx context.Context, token, identity string) error {
	joinMsg, err := protocol.NewMessage(protocol.TypeSessionJoin, protocol.SessionJoinPayload{
		Token:    token,
		Identity: identity,
	})
	if err != nil {
		return err
	}
	data, err := json.Marshal(joinMsg)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(writeDeadline)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send join: %w", err)
	}

	c.conn.SetReadDeadline(deadline)
	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read join response: %w", err)
	}

	msg, err := protocol.ValidateServerMessage(raw)
	if err != nil {
		return fmt.Errorf("bad join response: %w", err)
	}

	switch msg.Type {
	case protocol.TypeRoomJoined:
		if err := json.Unmarshal(msg.Payload, &c.joined); err != nil {
			return fmt.Errorf("bad join response: %w", err)
		}
		c.replay.Write(msg)
		return nil

	case protocol.TypeError:
		var p protocol.ErrorPayload
		json.Unmarshal(msg.Payload, &p)
		return &JoinError{Code: p.Code, Message: p.Message}

	default:
		return fmt.Errorf("unexpected join response type: %s", msg.Type)
	}
}

// Room returns the room name the connection joined.
func (c *Conn) Room() string { return c.joined.Room }

// Identity returns the identity the room assigned this participant.
func (c *Conn) Identity() string { return c.joined.Identity }

// Participants returns the participants present at join time.
func (c *Conn) Participants() []protocol.ParticipantInfo { return c.joined.Participants }

// Events returns the inbound signal event stream. Closed on disconnect.
func (c *Conn) Events() <-chan *protocol.Message { return c.events }

// Audio returns the inbound remote audio frame stream. Closed on disconnect.
func (c *Conn) Audio() <-chan []byte { return c.audio }

// Done is closed when the connection has fully shut down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err reports the error that ended the connection, if any.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.lastErr
}

// Replay returns the recent signal events, oldest first.
func (c *Conn) Replay() []*protocol.Message { return c.replay.ReadAll() }

// SendAudio queues a binary audio frame. Frames are dropped rather than
// blocking when the outbound buffer is full.
func (c *Conn) SendAudio(frame []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	buf := make([]byte, len(frame))
	copy(buf, frame)

	select {
	case c.sendAudio <- buf:
		return nil
	default:
		return nil // drop under backpressure, audio is lossy
	}
}

// Leave sends a session.leave frame, waits for the write pump to confirm it
// is on the wire, and closes the connection.
func (c *Conn) Leave(reason string) error {
	msg, err := protocol.NewMessage(protocol.TypeSessionLeave, protocol.SessionLeavePayload{Reason: reason})
	if err != nil {
		return err
	}
	data, _ := json.Marshal(msg)

	sent := make(chan struct{})
	select {
	case c.sendText <- outFrame{data: data, sent: sent}:
		select {
		case <-sent:
		case <-c.done:
		case <-time.After(writeDeadline):
		}
	case <-c.done:
		return ErrConnClosed
	default:
		// Outbound buffer full; the room will see the socket close instead.
	}

	c.Close()
	return nil
}

// Close tears down the connection. Safe to call multiple times.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *Conn) setErr(err error) {
	c.errMu.Lock()
	if c.lastErr == nil {
		c.lastErr = err
	}
	c.errMu.Unlock()
}

// readPump reads frames until the connection drops. Text frames are
// validated and forwarded as events; binary frames are remote audio.
func (c *Conn) readPump() {
	defer func() {
		c.Close()
		close(c.events)
		close(c.audio)
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		msgType, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.setErr(err)
				log.Printf("room read error: %v", err)
			}
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			select {
			case c.audio <- raw:
			default:
				// Playback behind, drop the frame.
			}

		case websocket.TextMessage:
			msg, err := protocol.ValidateServerMessage(raw)
			if err != nil {
				// A malformed frame never aborts the stream.
				log.Printf("room: dropping invalid frame: %v", err)
				continue
			}
			c.replay.Write(msg)
			select {
			case c.events <- msg:
			default:
				log.Printf("room: event buffer full, dropping %s", msg.Type)
			}
		}
	}
}

// writePump serializes all writes to the socket and keeps the connection
// alive with pings.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case f := <-c.sendText:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, f.data); err != nil {
				c.setErr(err)
				return
			}
			if f.sent != nil {
				close(f.sent)
			}

		case frame := <-c.sendAudio:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				c.setErr(err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// toWebSocketURL normalizes http(s) endpoints to ws(s).
func toWebSocketURL(endpoint string) string {
	switch {
	case strings.HasPrefix(endpoint, "http://"):
		return "ws://" + strings.TrimPrefix(endpoint, "http://")
	case strings.HasPrefix(endpoint, "https://"):
		return "wss://" + strings.TrimPrefix(endpoint, "https://")
	default:
		return endpoint
	}
}
