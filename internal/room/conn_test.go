package room

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"voicetutor/internal/protocol"
	"voicetutor/internal/token"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// testRoom is an in-process room server for exercising the client side of
// the signaling protocol.
type testRoom struct {
	minter *token.Minter
	server *httptest.Server

	// script runs against the server-side connection after a successful
	// join handshake.
	script func(ws *websocket.Conn)
}

func newTestRoom(t *testing.T, script func(ws *websocket.Conn)) *testRoom {
	t.Helper()
	tr := &testRoom{
		minter: token.NewMinter("test-key", "test-secret", time.Hour),
		script: script,
	}
	tr.server = httptest.NewServer(http.HandlerFunc(tr.handle))
	t.Cleanup(tr.server.Close)
	return tr
}

func (tr *testRoom) handle(w http.ResponseWriter, r *http.Request) {
	ws, err := testUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	_, raw, err := ws.ReadMessage()
	if err != nil {
		return
	}

	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil || msg.Type != protocol.TypeSessionJoin {
		resp, _ := protocol.NewErrorMessage(protocol.ErrInvalidMessage, "bad join frame")
		data, _ := json.Marshal(resp)
		ws.WriteMessage(websocket.TextMessage, data)
		return
	}

	var join protocol.SessionJoinPayload
	json.Unmarshal(msg.Payload, &join)

	claims, err := tr.minter.Verify(join.Token)
	if err != nil {
		resp, _ := protocol.NewErrorMessage(protocol.ErrInvalidToken, err.Error())
		data, _ := json.Marshal(resp)
		ws.WriteMessage(websocket.TextMessage, data)
		return
	}

	resp, _ := protocol.NewMessage(protocol.TypeRoomJoined, protocol.RoomJoinedPayload{
		Room:     claims.Room,
		Identity: join.Identity,
		Participants: []protocol.ParticipantInfo{
			{Identity: "tutor-agent", Kind: protocol.KindAgent},
		},
	})
	data, _ := json.Marshal(resp)
	ws.WriteMessage(websocket.TextMessage, data)

	if tr.script != nil {
		tr.script(ws)
	} else {
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}
}

func (tr *testRoom) mint(t *testing.T, identity, roomName string) string {
	t.Helper()
	tok, _, err := tr.minter.Mint(identity, roomName)
	if err != nil {
		t.Fatalf("mint failed: %v", err)
	}
	return tok
}

func sendFrame(ws *websocket.Conn, msgType string, payload interface{}) {
	msg, _ := protocol.NewMessage(msgType, payload)
	data, _ := json.Marshal(msg)
	ws.WriteMessage(websocket.TextMessage, data)
}

func TestDial_JoinHandshake(t *testing.T) {
	tr := newTestRoom(t, nil)
	tok := tr.mint(t, "alice", "room-ab12cd34")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Dial(ctx, tr.server.URL, tok, "alice")
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	if conn.Room() != "room-ab12cd34" {
		t.Errorf("expected room-ab12cd34, got %q", conn.Room())
	}
	if conn.Identity() != "alice" {
		t.Errorf("expected identity alice, got %q", conn.Identity())
	}
	if len(conn.Participants()) != 1 || conn.Participants()[0].Kind != protocol.KindAgent {
		t.Errorf("expected the agent in participants, got %+v", conn.Participants())
	}
}

func TestDial_RejectsBadToken(t *testing.T) {
	tr := newTestRoom(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := Dial(ctx, tr.server.URL, "not-a-token", "alice")
	if err == nil {
		t.Fatal("expected join to fail")
	}

	var joinErr *JoinError
	if !errors.As(err, &joinErr) {
		t.Fatalf("expected *JoinError, got %T: %v", err, err)
	}
	if joinErr.Code != protocol.ErrInvalidToken {
		t.Errorf("expected code %s, got %s", protocol.ErrInvalidToken, joinErr.Code)
	}
}

func TestDial_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := Dial(ctx, "ws://127.0.0.1:1", "tok", "alice")
	if err == nil {
		t.Fatal("expected dial to fail")
	}
}

func TestConn_ReceivesSignalEvents(t *testing.T) {
	tr := newTestRoom(t, func(ws *websocket.Conn) {
		sendFrame(ws, protocol.TypeAgentListening, struct{}{})
		sendFrame(ws, protocol.TypeTranscription, protocol.TranscriptionPayload{
			Channel: protocol.ChannelUser, ID: "u1", Text: "hello", Final: false,
		})
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})
	tok := tr.mint(t, "alice", "room-x")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Dial(ctx, tr.server.URL, tok, "alice")
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	want := []string{protocol.TypeAgentListening, protocol.TypeTranscription}
	for _, wantType := range want {
		select {
		case msg := <-conn.Events():
			if msg.Type != wantType {
				t.Errorf("expected %s, got %s", wantType, msg.Type)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %s", wantType)
		}
	}
}

func TestConn_DropsInvalidFramesAndContinues(t *testing.T) {
	tr := newTestRoom(t, func(ws *websocket.Conn) {
		ws.WriteMessage(websocket.TextMessage, []byte(`{not json`))
		ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus.type","payload":{}}`))
		sendFrame(ws, protocol.TypeAgentThinking, struct{}{})
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})
	tok := tr.mint(t, "alice", "room-x")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Dial(ctx, tr.server.URL, tok, "alice")
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	select {
	case msg := <-conn.Events():
		if msg.Type != protocol.TypeAgentThinking {
			t.Errorf("expected the valid frame, got %s", msg.Type)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out: invalid frames must not abort the stream")
	}
}

func TestConn_BinaryFramesAreAudio(t *testing.T) {
	pcm := []byte{1, 2, 3, 4}
	tr := newTestRoom(t, func(ws *websocket.Conn) {
		ws.WriteMessage(websocket.BinaryMessage, pcm)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})
	tok := tr.mint(t, "alice", "room-x")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Dial(ctx, tr.server.URL, tok, "alice")
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	select {
	case frame := <-conn.Audio():
		if len(frame) != len(pcm) {
			t.Errorf("expected %d bytes, got %d", len(pcm), len(frame))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for audio frame")
	}
}

func TestConn_SendAudioReachesServer(t *testing.T) {
	got := make(chan []byte, 1)
	tr := newTestRoom(t, func(ws *websocket.Conn) {
		for {
			msgType, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if msgType == websocket.BinaryMessage {
				select {
				case got <- data:
				default:
				}
			}
		}
	})
	tok := tr.mint(t, "alice", "room-x")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Dial(ctx, tr.server.URL, tok, "alice")
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	if err := conn.SendAudio([]byte{9, 9, 9}); err != nil {
		t.Fatalf("SendAudio failed: %v", err)
	}

	select {
	case data := <-got:
		if len(data) != 3 {
			t.Errorf("expected 3 bytes, got %d", len(data))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for server to receive audio")
	}
}

func TestConn_ServerCloseEndsStreams(t *testing.T) {
	tr := newTestRoom(t, func(ws *websocket.Conn) {
		sendFrame(ws, protocol.TypeRoomClosed, protocol.RoomClosedPayload{Reason: "session ended"})
		ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	})
	tok := tr.mint(t, "alice", "room-x")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Dial(ctx, tr.server.URL, tok, "alice")
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	select {
	case msg := <-conn.Events():
		if msg.Type != protocol.TypeRoomClosed {
			t.Errorf("expected room.closed, got %s", msg.Type)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for room.closed")
	}

	// After the server hangs up, the event channel drains and closes.
	select {
	case _, ok := <-conn.Events():
		if ok {
			t.Error("expected events channel to close")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for events channel to close")
	}

	if err := conn.SendAudio([]byte{1}); !errors.Is(err, ErrConnClosed) {
		t.Errorf("expected ErrConnClosed after teardown, got %v", err)
	}
}

func TestLeave_FlushesLeaveFrameBeforeClosing(t *testing.T) {
	leaves := make(chan protocol.SessionLeavePayload, 1)
	tr := newTestRoom(t, func(ws *websocket.Conn) {
		for {
			msgType, raw, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if msgType != websocket.TextMessage {
				continue
			}
			msg, err := protocol.ValidateClientMessage(raw)
			if err != nil || msg.Type != protocol.TypeSessionLeave {
				continue
			}
			var p protocol.SessionLeavePayload
			json.Unmarshal(msg.Payload, &p)
			select {
			case leaves <- p:
			default:
			}
		}
	})
	tok := tr.mint(t, "alice", "room-x")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Dial(ctx, tr.server.URL, tok, "alice")
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	if err := conn.Leave("done for today"); err != nil {
		t.Fatalf("Leave failed: %v", err)
	}

	// The write pump acknowledges the frame before Leave closes the socket,
	// so the room must have it by now.
	select {
	case p := <-leaves:
		if p.Reason != "done for today" {
			t.Errorf("unexpected leave reason %q", p.Reason)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the session.leave frame")
	}

	select {
	case <-conn.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the connection to close")
	}
}

func TestConn_ReplayHoldsRecentEvents(t *testing.T) {
	tr := newTestRoom(t, func(ws *websocket.Conn) {
		sendFrame(ws, protocol.TypeAgentListening, struct{}{})
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})
	tok := tr.mint(t, "alice", "room-x")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Dial(ctx, tr.server.URL, tok, "alice")
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	// Wait for the event to arrive so the replay buffer has it.
	select {
	case <-conn.Events():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}

	replay := conn.Replay()
	if len(replay) < 2 {
		t.Fatalf("expected at least join + 1 event in replay, got %d", len(replay))
	}
	if replay[0].Type != protocol.TypeRoomJoined {
		t.Errorf("expected replay to start with room.joined, got %s", replay[0].Type)
	}
}
