package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is the envelope for all room signaling frames.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a signaling message with the current timestamp.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Server → Client message types.
const (
	TypeRoomJoined        = "room.joined"
	TypeParticipantJoined = "participant.joined"
	TypeParticipantLeft   = "participant.left"
	TypeAgentListening    = "agent.listening"
	TypeAgentThinking     = "agent.thinking"
	TypeTrackStarted      = "track.started"
	TypeTrackEnded        = "track.ended"
	TypeTranscription     = "transcription.segment"
	TypeRoomClosed        = "room.closed"
	TypeError             = "error"
)

// Client → Server message types.
const (
	TypeSessionJoin  = "session.join"
	TypeSessionLeave = "session.leave"
)

// Participant kinds.
const (
	KindAgent = "agent"
	KindUser  = "user"
)

// Transcription channels. ChannelAgent carries the agent's TTS-side
// transcript, ChannelUser the participant's STT transcript.
const (
	ChannelAgent = "agent"
	ChannelUser  = "user"
)

// Error codes.
const (
	ErrInvalidToken   = "INVALID_TOKEN"
	ErrTokenExpired   = "TOKEN_EXPIRED"
	ErrInvalidMessage = "INVALID_MESSAGE"
	ErrRoomClosed     = "ROOM_CLOSED"
)

// Server → Client payloads.

type ParticipantInfo struct {
	Identity string `json:"identity"`
	Kind     string `json:"kind"` // "agent" | "user"
}

type RoomJoinedPayload struct {
	Room         string            `json:"room"`
	Identity     string            `json:"identity"`
	Participants []ParticipantInfo `json:"participants,omitempty"`
}

type ParticipantJoinedPayload struct {
	Identity string `json:"identity"`
	Kind     string `json:"kind"`
}

type ParticipantLeftPayload struct {
	Identity string `json:"identity"`
}

// TrackPayload announces an audio track starting or ending for a participant.
type TrackPayload struct {
	Identity string `json:"identity"`
	Kind     string `json:"kind"` // always "audio" today
}

// TranscriptionPayload is one partial or final transcription update.
// Segments sharing an ID replace each other; Final marks the last one.
type TranscriptionPayload struct {
	Channel string `json:"channel"` // "agent" | "user"
	ID      string `json:"id"`
	Text    string `json:"text"`
	Final   bool   `json:"final"`
}

type RoomClosedPayload struct {
	Reason string `json:"reason"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Client → Server payloads.

type SessionJoinPayload struct {
	Token    string `json:"token"`
	Identity string `json:"identity"`
}

type SessionLeavePayload struct {
	Reason string `json:"reason,omitempty"`
}
