package protocol

import (
	"encoding/json"
	"fmt"
)

// validServerTypes is the set of allowed server→client message types.
var validServerTypes = map[string]bool{
	TypeRoomJoined:        true,
	TypeParticipantJoined: true,
	TypeParticipantLeft:   true,
	TypeAgentListening:    true,
	TypeAgentThinking:     true,
	TypeTrackStarted:      true,
	TypeTrackEnded:        true,
	TypeTranscription:     true,
	TypeRoomClosed:        true,
	TypeError:             true,
}

// validClientTypes is the set of allowed client→server message types.
var validClientTypes = map[string]bool{
	TypeSessionJoin:  true,
	TypeSessionLeave: true,
}

// ValidateServerMessage validates a raw JSON frame received from the room.
// Returns the parsed Message and any validation error.
func ValidateServerMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if msg.Type == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}

	if !validServerTypes[msg.Type] {
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}

	// Validate required payload fields per type. Types with empty payloads
	// (agent.listening, agent.thinking) are accepted as-is.
	switch msg.Type {
	case TypeRoomJoined:
		var p RoomJoinedPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.Room == "" {
			return nil, fmt.Errorf("missing required field 'room' in %s payload", msg.Type)
		}

	case TypeParticipantJoined:
		var p ParticipantJoinedPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.Identity == "" {
			return nil, fmt.Errorf("missing required field 'identity' in %s payload", msg.Type)
		}

	case TypeTrackStarted, TypeTrackEnded:
		var p TrackPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.Identity == "" {
			return nil, fmt.Errorf("missing required field 'identity' in %s payload", msg.Type)
		}

	case TypeTranscription:
		var p TranscriptionPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.Channel != ChannelAgent && p.Channel != ChannelUser {
			return nil, fmt.Errorf("unknown channel %q in %s payload", p.Channel, msg.Type)
		}
		// A missing id is NOT a validation error here: the merger drops
		// and logs it without aborting the stream.
	}

	return &msg, nil
}

// ValidateClientMessage validates a raw JSON frame from a joining client.
func ValidateClientMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if msg.Type == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}

	if !validClientTypes[msg.Type] {
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}

	if msg.Type == TypeSessionJoin {
		if msg.Payload == nil {
			return nil, fmt.Errorf("missing 'payload' field")
		}
		var p SessionJoinPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.Token == "" {
			return nil, fmt.Errorf("missing required field 'token' in %s payload", msg.Type)
		}
		if p.Identity == "" {
			return nil, fmt.Errorf("missing required field 'identity' in %s payload", msg.Type)
		}
	}

	return &msg, nil
}

// NewErrorMessage creates an error frame ready to send to the client.
func NewErrorMessage(code, message string) (*Message, error) {
	return NewMessage(TypeError, ErrorPayload{
		Code:    code,
		Message: message,
	})
}
