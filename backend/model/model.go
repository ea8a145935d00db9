package model

import (
	"encoding/json"
	"time"
)

// Kind selects one of the three activity namespaces.
type Kind string

const (
	KindWatch Kind = "watch"
	KindGame  Kind = "game"
	KindCall  Kind = "call"
)

type Lifecycle string

const (
	LifecycleWaiting  Lifecycle = "waiting"
	LifecycleActive   Lifecycle = "active"
	LifecycleFinished Lifecycle = "finished"
)

type Role string

const (
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
	RoleWhite Role = "white"
	RoleBlack Role = "black"
)

type Participant struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// RoomMeta is the activity-independent part of every room document.
// Expiry is enforced by the store TTL; CreatedAt is diagnostics only.
type RoomMeta struct {
	ID           string        `json:"room_id"`
	Code         string        `json:"room_code,omitempty"`
	Kind         Kind          `json:"kind"`
	Participants []Participant `json:"participants"`
	Lifecycle    Lifecycle     `json:"lifecycle"`
	Version      int64         `json:"version"`
	CreatedAt    time.Time     `json:"created_at"`
}

func (m *RoomMeta) Participant(id string) (Participant, bool) {
	for _, p := range m.Participants {
		if p.ID == id {
			return p, true
		}
	}
	return Participant{}, false
}

func (m *RoomMeta) AddParticipant(p Participant) {
	if _, ok := m.Participant(p.ID); ok {
		return
	}
	m.Participants = append(m.Participants, p)
}

func (m *RoomMeta) RemoveParticipant(id string) {
	for i, p := range m.Participants {
		if p.ID == id {
			m.Participants = append(m.Participants[:i], m.Participants[i+1:]...)
			return
		}
	}
}

// Event is the wire envelope for both inbound commands and outbound
// broadcasts. For inbound events the server re-assigns SRC based on the
// websocket session.
type Event struct {
	Type    string          `json:"type"`
	SRC     string          `json:"src,omitempty"`
	DST     string          `json:"dst,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func NewEvent(typ string, payload any) (Event, error) {
	ev := Event{Type: typ}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return ev, err
		}
		ev.Payload = b
	}
	return ev, nil
}

// Client identifies one admitted websocket session: the server-assigned
// socket id, the participant identity behind it, and its outbound wire.
type Client struct {
	SID    string
	UserID string
	Wire   Wire
}

// Wire connects one websocket session to the room-group switch.
type Wire struct {
	RX chan Event
	TX chan Event
}

func NewWire() Wire {
	return Wire{
		RX: make(chan Event),
		TX: make(chan Event, 16),
	}
}
