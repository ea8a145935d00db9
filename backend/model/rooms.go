package model

// WatchState is the mutable payload of a sync-playback room. The host's
// reported values are taken verbatim as ground truth at the moment of the
// event, there is no drift correction.
type WatchState struct {
	VideoURL    string  `json:"video_url"`
	CurrentTime float64 `json:"current_time"`
	IsPlaying   bool    `json:"is_playing"`
}

type WatchRoom struct {
	RoomMeta
	State WatchState `json:"state"`
}

func (r *WatchRoom) Host() (Participant, bool) {
	for _, p := range r.Participants {
		if p.Role == RoleHost {
			return p, true
		}
	}
	return Participant{}, false
}

// Outcome is the terminal condition of a turn-game room.
type Outcome string

const (
	OutcomeCheckmate   Outcome = "checkmate"
	OutcomeStalemate   Outcome = "stalemate"
	OutcomeDraw        Outcome = "draw"
	OutcomeResignation Outcome = "resignation"
)

// GameState holds the opaque board position plus the turn designation.
// Move legality lives in the external rules engine; the manager only
// enforces whose turn it is.
type GameState struct {
	Position string  `json:"position"`
	Turn     string  `json:"turn"` // participant id of the side to move
	Outcome  Outcome `json:"outcome,omitempty"`
	Winner   string  `json:"winner,omitempty"`
}

type GameRoom struct {
	RoomMeta
	State GameState `json:"state"`
}

func (r *GameRoom) Opponent(id string) (Participant, bool) {
	for _, p := range r.Participants {
		if p.ID != id {
			return p, true
		}
	}
	return Participant{}, false
}
