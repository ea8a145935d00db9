package rules

import (
	"encoding/json"
	"errors"

	"github.com/Punyamittal/skipon-relay/backend/model"
)

var ErrIllegalMove = errors.New("illegal move")

type Move struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Promotion string `json:"promotion,omitempty"`
}

// Result is the engine's verdict on a proposed move: the updated position
// and, when the game ended, the terminal condition. An empty Outcome means
// the game goes on.
type Result struct {
	Position string
	Outcome  model.Outcome
}

// Engine is the external move-legality collaborator. The room manager
// never interprets positions itself; it only enforces turn ownership and
// room status around Apply.
type Engine interface {
	Initial() string
	Apply(position string, mv Move) (Result, error)
}

// Func adapts a plain function to the Engine interface.
type Func func(position string, mv Move) (Result, error)

func (f Func) Initial() string { return initialPosition() }

func (f Func) Apply(position string, mv Move) (Result, error) {
	return f(position, mv)
}

const startFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

type position struct {
	FEN   string   `json:"fen"`
	Moves []string `json:"moves"`
}

func initialPosition() string {
	b, _ := json.Marshal(position{FEN: startFEN, Moves: []string{}})
	return string(b)
}

// AppendOnly records moves without judging legality and never signals a
// terminal condition. It stands in where no real engine is wired and keeps
// the position string round-trippable for one that is.
type AppendOnly struct{}

func (AppendOnly) Initial() string { return initialPosition() }

func (AppendOnly) Apply(pos string, mv Move) (Result, error) {
	if mv.From == "" || mv.To == "" {
		return Result{}, ErrIllegalMove
	}
	var p position
	if err := json.Unmarshal([]byte(pos), &p); err != nil {
		return Result{}, errors.Join(ErrIllegalMove, err)
	}
	p.Moves = append(p.Moves, mv.From+mv.To+mv.Promotion)
	b, err := json.Marshal(p)
	if err != nil {
		return Result{}, err
	}
	return Result{Position: string(b)}, nil
}
