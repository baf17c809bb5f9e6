// Package tape provides recording and replay of Model SPI turns, enabling
// deterministic tests of the step loop without a real LLM transport —
// testable property 9 ("identical task, identical pre-run lesson set, and a
// deterministic mock model produces identical fingerprints and identical
// candidate lessons") requires exactly this. Adapted from the teacher's
// agent-conversation tape format, retargeted at the narrower Model SPI
// turn shape instead of a provider-specific streaming-chunk format.
package tape

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/artemgetmann/cortex/internal/model"
)

// Tape records a complete conversation: one Turn per Model SPI call.
type Tape struct {
	Version string `json:"version"`
	Model   string `json:"model,omitempty"`
	Turns   []Turn `json:"turns"`
}

// Turn is one recorded request/response pair.
type Turn struct {
	Index    int             `json:"index"`
	Response model.ModelTurn `json:"response"`
}

// NewTape returns an empty tape.
func NewTape() *Tape {
	return &Tape{Version: "1.0"}
}

// AddTurn appends a recorded response, grounded on the teacher's pattern of
// index assignment by current length.
func (t *Tape) AddTurn(response model.ModelTurn) {
	t.Turns = append(t.Turns, Turn{Index: len(t.Turns), Response: response})
}

// Marshal serializes the tape to JSON.
func (t *Tape) Marshal() ([]byte, error) {
	return json.MarshalIndent(t, "", "  ")
}

// Unmarshal deserializes a tape from JSON.
func Unmarshal(data []byte) (*Tape, error) {
	var t Tape
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Player implements model.SPI by replaying a Tape's turns in order. Calling
// Turn more times than the tape has recorded turns is an error: a test that
// hits this has drifted from the scenario it was meant to replay.
type Player struct {
	mu   sync.Mutex
	tape *Tape
	next int
}

// NewPlayer returns a Player over tape, starting at its first turn.
func NewPlayer(tape *Tape) *Player {
	return &Player{tape: tape}
}

// Turn implements model.SPI. It ignores ctx, messages, tools, and stop —
// replay is driven entirely by recorded order, so a Player is deterministic
// regardless of what the caller passes.
func (p *Player) Turn(ctx context.Context, messages []model.Message, tools []model.ToolSpec, stop model.StopConditions) (model.ModelTurn, error) {
	if err := ctx.Err(); err != nil {
		return model.ModelTurn{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.next >= len(p.tape.Turns) {
		return model.ModelTurn{}, fmt.Errorf("tape: replay exhausted after %d turns", p.next)
	}
	t := p.tape.Turns[p.next]
	p.next++
	return t.Response, nil
}

// Reset rewinds the player to the first recorded turn, so the same tape can
// back multiple independent sessions in a test.
func (p *Player) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next = 0
}

// Recorder implements model.SPI by delegating to an underlying SPI and
// appending every response to a Tape, for building fixtures from a live run.
type Recorder struct {
	underlying model.SPI
	tape       *Tape
}

// NewRecorder wraps underlying, recording every turn into a fresh Tape.
func NewRecorder(underlying model.SPI) *Recorder {
	return &Recorder{underlying: underlying, tape: NewTape()}
}

func (r *Recorder) Turn(ctx context.Context, messages []model.Message, tools []model.ToolSpec, stop model.StopConditions) (model.ModelTurn, error) {
	resp, err := r.underlying.Turn(ctx, messages, tools, stop)
	if err != nil {
		return resp, err
	}
	r.tape.AddTurn(resp)
	return resp, nil
}

// Tape returns the tape recorded so far.
func (r *Recorder) Tape() *Tape {
	return r.tape
}
