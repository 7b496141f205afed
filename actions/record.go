// Package actions records and runs named maintenance actions against works.
//
// An action record moves Requested -> Running -> Completed. A run that fails
// goes back to Requested so a later sweep can retry it. At most one
// unfinished record exists per (work, action, parameters); the database
// enforces it with a partial unique index, so the rule holds across
// processes sharing the file.
package actions

import (
	"encoding/json"
	"time"
)

// Params are the string parameters of an action. Two parameter sets are
// equal when they hold the same key/value pairs; nil and empty are equal.
type Params map[string]string

// Key is the canonical form used for identity: JSON with sorted keys.
func (p Params) Key() string {
	if len(p) == 0 {
		return "{}"
	}
	b, _ := json.Marshal(map[string]string(p))
	return string(b)
}

// Get returns the value for k, or def when it is absent or blank.
func (p Params) Get(k, def string) string {
	if v, ok := p[k]; ok && v != "" {
		return v
	}
	return def
}

// Clone copies p. The result is never nil.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

func parseParams(key string) (Params, error) {
	p := Params{}
	if key == "" {
		return p, nil
	}
	err := json.Unmarshal([]byte(key), &p)
	return p, err
}

// State names a lifecycle stage.
type State string

const (
	StateRequested State = "requested"
	StateRunning   State = "running"
	StateCompleted State = "completed"
)

// Status is one of Requested, Running or Completed.
type Status interface {
	State() State
}

// Requested is waiting to be run.
type Requested struct{}

// Running started at Since.
type Running struct {
	Since time.Time
}

// Completed ran from Started to At.
type Completed struct {
	Started time.Time
	At      time.Time
}

func (Requested) State() State { return StateRequested }
func (Running) State() State   { return StateRunning }
func (Completed) State() State { return StateCompleted }

// Record is one requested action.
type Record struct {
	ID          string
	WorkID      string
	Action      string
	Params      Params
	RequestTime time.Time
	Status      Status
}

// Finished reports whether the record is completed.
func (r *Record) Finished() bool {
	_, ok := r.Status.(Completed)
	return ok
}

// recordJSON is the wire form used by the MCP tools and the CLI.
type recordJSON struct {
	ID          string     `json:"id"`
	WorkID      string     `json:"work_id"`
	Action      string     `json:"action"`
	Params      Params     `json:"params"`
	State       State      `json:"state"`
	RequestTime time.Time  `json:"request_time"`
	StartTime   *time.Time `json:"start_time,omitempty"`
	EndTime     *time.Time `json:"end_time,omitempty"`
}

func (r *Record) MarshalJSON() ([]byte, error) {
	out := recordJSON{
		ID:          r.ID,
		WorkID:      r.WorkID,
		Action:      r.Action,
		Params:      r.Params.Clone(),
		RequestTime: r.RequestTime,
		State:       StateRequested,
	}
	switch s := r.Status.(type) {
	case Running:
		out.State, out.StartTime = StateRunning, &s.Since
	case Completed:
		out.State, out.StartTime, out.EndTime = StateCompleted, &s.Started, &s.At
	}
	return json.Marshal(out)
}
