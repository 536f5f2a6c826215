package job

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusScheduled  Status = "SCHEDULED"
	StatusRunning    Status = "RUNNING"
	StatusCancelling Status = "CANCELLING"
	StatusCancelled  Status = "CANCELLED"
	StatusDone       Status = "DONE"
	StatusFailed     Status = "FAILED"
	StatusStopped    Status = "STOPPED"
)

const (
	MinPriority = 0
	MaxPriority = 9
)

// allowedTransitions is the execution state machine. RUNNING -> SCHEDULED is the
// redelivery edge taken when the retry policy grants another attempt.
var allowedTransitions = map[Status]map[Status]struct{}{
	StatusScheduled: {
		StatusRunning:    {},
		StatusCancelling: {},
		StatusStopped:    {},
	},
	StatusRunning: {
		StatusDone:       {},
		StatusFailed:     {},
		StatusCancelling: {},
		StatusStopped:    {},
		StatusScheduled:  {},
	},
	StatusCancelling: {
		StatusCancelled: {},
		StatusStopped:   {},
	},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	switch s {
	case StatusDone, StatusFailed, StatusCancelled, StatusStopped:
		return true
	}
	return false
}

// Cancellable reports whether a cancel request may be accepted in s.
func (s Status) Cancellable() bool {
	return s == StatusScheduled || s == StatusRunning
}

// ParseStatus returns the Status named by s.
func ParseStatus(s string) (Status, bool) {
	st := Status(s)
	switch st {
	case StatusScheduled, StatusRunning, StatusCancelling, StatusCancelled,
		StatusDone, StatusFailed, StatusStopped:
		return st, true
	}
	return "", false
}

// ValidPriority reports whether p is within [MinPriority, MaxPriority].
func ValidPriority(p int) bool {
	return p >= MinPriority && p <= MaxPriority
}

// Task is the identity of a repeatable unit of work.
type Task struct {
	ID              string    `json:"id" db:"id"`
	Key             string    `json:"key" db:"key"`
	DefaultPriority int       `json:"default_priority" db:"default_priority"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

type DDLStatement struct {
	Statement string `json:"statement"`
}

type Query struct {
	QueryID       string `json:"queryid,omitempty"`
	Query         string `json:"query"`
	RunQuantity   int    `json:"runquantity,omitempty"`
	ExecutionTime int    `json:"executiontime,omitempty"`
}

// Params is the immutable parameter snapshot taken at admission.
type Params struct {
	DSN     string         `json:"dsn"`
	DDL     []DDLStatement `json:"ddl"`
	Queries []Query        `json:"queries"`
}

func (p Params) DDLStatements() []string {
	out := make([]string, 0, len(p.DDL))
	for _, d := range p.DDL {
		out = append(out, d.Statement)
	}
	return out
}

func (p Params) QueryStatements() []string {
	out := make([]string, 0, len(p.Queries))
	for _, q := range p.Queries {
		out = append(out, q.Query)
	}
	return out
}

// Execution is one concrete run of a Task.
type Execution struct {
	ID              string          `json:"id" db:"id"`
	TaskID          string          `json:"task_id" db:"task_id"`
	Params          Params          `json:"parameters" db:"parameters"`
	Status          Status          `json:"status" db:"status"`
	Priority        int             `json:"priority" db:"priority"`
	Attempt         int             `json:"attempt" db:"attempt"`
	Result          json.RawMessage `json:"result,omitempty" db:"result"`
	BrokerRef       string          `json:"broker_ref,omitempty" db:"broker_ref"`
	PrevExecutionID string          `json:"prev_execution_id,omitempty" db:"prev_execution_id"`
	ScheduledAt     time.Time       `json:"scheduled_at" db:"scheduled_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty" db:"started_at"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty" db:"finished_at"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// ResultMap decodes the result payload; an absent result is an empty map.
func (e *Execution) ResultMap() (map[string]any, error) {
	out := map[string]any{}
	if len(e.Result) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(e.Result, &out); err != nil {
		return nil, err
	}
	return out, nil
}
