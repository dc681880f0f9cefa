package models

import (
	"encoding/json"
	"time"
)

type Role string

const (
	RoleAuthor   Role = "author"
	RoleReviewer Role = "reviewer"
)

type ResultType string

const (
	ResultStatus  ResultType = "status"
	ResultVerdict ResultType = "verdict"
)

// Step identifies one agent call inside a run. Two calls with the same Step
// are the same logical step: the later one replaces the earlier.
type Step struct {
	RunID      int64
	Role       Role
	Phase      string
	Iteration  int
	Template   string
	ResultType ResultType
}

type AgentResult struct {
	ID int64
	Step
	Payload      json.RawMessage
	Completed    bool
	Error        string
	Duration     time.Duration
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	SessionID    string
	LogPath      string
	CreatedAt    time.Time
}

type QualityResult struct {
	ID        int64
	RunID     int64
	Phase     string
	Attempt   int
	Passed    bool
	Outputs   []QualityOutput
	CreatedAt time.Time
}

type QualityOutput struct {
	Command  string `json:"command"`
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output"`
	TimedOut bool   `json:"timed_out,omitempty"`
}
