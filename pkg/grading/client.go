package grading

import (
	"context"
	"errors"
	"time"
)

// ErrUnknownJob indicates the job handle is not (or no longer) tracked by the client.
var ErrUnknownJob = errors.New("unknown grading job")

// DebugMode selects how much debug data a job produces.
type DebugMode string

const (
	DebugOff  DebugMode = ""
	DebugOn   DebugMode = "debug"
	DebugLive DebugMode = "ssh"
)

// Outcomes reported in Result.Outcome.
const (
	OutcomeSuccess  = "success"
	OutcomeFailed   = "failed"
	OutcomeTimeout  = "timeout"
	OutcomeOverflow = "overflow"
	OutcomeKilled   = "killed"
	OutcomeCrash    = "crash"
)

// Job describes the work sent to the grading fleet.
type Job struct {
	Priority      int
	CourseID      string
	TaskID        string
	Environment   string
	Command       string
	TimeLimit     time.Duration
	MemoryLimitMB int
	Input         map[string]interface{}
	Launcher      string
	Debug         DebugMode
}

// ProblemResult is the outcome of one sub-problem.
type ProblemResult struct {
	Result string `json:"result"`
	Text   string `json:"text"`
}

// Result is delivered exactly once per dispatched job.
type Result struct {
	Outcome  string                   `json:"outcome"`
	Text     string                   `json:"text"`
	Grade    float64                  `json:"grade"`
	Problems map[string]ProblemResult `json:"problems,omitempty"`
	Tests    map[string]interface{}   `json:"tests,omitempty"`
	Custom   map[string]interface{}   `json:"custom,omitempty"`
	State    string                   `json:"state,omitempty"`
	Archive  []byte                   `json:"archive,omitempty"`
	Stdout   string                   `json:"stdout,omitempty"`
	Stderr   string                   `json:"stderr,omitempty"`
}

// LiveDebug carries the connection details of an interactive debug session.
type LiveDebug struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
}

// CompletionFunc receives the terminal result of a job.
type CompletionFunc func(Result)

// LiveDebugFunc receives live-debug connection info, zero or more times before completion.
type LiveDebugFunc func(LiveDebug)

// Client dispatches grading jobs. Callbacks run on goroutines owned by the client.
type Client interface {
	Dispatch(ctx context.Context, job Job, done CompletionFunc, liveDebug LiveDebugFunc) (string, error)
	Kill(ctx context.Context, jobID string) error
}
