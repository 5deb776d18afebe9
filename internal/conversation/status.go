package conversation

import "time"

// RuntimeStatus is the "agent starting" projection. It never touches
// message content.
type RuntimeStatus struct {
	Phase     string    `json:"phase,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// InitStatus tracks the workspace init hook
type InitStatus string

const (
	InitNone    InitStatus = ""
	InitRunning InitStatus = "running"
	InitSuccess InitStatus = "success"
	InitError   InitStatus = "error"
)

// MaxInitLines bounds the init output kept in memory
const MaxInitLines = 500

// InitState is built from init-start, init-output and init-end messages
type InitState struct {
	Status    InitStatus `json:"status,omitempty"`
	HookPath  string     `json:"hookPath,omitempty"`
	Lines     []string   `json:"lines,omitempty"`
	Truncated bool       `json:"truncated,omitempty"`
	ExitCode  *int       `json:"exitCode,omitempty"`
}

func (s InitState) clone() InitState {
	c := s
	c.Lines = append([]string(nil), s.Lines...)
	if s.ExitCode != nil {
		code := *s.ExitCode
		c.ExitCode = &code
	}
	return c
}
