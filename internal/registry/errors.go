package registry

import (
	"errors"
	"fmt"
	"strings"
)

// ErrDuplicateAgent is returned by Register when the id is already taken.
var ErrDuplicateAgent = errors.New("agent already registered")

// ErrAgentNotFound is returned when an operation names an unknown agent.
var ErrAgentNotFound = errors.New("agent not found")

// DependencyNotMetError reports the dependencies that kept an agent from
// starting. The agent's status is unchanged when this is returned.
type DependencyNotMetError struct {
	AgentID string
	Missing []string // dependency ids not currently ACTIVE
}

func (e *DependencyNotMetError) Error() string {
	return fmt.Sprintf("agent %q cannot start: dependencies not active: %s",
		e.AgentID, strings.Join(e.Missing, ", "))
}

// PersistenceError wraps a failed read/write of the registry document.
type PersistenceError struct {
	Path string
	Op   string // "load" or "save"
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("registry %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IllegalTransitionError reports a state-machine violation.
type IllegalTransitionError struct {
	AgentID string
	From    Status
	To      Status
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("agent %q: illegal transition %s -> %s", e.AgentID, e.From, e.To)
}
