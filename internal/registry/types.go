package registry

import (
	"fmt"
	"time"
)

// Tier is the closed category an agent belongs to. It selects the port
// range and the hierarchy level; it carries no authorization meaning.
type Tier string

const (
	TierCoordinator Tier = "coordinator"
	TierSpecialist  Tier = "specialist"
	TierWorker      Tier = "worker"
	TierUtility     Tier = "utility"
)

// ParseTier validates a tier name.
func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case TierCoordinator, TierSpecialist, TierWorker, TierUtility:
		return Tier(s), nil
	}
	return "", fmt.Errorf("unknown tier %q", s)
}

// HierarchyLevel returns the display/sort order for the tier. Lower sorts
// first. Never used for authorization.
func (t Tier) HierarchyLevel() int {
	switch t {
	case TierCoordinator:
		return 1
	case TierSpecialist:
		return 2
	case TierWorker:
		return 3
	case TierUtility:
		return 4
	default:
		return 99
	}
}

// Status is an agent's lifecycle state.
type Status string

const (
	StatusInactive Status = "INACTIVE"
	StatusStarting Status = "STARTING"
	StatusActive   Status = "ACTIVE"
	StatusStopping Status = "STOPPING"
	StatusError    Status = "ERROR"
)

// validTransitions is the agent state machine:
// INACTIVE -> STARTING -> ACTIVE -> STOPPING -> INACTIVE, with any state
// able to fall to ERROR. ERROR exits only through a restart, which passes
// through STOPPING.
var validTransitions = map[Status][]Status{
	StatusInactive: {StatusStarting, StatusError},
	StatusStarting: {StatusActive, StatusStopping, StatusError},
	StatusActive:   {StatusStopping, StatusError},
	StatusStopping: {StatusInactive, StatusError},
	StatusError:    {StatusStopping, StatusError},
}

// CanTransition reports whether moving from s to next is legal.
func (s Status) CanTransition(next Status) bool {
	for _, t := range validTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Running reports whether the agent holds its port (ACTIVE or STARTING).
func (s Status) Running() bool {
	return s == StatusActive || s == StatusStarting
}

// AgentDefinition is the registry's record of one agent. The live process
// handle is owned by the supervisor and never appears here.
type AgentDefinition struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Description    string            `json:"description,omitempty"`
	Tier           Tier              `json:"tier"`
	Port           int               `json:"port"`
	ScriptPath     string            `json:"script_path"`
	HierarchyLevel int               `json:"hierarchy_level"`
	Capabilities   []string          `json:"capabilities"`
	Dependencies   []string          `json:"dependencies"`
	AutoStart      bool              `json:"auto_start"`
	Status         Status            `json:"status"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy so callers can't mutate registry state.
func (d AgentDefinition) Clone() AgentDefinition {
	out := d
	out.Capabilities = append([]string(nil), d.Capabilities...)
	out.Dependencies = append([]string(nil), d.Dependencies...)
	if d.Metadata != nil {
		out.Metadata = make(map[string]string, len(d.Metadata))
		for k, v := range d.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Metadata keys the registry itself writes.
const (
	// MetaGeneratedScript marks scripts produced by the template generator;
	// only these are deleted on unregister.
	MetaGeneratedScript = "generated_script"
	// MetaTierHint records the non-authoritative tier guess from discovery.
	MetaTierHint = "tier_hint"
	// MetaDiscovered marks agents adopted by auto-discovery or enforcement.
	MetaDiscovered = "discovered"
	// MetaPid records the supervised process id while an agent runs.
	MetaPid = "pid"
)

// DocumentVersion is the current persisted document format version.
const DocumentVersion = 1

// Document is the persisted registry file: a single JSON document holding
// every agent definition.
type Document struct {
	Version     int               `json:"version"`
	LastUpdated time.Time         `json:"last_updated"`
	TotalAgents int               `json:"total_agents"`
	Agents      []AgentDefinition `json:"agents"`
}
