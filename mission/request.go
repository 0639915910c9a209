package mission

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Request limits.
const (
	MaxPromptLength    = 10000
	MaxRoundsLimit     = 20
	MaxRevisionsLimit  = 10
	MinPanelExperts    = 2
	DefaultPanelRounds = 3
)

// StartConfig tunes a new mission or panel.
type StartConfig struct {
	// Agents lists expert or agent IDs. Panels need at least two.
	Agents             []string `json:"agents,omitempty"`
	MaxRounds          int      `json:"maxRounds,omitempty"`
	ConsensusThreshold float64  `json:"consensusThreshold,omitempty"`
	MaxRevisions       int      `json:"maxRevisions,omitempty"`
}

// StartRequest is the body of POST /missions and POST /panels.
type StartRequest struct {
	Mode   Mode        `json:"mode"`
	Prompt string      `json:"prompt"`
	Config StartConfig `json:"config"`
}

// Validate checks the request before anything is sent.
func (r StartRequest) Validate() error {
	if !r.Mode.IsValid() {
		return &ValidationError{Field: "mode", Message: fmt.Sprintf("must be %q or %q, got %q", ModeMission, ModePanel, r.Mode)}
	}
	if strings.TrimSpace(r.Prompt) == "" {
		return &ValidationError{Field: "prompt", Message: "is required"}
	}
	if n := utf8.RuneCountInString(r.Prompt); n > MaxPromptLength {
		return &ValidationError{Field: "prompt", Message: fmt.Sprintf("must be at most %d characters, got %d", MaxPromptLength, n)}
	}
	if r.Mode == ModePanel && len(r.Config.Agents) < MinPanelExperts {
		return &ValidationError{Field: "config.agents", Message: fmt.Sprintf("a panel needs at least %d experts", MinPanelExperts)}
	}
	seen := make(map[string]bool, len(r.Config.Agents))
	for _, a := range r.Config.Agents {
		if strings.TrimSpace(a) == "" {
			return &ValidationError{Field: "config.agents", Message: "agent id must not be empty"}
		}
		if seen[a] {
			return &ValidationError{Field: "config.agents", Message: "duplicate agent " + a}
		}
		seen[a] = true
	}
	if r.Config.MaxRounds < 0 || r.Config.MaxRounds > MaxRoundsLimit {
		return &ValidationError{Field: "config.maxRounds", Message: fmt.Sprintf("must be between 0 and %d", MaxRoundsLimit)}
	}
	if r.Config.ConsensusThreshold < 0 || r.Config.ConsensusThreshold > 1 {
		return &ValidationError{Field: "config.consensusThreshold", Message: "must be between 0 and 1"}
	}
	if r.Config.MaxRevisions < 0 || r.Config.MaxRevisions > MaxRevisionsLimit {
		return &ValidationError{Field: "config.maxRevisions", Message: fmt.Sprintf("must be between 0 and %d", MaxRevisionsLimit)}
	}
	return nil
}

// WithDefaults fills unset tuning values.
func (r StartRequest) WithDefaults() StartRequest {
	if r.Config.MaxRevisions == 0 {
		r.Config.MaxRevisions = DefaultMaxRevisions
	}
	if r.Mode == ModePanel && r.Config.MaxRounds == 0 {
		r.Config.MaxRounds = DefaultPanelRounds
	}
	return r
}
