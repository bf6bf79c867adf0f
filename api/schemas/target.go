package schemas

import "fmt"

// EngineKind identifies a browser rendering engine family.
type EngineKind string

const (
	EngineChromium EngineKind = "chromium"
	EngineGecko    EngineKind = "gecko"
	EngineWebKit   EngineKind = "webkit"
)

// Valid reports whether the kind is one of the known engine families.
func (k EngineKind) Valid() bool {
	switch k {
	case EngineChromium, EngineGecko, EngineWebKit:
		return true
	}
	return false
}

// Viewport is the page viewport applied to every context created for a target.
type Viewport struct {
	Width  int `json:"width" mapstructure:"width" yaml:"width"`
	Height int `json:"height" mapstructure:"height" yaml:"height"`
}

// EngineTarget is a named (engine kind, device profile) combination. Targets
// are immutable once configured; the matrix expands logical tests across them.
type EngineTarget struct {
	Name      string     `json:"name" mapstructure:"name" yaml:"name"`
	Kind      EngineKind `json:"kind" mapstructure:"kind" yaml:"kind"`
	Viewport  Viewport   `json:"viewport" mapstructure:"viewport" yaml:"viewport"`
	UserAgent string     `json:"userAgent,omitempty" mapstructure:"user_agent" yaml:"user_agent"`
}

// Validate checks that the target is usable.
func (t EngineTarget) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("engine target requires a name")
	}
	if !t.Kind.Valid() {
		return fmt.Errorf("engine target %q: unknown engine kind %q", t.Name, t.Kind)
	}
	return nil
}
