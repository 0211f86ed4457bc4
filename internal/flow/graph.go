package flow

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Well-known state names of the booking flow.
const (
	StateStart                 = "START"
	StateHumanHandoff          = "HUMAN_HANDOFF"
	StateMenuWaiting           = "MENU_WAITING"
	StateConfirmIntent         = "CONFIRM_INTENT"
	StateSchedulingRouting     = "SCHEDULING_ROUTING"
	StateValidateBeforeConfirm = "VALIDATE_BEFORE_CONFIRM"
	StateInfoRouting           = "INFO_ROUTING"
	StateSchedulingConfirmed   = "SCHEDULING_CONFIRMED"
)

// State is one node of the conversation graph.
type State struct {
	Name        string   `yaml:"-"`
	Description string   `yaml:"description"`
	OnEnter     []Action `yaml:"on_enter"`
	// OnUserMessage runs on each inbound aggregated message.
	OnUserMessage []Action `yaml:"on_user_message"`
	// OnUserMessageOrSlots additionally runs right after entering the state,
	// so slot changes carried by the triggering message are acted on without
	// waiting for the next one.
	OnUserMessageOrSlots []Action `yaml:"on_user_message_or_slots"`
	// Stay marks states that never advance on their own.
	Stay bool `yaml:"stay"`
}

// Graph is a validated, immutable state machine definition.
type Graph struct {
	Initial string
	States  map[string]*State
}

type graphYAML struct {
	Initial string            `yaml:"initial"`
	States  map[string]*State `yaml:"states"`
}

// LoadGraph parses and validates a YAML graph definition. Unknown actions,
// dangling transition targets and a missing initial state all fail here.
func LoadGraph(data []byte) (*Graph, error) {
	var raw graphYAML
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("flow: parse graph: %w", err)
	}
	if raw.Initial == "" {
		return nil, fmt.Errorf("flow: graph missing initial state")
	}
	if len(raw.States) == 0 {
		return nil, fmt.Errorf("flow: graph has no states")
	}
	if _, ok := raw.States[raw.Initial]; !ok {
		return nil, fmt.Errorf("flow: initial state %q not defined", raw.Initial)
	}

	for name, state := range raw.States {
		if state == nil {
			return nil, fmt.Errorf("flow: state %q is empty", name)
		}
		state.Name = name
		for _, list := range [][]Action{state.OnEnter, state.OnUserMessage, state.OnUserMessageOrSlots} {
			for _, action := range list {
				if action.Type == ActionTransition {
					if _, ok := raw.States[action.Target]; !ok {
						return nil, fmt.Errorf("flow: state %q transitions to undefined state %q", name, action.Target)
					}
				}
			}
		}
	}

	return &Graph{Initial: raw.Initial, States: raw.States}, nil
}

// State returns the named state or an error for unknown names, which can
// happen when a persisted conversation references a state removed from the
// graph.
func (g *Graph) State(name string) (*State, error) {
	state, ok := g.States[name]
	if !ok {
		return nil, fmt.Errorf("flow: unknown state %q", name)
	}
	return state, nil
}

// Has reports whether the graph defines the named state.
func (g *Graph) Has(name string) bool {
	_, ok := g.States[name]
	return ok
}

//go:embed graph.yaml
var defaultGraphYAML []byte

// DefaultGraph loads the embedded booking flow.
func DefaultGraph() (*Graph, error) {
	return LoadGraph(defaultGraphYAML)
}
