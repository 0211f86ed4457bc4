package flow

import (
	"context"
	"fmt"
	"strings"

	"github.com/atendezap/atendezap/internal/observability/metrics"
	"github.com/atendezap/atendezap/pkg/logging"
)

// maxChain bounds transition chains within a single step so a cyclic graph
// cannot spin the engine.
const maxChain = 16

// Scope is the variable store a step runs against. Paths are dot-separated
// (`slots.service_id`); lookups of unknown paths report found=false.
type Scope interface {
	Lookup(path string) (any, bool)
	Assign(path string, value any)
}

// MapScope is a nested-map Scope used by tests and fresh conversations.
type MapScope map[string]any

func (m MapScope) Lookup(path string) (any, bool) {
	parts := strings.Split(path, ".")
	var current any = map[string]any(m)
	for _, part := range parts {
		node, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = node[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func (m MapScope) Assign(path string, value any) {
	parts := strings.Split(path, ".")
	node := map[string]any(m)
	for _, part := range parts[:len(parts)-1] {
		child, ok := node[part].(map[string]any)
		if !ok {
			child = make(map[string]any)
			node[part] = child
		}
		node = child
	}
	node[parts[len(parts)-1]] = value
}

// PredicateFunc backs a whitelisted expression call such as
// nlp.is_ambiguous(raw_query). The argument is the resolved variable value.
type PredicateFunc func(ctx context.Context, value any) (bool, error)

// Hooks connect graph actions to the surrounding system.
type Hooks struct {
	// CheckOverride reports whether a human took this conversation over.
	// The scope identifies the conversation (tenant, phone vars).
	CheckOverride func(ctx context.Context, scope Scope) (bool, error)
	// AggregateBuffer swaps raw_message for the buffered aggregate. Optional;
	// controllers that aggregate before stepping leave it nil.
	AggregateBuffer func(ctx context.Context, scope Scope) error
	// Predicates whitelists expression-callable checks by name.
	Predicates map[string]PredicateFunc
}

// Output collects what one step produced.
type Output struct {
	// Replies holds template names in emission order; rendering is the
	// caller's concern.
	Replies []string
	// State is the state the conversation rests in after the step.
	State string
	// Entered lists states entered during the step, in order.
	Entered []string
}

// DidEnter reports whether the step entered the named state.
func (o *Output) DidEnter(name string) bool {
	for _, s := range o.Entered {
		if s == name {
			return true
		}
	}
	return false
}

// Engine walks a Graph. It holds no per-conversation state; everything
// mutable lives in the Scope handed to each call.
type Engine struct {
	graph   *Graph
	tools   *Registry
	hooks   Hooks
	logger  *logging.Logger
	metrics *metrics.ConversationMetrics
}

// NewEngine builds an engine over a validated graph.
func NewEngine(graph *Graph, tools *Registry, hooks Hooks, logger *logging.Logger, m *metrics.ConversationMetrics) (*Engine, error) {
	if graph == nil {
		return nil, fmt.Errorf("flow: graph is required")
	}
	if tools == nil {
		tools = NewRegistry()
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Engine{graph: graph, tools: tools, hooks: hooks, logger: logger, metrics: m}, nil
}

// Graph exposes the engine's graph for admin inspection.
func (e *Engine) Graph() *Graph { return e.graph }

// Bootstrap enters the initial state for a fresh conversation.
func (e *Engine) Bootstrap(ctx context.Context, scope Scope) (*Output, error) {
	out := &Output{State: e.graph.Initial}
	if err := e.enter(ctx, scope, out, e.graph.Initial, 0); err != nil {
		return nil, err
	}
	return out, nil
}

// Step runs the current state's user-message action lists against the scope,
// following any transitions to completion.
func (e *Engine) Step(ctx context.Context, scope Scope, current string) (*Output, error) {
	state, err := e.graph.State(current)
	if err != nil {
		return nil, err
	}
	out := &Output{State: current}

	transitioned, err := e.runList(ctx, scope, out, state.OnUserMessage, 0)
	if err != nil {
		return nil, err
	}
	if !transitioned {
		if _, err := e.runList(ctx, scope, out, state.OnUserMessageOrSlots, 0); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (e *Engine) enter(ctx context.Context, scope Scope, out *Output, name string, depth int) error {
	if depth >= maxChain {
		return fmt.Errorf("flow: transition chain exceeded %d hops at %q", maxChain, name)
	}
	state, err := e.graph.State(name)
	if err != nil {
		return err
	}
	out.State = name
	out.Entered = append(out.Entered, name)
	e.metrics.ObserveTransition(name)

	transitioned, err := e.runList(ctx, scope, out, state.OnEnter, depth)
	if err != nil {
		return err
	}
	if !transitioned {
		// Slot-sensitive states react to the triggering message immediately
		// instead of waiting for the next inbound.
		if _, err := e.runList(ctx, scope, out, state.OnUserMessageOrSlots, depth); err != nil {
			return err
		}
	}
	return nil
}

// runList executes actions top to bottom, short-circuiting on the first
// transition taken. Reports whether a transition fired.
func (e *Engine) runList(ctx context.Context, scope Scope, out *Output, actions []Action, depth int) (bool, error) {
	env := exprEnv{scope: scope, hooks: e.hooks}
	for i := range actions {
		action := &actions[i]
		if action.Condition != nil {
			v, err := action.Condition.Eval(ctx, env)
			if err != nil {
				return false, err
			}
			if !Truthy(v) {
				continue
			}
		}

		switch action.Type {
		case ActionReply:
			out.Replies = append(out.Replies, action.Template)
		case ActionTransition:
			if err := e.enter(ctx, scope, out, action.Target, depth+1); err != nil {
				return false, err
			}
			return true, nil
		case ActionCheckOverride:
			active := false
			if e.hooks.CheckOverride != nil {
				var err error
				active, err = e.hooks.CheckOverride(ctx, scope)
				if err != nil {
					return false, fmt.Errorf("flow: check_override: %w", err)
				}
			}
			scope.Assign(action.Var, active)
		case ActionAggregateBuffer:
			if e.hooks.AggregateBuffer != nil {
				if err := e.hooks.AggregateBuffer(ctx, scope); err != nil {
					return false, fmt.Errorf("flow: aggregate_buffer: %w", err)
				}
			}
		case ActionSetVariable:
			scope.Assign(action.Name, ResolveValue(scope, action.Value))
		case ActionCallTool:
			tool, err := e.tools.Get(action.Tool)
			if err != nil {
				return false, err
			}
			result, err := tool(ctx, ResolveArgs(scope, action.Args))
			if err != nil {
				return false, fmt.Errorf("flow: tool %s: %w", action.Tool, err)
			}
			if action.SaveAs != "" {
				scope.Assign(action.SaveAs, result)
			}
		}
	}
	return false, nil
}

type exprEnv struct {
	scope Scope
	hooks Hooks
}

func (e exprEnv) Lookup(path string) (any, bool) {
	return e.scope.Lookup(path)
}

func (e exprEnv) Predicate(ctx context.Context, name string, arg any) (bool, error) {
	fn, ok := e.hooks.Predicates[name]
	if !ok {
		return false, fmt.Errorf("flow: predicate %q not whitelisted", name)
	}
	return fn(ctx, arg)
}
