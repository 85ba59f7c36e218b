// Package saga holds the definition model and runtime state of a saga: step
// plans, compensator plans, trigger mappings and the instance status machine.
package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/sagaweave/sagaweave/pkg/dispatch"
)

// Handler executes a forward step. It receives the instance payload and the
// inbound event, and returns a tagged StepOutcome.
type Handler func(ctx context.Context, payload json.RawMessage, event dispatch.Event) StepOutcome

// Compensator reverses one completed step. It may emit outbound messages,
// which are staged in the same commit as the compensation record.
type Compensator func(ctx context.Context, payload json.RawMessage, record StepExecutionRecord) ([]dispatch.Message, error)

// Strategy controls how a compensator failure is handled.
type Strategy int

const (
	// StrategyDefault behaves like StrategyRetry unless auto compensation is
	// disabled globally, in which case it behaves like manual intervention.
	StrategyDefault Strategy = iota
	StrategyRetry
	StrategySkip
	StrategyManualIntervention
)

// String returns the string form of the strategy.
func (s Strategy) String() string {
	switch s {
	case StrategyDefault:
		return "default"
	case StrategyRetry:
		return "retry"
	case StrategySkip:
		return "skip"
	case StrategyManualIntervention:
		return "manual-intervention"
	default:
		return "unknown"
	}
}

// StepDescriptor defines one forward unit of work.
type StepDescriptor struct {
	Name          string
	Order         int
	Timeout       time.Duration // 0 = inherit the definition default
	CanCompensate bool
	Events        []string // event types this step handles while current
	Handler       Handler
}

// HandlesEvent reports whether the step reacts to the given event type.
func (d StepDescriptor) HandlesEvent(eventType string) bool {
	for _, e := range d.Events {
		if e == eventType {
			return true
		}
	}
	return false
}

// CompensatorDescriptor defines the semantic inverse of a step.
type CompensatorDescriptor struct {
	ForStep     string
	Order       int // larger runs first
	MaxRetries  int // -1 = inherit the global default
	Strategy    Strategy
	Compensator Compensator
}

// TypeRef identifies one registered saga type.
type TypeRef struct {
	Name    string `json:"name"`
	Version int    `json:"version"`
}

// String returns "name/vN".
func (r TypeRef) String() string {
	return fmt.Sprintf("%s/v%d", r.Name, r.Version)
}

// Definition describes a saga type: its ordered steps, compensators, trigger
// events and timeout defaults.
type Definition struct {
	Name               string
	Version            int
	TriggerEvents      []string
	Steps              []StepDescriptor
	Compensators       []CompensatorDescriptor
	DefaultStepTimeout time.Duration
}

// Ref returns the type reference of the definition.
func (d *Definition) Ref() TypeRef {
	return TypeRef{Name: d.Name, Version: d.Version}
}

// Validate checks structural integrity: at least one step, unique step names,
// handlers present and compensator references resolving.
func (d *Definition) Validate() error {
	if d == nil {
		return fmt.Errorf("%w: definition cannot be nil", ErrInvalidDefinition)
	}
	if d.Name == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidDefinition)
	}
	if d.Version < 1 {
		return fmt.Errorf("%w: version must be >= 1", ErrInvalidDefinition)
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("%w: at least one step is required", ErrInvalidDefinition)
	}
	if d.DefaultStepTimeout < 0 {
		return fmt.Errorf("%w: default step timeout cannot be negative", ErrInvalidDefinition)
	}

	names := make(map[string]struct{}, len(d.Steps))
	for _, step := range d.Steps {
		if step.Name == "" {
			return fmt.Errorf("%w: step name cannot be empty", ErrInvalidDefinition)
		}
		if _, dup := names[step.Name]; dup {
			return fmt.Errorf("%w: duplicate step %q", ErrInvalidDefinition, step.Name)
		}
		names[step.Name] = struct{}{}
		if step.Handler == nil {
			return fmt.Errorf("%w: step %q missing handler", ErrInvalidDefinition, step.Name)
		}
		if step.Timeout < 0 {
			return fmt.Errorf("%w: step %q timeout cannot be negative", ErrInvalidDefinition, step.Name)
		}
	}

	for _, comp := range d.Compensators {
		if _, ok := names[comp.ForStep]; !ok {
			return fmt.Errorf("%w: compensator references unknown step %q", ErrInvalidDefinition, comp.ForStep)
		}
		if comp.Compensator == nil {
			return fmt.Errorf("%w: compensator for step %q missing function", ErrInvalidDefinition, comp.ForStep)
		}
		if comp.MaxRetries < -1 {
			return fmt.Errorf("%w: compensator for step %q has invalid max retries", ErrInvalidDefinition, comp.ForStep)
		}
	}

	return nil
}

// StepIndex returns the index of the named step, or -1.
func (d *Definition) StepIndex(name string) int {
	for i, step := range d.Steps {
		if step.Name == name {
			return i
		}
	}
	return -1
}

// StepAt returns the step at the given index, or nil when out of range.
func (d *Definition) StepAt(index int) *StepDescriptor {
	if index < 0 || index >= len(d.Steps) {
		return nil
	}
	return &d.Steps[index]
}

// CompensatorFor returns the compensator descriptor for a step, or nil.
func (d *Definition) CompensatorFor(stepName string) *CompensatorDescriptor {
	for i := range d.Compensators {
		if d.Compensators[i].ForStep == stepName {
			return &d.Compensators[i]
		}
	}
	return nil
}

// HandlesInState reports whether the step at stepIndex reacts to eventType.
func (d *Definition) HandlesInState(eventType string, stepIndex int) bool {
	step := d.StepAt(stepIndex)
	if step == nil {
		return false
	}
	return step.HandlesEvent(eventType)
}

// IsTrigger reports whether the event type starts a new instance.
func (d *Definition) IsTrigger(eventType string) bool {
	for _, t := range d.TriggerEvents {
		if t == eventType {
			return true
		}
	}
	return false
}

// CompensationPlan returns the compensators covering the first throughIndex
// steps, reverse-ordered: largest compensator Order first, ties broken by
// reverse step order. Steps without a compensator or with CanCompensate
// unset are excluded.
func (d *Definition) CompensationPlan(throughIndex int) []CompensatorDescriptor {
	if throughIndex > len(d.Steps) {
		throughIndex = len(d.Steps)
	}

	plan := make([]CompensatorDescriptor, 0, throughIndex)
	stepPos := make(map[string]int, throughIndex)
	for i := 0; i < throughIndex; i++ {
		step := d.Steps[i]
		if !step.CanCompensate {
			continue
		}
		comp := d.CompensatorFor(step.Name)
		if comp == nil {
			continue
		}
		plan = append(plan, *comp)
		stepPos[step.Name] = i
	}

	sort.SliceStable(plan, func(a, b int) bool {
		if plan[a].Order != plan[b].Order {
			return plan[a].Order > plan[b].Order
		}
		return stepPos[plan[a].ForStep] > stepPos[plan[b].ForStep]
	})
	return plan
}

func (d *Definition) clone() *Definition {
	steps := make([]StepDescriptor, len(d.Steps))
	copy(steps, d.Steps)
	for i := range steps {
		events := make([]string, len(steps[i].Events))
		copy(events, steps[i].Events)
		steps[i].Events = events
	}
	comps := make([]CompensatorDescriptor, len(d.Compensators))
	copy(comps, d.Compensators)
	triggers := make([]string, len(d.TriggerEvents))
	copy(triggers, d.TriggerEvents)

	return &Definition{
		Name:               d.Name,
		Version:            d.Version,
		TriggerEvents:      triggers,
		Steps:              steps,
		Compensators:       comps,
		DefaultStepTimeout: d.DefaultStepTimeout,
	}
}
