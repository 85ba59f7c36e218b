package saga

import (
	"fmt"
	"time"
)

// Builder incrementally constructs a Definition.
//
//	def, err := saga.NewDefinition("OrderSaga", 1).
//		Trigger("OrderPlaced").
//		Step("Reserve").Handles("InventoryReserved").Handler(reserve).
//		Compensator(release).CompensationOrder(1).
//		Step("Charge").Handles("PaymentCharged", "PaymentFailed").Handler(charge).
//		Timeout(30 * time.Second).
//		Build()
type Builder struct {
	def  *Definition
	errs []error
}

// StepBuilder configures the most recently added step. It embeds the parent
// builder so chains can continue with Step or Build.
type StepBuilder struct {
	*Builder
	step *StepDescriptor
	comp *CompensatorDescriptor
}

// NewDefinition creates a definition builder for (name, version).
func NewDefinition(name string, version int) *Builder {
	return &Builder{
		def: &Definition{
			Name:    name,
			Version: version,
		},
	}
}

// Trigger declares event types that start a new instance of this saga.
func (b *Builder) Trigger(eventTypes ...string) *Builder {
	b.def.TriggerEvents = append(b.def.TriggerEvents, eventTypes...)
	return b
}

// DefaultStepTimeout sets the timeout inherited by steps without one.
func (b *Builder) DefaultStepTimeout(d time.Duration) *Builder {
	b.def.DefaultStepTimeout = d
	return b
}

// Step appends a step. Order defaults to the position in the chain.
func (b *Builder) Step(name string) *StepBuilder {
	step := StepDescriptor{
		Name:  name,
		Order: len(b.def.Steps),
	}
	b.def.Steps = append(b.def.Steps, step)
	return &StepBuilder{Builder: b, step: &b.def.Steps[len(b.def.Steps)-1]}
}

// Build validates and returns an immutable copy of the definition.
func (b *Builder) Build() (*Definition, error) {
	if len(b.errs) > 0 {
		return nil, b.errs[0]
	}
	if err := b.def.Validate(); err != nil {
		return nil, err
	}
	return b.def.clone(), nil
}

// Handler sets the forward handler for the step.
func (sb *StepBuilder) Handler(h Handler) *StepBuilder {
	sb.step.Handler = h
	return sb
}

// Handles declares the event types the step reacts to while current.
func (sb *StepBuilder) Handles(eventTypes ...string) *StepBuilder {
	sb.step.Events = append(sb.step.Events, eventTypes...)
	return sb
}

// Timeout overrides the per-step timeout.
func (sb *StepBuilder) Timeout(d time.Duration) *StepBuilder {
	sb.step.Timeout = d
	return sb
}

// Order overrides the stable step order key.
func (sb *StepBuilder) Order(order int) *StepBuilder {
	sb.step.Order = order
	return sb
}

// Compensator attaches a compensator to the step and marks it compensatable.
func (sb *StepBuilder) Compensator(fn Compensator) *StepBuilder {
	if fn == nil {
		sb.errs = append(sb.errs, fmt.Errorf("%w: step %q: nil compensator", ErrInvalidDefinition, sb.step.Name))
		return sb
	}
	sb.step.CanCompensate = true
	sb.def.Compensators = append(sb.def.Compensators, CompensatorDescriptor{
		ForStep:     sb.step.Name,
		Order:       sb.step.Order,
		MaxRetries:  -1,
		Strategy:    StrategyDefault,
		Compensator: fn,
	})
	sb.comp = &sb.def.Compensators[len(sb.def.Compensators)-1]
	return sb
}

// CompensationOrder sets the reverse execution priority; larger runs first.
func (sb *StepBuilder) CompensationOrder(order int) *StepBuilder {
	if sb.comp == nil {
		sb.errs = append(sb.errs, fmt.Errorf("%w: step %q: compensation order before Compensator", ErrInvalidDefinition, sb.step.Name))
		return sb
	}
	sb.comp.Order = order
	return sb
}

// CompensationRetries caps retries for the compensator; -1 inherits the
// global default.
func (sb *StepBuilder) CompensationRetries(max int) *StepBuilder {
	if sb.comp == nil {
		sb.errs = append(sb.errs, fmt.Errorf("%w: step %q: compensation retries before Compensator", ErrInvalidDefinition, sb.step.Name))
		return sb
	}
	sb.comp.MaxRetries = max
	return sb
}

// CompensationStrategy sets the failure handling strategy for the compensator.
func (sb *StepBuilder) CompensationStrategy(strategy Strategy) *StepBuilder {
	if sb.comp == nil {
		sb.errs = append(sb.errs, fmt.Errorf("%w: step %q: compensation strategy before Compensator", ErrInvalidDefinition, sb.step.Name))
		return sb
	}
	sb.comp.Strategy = strategy
	return sb
}
