// Package inspect provides read-only views over running and finished sagas
// for operators: state, history, the currently active step, status-filtered
// listings and a mermaid diagram export of a definition.
package inspect

import (
	"context"
	"fmt"
	"strings"

	"github.com/sagaweave/sagaweave/pkg/correlation"
	"github.com/sagaweave/sagaweave/pkg/saga"
	"github.com/sagaweave/sagaweave/pkg/store"
)

// Inspector answers read queries against the state store and the correlation
// index. It never mutates state.
type Inspector struct {
	store    store.StateStore
	index    correlation.Index
	registry *saga.Registry
}

// New creates an inspector. The index may be nil, in which case List reports
// an error and the per-saga queries still work.
func New(st store.StateStore, index correlation.Index, registry *saga.Registry) *Inspector {
	return &Inspector{store: st, index: index, registry: registry}
}

// GetState returns a copy of the current state of a saga.
func (i *Inspector) GetState(ctx context.Context, sagaID string) (*saga.State, error) {
	return i.store.Load(ctx, sagaID)
}

// GetHistory returns the step execution history of a saga, forward steps and
// compensations in execution order.
func (i *Inspector) GetHistory(ctx context.Context, sagaID string) ([]saga.StepExecutionRecord, error) {
	st, err := i.store.Load(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	return st.StepHistory, nil
}

// GetActiveStep returns the name of the step a running saga is waiting on.
// The result is empty when the saga is not running or has no open record.
func (i *Inspector) GetActiveStep(ctx context.Context, sagaID string) (string, error) {
	st, err := i.store.Load(ctx, sagaID)
	if err != nil {
		return "", err
	}
	return st.ActiveStep(), nil
}

// List returns indexed sagas matching the filter, ordered by start time.
func (i *Inspector) List(filter correlation.ListFilter) ([]correlation.Entry, error) {
	if i.index == nil {
		return nil, fmt.Errorf("inspect: no correlation index configured")
	}
	return i.index.List(filter)
}

// Diagram renders the registered definition as a mermaid state diagram.
func (i *Inspector) Diagram(ref saga.TypeRef) (string, error) {
	def, err := i.registry.Get(ref)
	if err != nil {
		return "", err
	}
	return ExportDiagram(def), nil
}

var stateNameSanitizer = strings.NewReplacer(" ", "_", ".", "_")

// ExportDiagram renders a definition as a mermaid stateDiagram-v2: the
// forward step chain, a failure edge from every compensable step into the
// compensation states and the terminal states. Step names are sanitized so
// spaces and dots do not break the mermaid identifiers.
func ExportDiagram(def *saga.Definition) string {
	var b strings.Builder
	b.WriteString("stateDiagram-v2\n")

	if len(def.Steps) == 0 {
		b.WriteString("    [*] --> Completed\n")
		b.WriteString("    Completed --> [*]\n")
		return b.String()
	}

	names := make([]string, len(def.Steps))
	for i, step := range def.Steps {
		names[i] = stateNameSanitizer.Replace(step.Name)
	}

	fmt.Fprintf(&b, "    [*] --> %s\n", names[0])
	for i := 0; i < len(names)-1; i++ {
		fmt.Fprintf(&b, "    %s --> %s\n", names[i], names[i+1])
	}
	fmt.Fprintf(&b, "    %s --> Completed\n", names[len(names)-1])

	compensable := false
	for i, step := range def.Steps {
		if !step.CanCompensate || def.CompensatorFor(step.Name) == nil {
			continue
		}
		compensable = true
		fmt.Fprintf(&b, "    %s --> Compensating: failure\n", names[i])
	}
	if compensable {
		b.WriteString("    Compensating --> CompensatedSuccessfully\n")
		b.WriteString("    Compensating --> CompensationFailed\n")
		b.WriteString("    CompensatedSuccessfully --> [*]\n")
		b.WriteString("    CompensationFailed --> [*]\n")
	}
	b.WriteString("    Completed --> [*]\n")

	return b.String()
}
