package saga

import (
	"fmt"
	"sort"
	"sync"
)

// Upcaster migrates a stored payload from one definition version to the
// next. Migrations run lazily when an instance of an older version is loaded.
type Upcaster func(payload []byte) ([]byte, error)

type migrationKey struct {
	name string
	from int
	to   int
}

// Registry holds registered saga definitions. It is write-once at startup
// and lock-free on the hot read path thereafter; the mutex only guards
// registration.
type Registry struct {
	mu         sync.RWMutex
	defs       map[TypeRef]*Definition
	triggers   map[string][]TypeRef
	migrations map[migrationKey]Upcaster
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		defs:       make(map[TypeRef]*Definition),
		triggers:   make(map[string][]TypeRef),
		migrations: make(map[migrationKey]Upcaster),
	}
}

// Register adds a definition. Registration is fatal-at-startup territory:
// duplicates and unresolvable compensator references are rejected.
func (r *Registry) Register(def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ref := def.Ref()
	if _, exists := r.defs[ref]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateDefinition, ref)
	}

	stored := def.clone()
	r.defs[ref] = stored
	for _, trigger := range stored.TriggerEvents {
		r.triggers[trigger] = append(r.triggers[trigger], ref)
	}
	return nil
}

// RegisterMigration adds an upcaster for stored payloads moving between two
// adjacent versions of a saga type.
func (r *Registry) RegisterMigration(name string, fromVersion, toVersion int, up Upcaster) error {
	if name == "" || up == nil {
		return fmt.Errorf("%w: migration requires name and upcaster", ErrInvalidArgument)
	}
	if toVersion != fromVersion+1 {
		return fmt.Errorf("%w: migrations must step one version at a time", ErrInvalidArgument)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	key := migrationKey{name: name, from: fromVersion, to: toVersion}
	if _, exists := r.migrations[key]; exists {
		return fmt.Errorf("%w: migration %s v%d->v%d", ErrDuplicateDefinition, name, fromVersion, toVersion)
	}
	r.migrations[key] = up
	return nil
}

// Get returns the definition for a type reference.
func (r *Registry) Get(ref TypeRef) (*Definition, error) {
	r.mu.RLock()
	def, ok := r.defs[ref]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDefinitionNotFound, ref)
	}
	return def, nil
}

// Latest returns the highest registered version of a saga type.
func (r *Registry) Latest(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *Definition
	for ref, def := range r.defs {
		if ref.Name != name {
			continue
		}
		if best == nil || def.Version > best.Version {
			best = def
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: %s", ErrDefinitionNotFound, name)
	}
	return best, nil
}

// ResolveByTriggerEvent returns the saga types started by an event type.
// Zero results means the event is not a trigger.
func (r *Registry) ResolveByTriggerEvent(eventType string) []TypeRef {
	r.mu.RLock()
	refs := r.triggers[eventType]
	r.mu.RUnlock()

	out := make([]TypeRef, len(refs))
	copy(out, refs)
	return out
}

// EventTypes returns the union of trigger and step event types across all
// registered definitions, sorted. Transport subscriptions are built from it.
func (r *Registry) EventTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, def := range r.defs {
		for _, trigger := range def.TriggerEvents {
			seen[trigger] = struct{}{}
		}
		for _, step := range def.Steps {
			for _, eventType := range step.Events {
				seen[eventType] = struct{}{}
			}
		}
	}

	out := make([]string, 0, len(seen))
	for eventType := range seen {
		out = append(out, eventType)
	}
	sort.Strings(out)
	return out
}

// GetStepPlan returns the ordered step descriptors for a saga type.
func (r *Registry) GetStepPlan(ref TypeRef) ([]StepDescriptor, error) {
	def, err := r.Get(ref)
	if err != nil {
		return nil, err
	}
	plan := make([]StepDescriptor, len(def.Steps))
	copy(plan, def.Steps)
	return plan, nil
}

// GetCompensationPlan returns compensators for the first throughIndex steps
// in reverse execution order.
func (r *Registry) GetCompensationPlan(ref TypeRef, throughIndex int) ([]CompensatorDescriptor, error) {
	def, err := r.Get(ref)
	if err != nil {
		return nil, err
	}
	return def.CompensationPlan(throughIndex), nil
}

// MigratePayload upgrades a stored payload from its recorded version to the
// target version, chaining upcasters one version at a time.
func (r *Registry) MigratePayload(name string, fromVersion, toVersion int, payload []byte) ([]byte, error) {
	if fromVersion == toVersion {
		return payload, nil
	}
	if fromVersion > toVersion {
		return nil, fmt.Errorf("%w: cannot downgrade %s v%d->v%d", ErrInvalidArgument, name, fromVersion, toVersion)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	current := payload
	for v := fromVersion; v < toVersion; v++ {
		up, ok := r.migrations[migrationKey{name: name, from: v, to: v + 1}]
		if !ok {
			return nil, fmt.Errorf("%w: no migration for %s v%d->v%d", ErrDefinitionNotFound, name, v, v+1)
		}
		next, err := up(current)
		if err != nil {
			return nil, fmt.Errorf("saga: migrate %s v%d->v%d: %w", name, v, v+1, err)
		}
		current = next
	}
	return current, nil
}
