package actions

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rendis/budpipeline/internal/validation"
	"github.com/rendis/budpipeline/pkg/schema"
)

// Registry maps action types to executors. It is constructed explicitly
// and passed to the engine; there is no package-level registry.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
	schemas *validation.JSONSchemaValidator
}

// NewRegistry creates an empty Registry. schemas validates parameters
// against each action's JSON Schema and may be nil.
func NewRegistry(schemas *validation.JSONSchemaValidator) *Registry {
	return &Registry{
		actions: make(map[string]Action),
		schemas: schemas,
	}
}

// Register adds an action to the registry. Returns error on duplicate name.
func (r *Registry) Register(action Action) error {
	if action == nil {
		return schema.NewError(schema.ErrCodeValidation, "action is nil")
	}
	name := action.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "action name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.actions[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "action %q already registered", name)
	}

	r.actions[name] = action
	return nil
}

// Get retrieves an action by type.
func (r *Registry) Get(name string) (Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	action, ok := r.actions[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeActionNotFound, "action type '%s' is not registered", name).
			WithDetails(map[string]any{"action": name})
	}
	return action, nil
}

// Has checks if an action is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.actions[name]
	return ok
}

// Count returns the number of registered actions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.actions)
}

// List returns info for all registered actions, sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.actions))
	for _, a := range r.actions {
		s := a.Schema()
		infos = append(infos, Info{
			Name:        a.Name(),
			Description: s.Description,
			Mode:        s.Mode,
			Params:      s.Params,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// RawParams returns the parameter keys the action resolves itself.
func (r *Registry) RawParams(name string) []string {
	a, err := r.Get(name)
	if err != nil {
		return nil
	}
	return a.Schema().RawParams
}

// ParamsSchema returns the action's parameter JSON Schema.
func (r *Registry) ParamsSchema(name string) []byte {
	a, err := r.Get(name)
	if err != nil {
		return nil
	}
	return a.Schema().Params
}

// ValidateParams checks params against the action's JSON Schema and its
// own static rules, returning every problem found.
func (r *Registry) ValidateParams(name string, params map[string]any) ([]string, error) {
	a, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	if params == nil {
		params = map[string]any{}
	}
	var problems []string
	if r.schemas != nil {
		problems = append(problems, r.schemas.ValidateInput(params, a.Schema().Params)...)
	}
	problems = append(problems, a.ValidateParams(params)...)
	return problems, nil
}

// Validate is ValidateParams folded into a single ActionValidationError.
func (r *Registry) Validate(name string, params map[string]any) error {
	problems, err := r.ValidateParams(name, params)
	if err != nil {
		return err
	}
	if len(problems) == 0 {
		return nil
	}
	msg := problems[0]
	if len(problems) > 1 {
		msg = fmt.Sprintf("%d parameter errors: %s", len(problems), problems[0])
	}
	return schema.NewErrorf(schema.ErrCodeActionValidation, "invalid params for '%s': %s", name, msg).
		WithDetails(map[string]any{"errors": problems, "action": name})
}
