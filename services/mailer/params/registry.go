package params

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"mercury-mailer/services/mailer/models"
)

var (
	// ErrDuplicateParameter is returned when registering a name that already exists
	ErrDuplicateParameter = errors.New("parameter already exists")
	// ErrUnknownParameter is returned when removing a name that was never registered
	ErrUnknownParameter = errors.New("unknown parameter")
	// ErrProtectedParameter is returned when removing a default parameter
	ErrProtectedParameter = errors.New("default parameter cannot be removed")
	// ErrInvalidIdentifier is returned for malformed parameter names
	ErrInvalidIdentifier = errors.New("invalid parameter identifier")
)

// defaultDefinitions are always present and cannot be removed. Every
// recipient needs at least an address and a display name.
func defaultDefinitions() []models.ParameterDefinition {
	return []models.ParameterDefinition{
		{Name: "email", Label: "Email address", Required: true, Source: models.SourceDefault},
		{Name: "name", Label: "Recipient name", Required: true, Source: models.SourceDefault},
	}
}

// Registry holds the known placeholder names: the default set plus
// user-registered custom parameters, in registration order.
type Registry struct {
	mu       sync.RWMutex
	defaults []models.ParameterDefinition
	custom   []models.ParameterDefinition
}

// NewRegistry creates a registry seeded with the default parameters
func NewRegistry() *Registry {
	return &Registry{
		defaults: defaultDefinitions(),
	}
}

// Register adds a custom parameter. Names are normalized to lower case and
// must be unique across the default and custom sets.
func (r *Registry) Register(name, label string, required bool) error {
	normalized, err := normalizeIdentifier(name)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.find(normalized) != nil {
		return fmt.Errorf("%w: %s", ErrDuplicateParameter, normalized)
	}

	if label == "" {
		label = normalized
	}

	r.custom = append(r.custom, models.ParameterDefinition{
		Name:     normalized,
		Label:    label,
		Required: required,
		Source:   models.SourceCustom,
	})
	return nil
}

// Remove deletes a custom parameter by name
func (r *Registry) Remove(name string) error {
	normalized := strings.ToLower(strings.TrimSpace(name))

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, def := range r.defaults {
		if def.Name == normalized {
			return fmt.Errorf("%w: %s", ErrProtectedParameter, normalized)
		}
	}

	for i, def := range r.custom {
		if def.Name == normalized {
			r.custom = append(r.custom[:i], r.custom[i+1:]...)
			return nil
		}
	}

	return fmt.Errorf("%w: %s", ErrUnknownParameter, normalized)
}

// Validate returns the names of required parameters that have no value in
// the given map, in registry order. An empty result means the values are
// complete.
func (r *Registry) Validate(values map[string]string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var missing []string
	for _, def := range r.all() {
		if !def.Required {
			continue
		}
		if values[def.Name] == "" {
			missing = append(missing, def.Name)
		}
	}
	return missing
}

// All returns every definition: defaults first, then custom parameters in
// registration order.
func (r *Registry) All() []models.ParameterDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.all()
}

// Names returns the set of registered parameter names
func (r *Registry) Names() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make(map[string]bool)
	for _, def := range r.all() {
		names[def.Name] = true
	}
	return names
}

// Reset drops all custom parameters, keeping the defaults
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.custom = nil
}

func (r *Registry) all() []models.ParameterDefinition {
	out := make([]models.ParameterDefinition, 0, len(r.defaults)+len(r.custom))
	out = append(out, r.defaults...)
	out = append(out, r.custom...)
	return out
}

func (r *Registry) find(name string) *models.ParameterDefinition {
	for i := range r.defaults {
		if r.defaults[i].Name == name {
			return &r.defaults[i]
		}
	}
	for i := range r.custom {
		if r.custom[i].Name == name {
			return &r.custom[i]
		}
	}
	return nil
}

// normalizeIdentifier lowercases and validates a parameter name: non-empty,
// letters, digits and underscores only.
func normalizeIdentifier(name string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "", fmt.Errorf("%w: empty name", ErrInvalidIdentifier)
	}
	for _, ch := range normalized {
		if ch >= 'a' && ch <= 'z' || ch >= '0' && ch <= '9' || ch == '_' {
			continue
		}
		return "", fmt.Errorf("%w: %q may only contain letters, digits and underscores", ErrInvalidIdentifier, name)
	}
	return normalized, nil
}
