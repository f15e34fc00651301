package plugin

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/roach88/tokenline/internal/ir"
)

// Factory builds a plugin from a node's config.
type Factory func(config ir.IRObject) (Plugin, error)

// Registry maps plugin names to factories.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory. Registering a name twice panics.
func (r *Registry) Register(name string, f Factory) {
	if _, exists := r.factories[name]; exists {
		panic(fmt.Sprintf("plugin %q already registered", name))
	}
	slog.Debug("registering plugin", "name", name)
	r.factories[name] = f
}

// Names returns registered plugin names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New instantiates the plugin a node names and checks it implements the
// capability for the node's kind.
func (r *Registry) New(spec ir.NodeSpec) (Plugin, error) {
	f, ok := r.factories[spec.Plugin]
	if !ok {
		return nil, ir.NewStructuralError(spec.ID, fmt.Sprintf("unknown plugin %q", spec.Plugin))
	}
	p, err := f(spec.Config)
	if err != nil {
		return nil, &ir.Error{
			Code:    ir.ErrCodeStructural,
			Message: fmt.Sprintf("configure plugin %q", spec.Plugin),
			NodeID:  spec.ID,
			Err:     err,
		}
	}
	if !Supports(spec.Kind, p) {
		return nil, ir.NewStructuralError(spec.ID,
			fmt.Sprintf("plugin %q does not implement the %s capability", spec.Plugin, spec.Kind))
	}
	return p, nil
}

// Supports reports whether p implements the capability for kind.
// Coalesce nodes are handled by the engine and take no plugin.
func Supports(kind ir.NodeKind, p Plugin) bool {
	switch kind {
	case ir.KindSource:
		_, ok := p.(Source)
		return ok
	case ir.KindTransform:
		_, ok := p.(Transform)
		return ok
	case ir.KindGate:
		_, ok := p.(Gate)
		return ok
	case ir.KindAggregation:
		_, ok := p.(Aggregation)
		return ok
	case ir.KindSink:
		_, ok := p.(Sink)
		return ok
	default:
		return false
	}
}
