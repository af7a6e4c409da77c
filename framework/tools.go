package framework

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	// ErrNilWidget is returned when a descriptor factory produces no widget.
	ErrNilWidget = errors.New("factory returned nil widget")
	// ErrIdentifierMismatch is returned when a constructed widget reports an
	// identifier different from the descriptor it was built from.
	ErrIdentifierMismatch = errors.New("widget identifier does not match descriptor")
)

// Input is the decoded argument object of a tool call.
type Input map[string]interface{}

// Output is the structured content a widget hands back to the client.
type Output map[string]interface{}

// Widget is the capability every tool implementation satisfies. Anything with
// a stable identifier and an execution entry point qualifies; there is no base
// type to embed.
type Widget interface {
	Identifier() string
	Execute(ctx context.Context, input Input) (Output, error)
}

// WidgetFunc adapts a plain function into a Widget.
type WidgetFunc struct {
	ID string
	Fn func(ctx context.Context, input Input) (Output, error)
}

func (w WidgetFunc) Identifier() string { return w.ID }

func (w WidgetFunc) Execute(ctx context.Context, input Input) (Output, error) {
	if w.Fn == nil {
		return Output{}, nil
	}
	return w.Fn(ctx, input)
}

// CSP lists the origins a widget's HTML is allowed to reach. It is passed to
// clients untouched.
type CSP struct {
	ResourceDomains []string `json:"resource_domains" yaml:"resource_domains"`
	ConnectDomains  []string `json:"connect_domains" yaml:"connect_domains"`
}

// Descriptor is a tool definition as registered by a plugin unit, before it
// has been bound to a build artifact.
type Descriptor struct {
	Identifier  string
	Title       string
	Description string
	Invoking    string
	Invoked     string
	InputSchema map[string]interface{}
	CSP         CSP
	New         func(BuildResult) (Widget, error)
}

// Conforms reports whether the descriptor carries the identifier and factory
// a tool needs. Non-conforming descriptors are ignored by discovery.
func (d Descriptor) Conforms() bool {
	return strings.TrimSpace(d.Identifier) != "" && d.New != nil
}

// DisplayName returns the title, falling back to the identifier.
func (d Descriptor) DisplayName() string {
	if strings.TrimSpace(d.Title) != "" {
		return d.Title
	}
	return d.Identifier
}

// ToolInstance is a descriptor bound to exactly one build result. Instances
// are created once at startup and never mutated afterward.
type ToolInstance struct {
	Descriptor Descriptor
	Build      BuildResult
	Widget     Widget
}

// NewToolInstance runs the descriptor factory against build and validates the
// widget it returns.
func NewToolInstance(desc Descriptor, build BuildResult) (*ToolInstance, error) {
	if !desc.Conforms() {
		return nil, fmt.Errorf("descriptor %q is missing an identifier or factory", desc.Identifier)
	}
	widget, err := desc.New(build)
	if err != nil {
		return nil, fmt.Errorf("construct %s: %w", desc.Identifier, err)
	}
	if widget == nil {
		return nil, fmt.Errorf("construct %s: %w", desc.Identifier, ErrNilWidget)
	}
	if widget.Identifier() != desc.Identifier {
		return nil, fmt.Errorf("%w: descriptor %q, widget %q", ErrIdentifierMismatch, desc.Identifier, widget.Identifier())
	}
	return &ToolInstance{Descriptor: desc, Build: build, Widget: widget}, nil
}

// Name is the tool name exposed to protocol clients.
func (t *ToolInstance) Name() string { return t.Descriptor.Identifier }

// TemplateURI is the resource URI of the bound widget HTML. The hash is part
// of the URI so clients never serve a stale template.
func (t *ToolInstance) TemplateURI() string {
	return "ui://widget/" + t.Build.FileName()
}

// Execute invokes the widget. A nil output is normalized to an empty object.
func (t *ToolInstance) Execute(ctx context.Context, input Input) (Output, error) {
	if input == nil {
		input = Input{}
	}
	out, err := t.Widget.Execute(ctx, input)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = Output{}
	}
	return out, nil
}

// WidgetRegistry holds the live tool instances of a server. Lookups happen on
// every request so reads are guarded by an RWMutex; iteration order is the
// registration order.
type WidgetRegistry struct {
	mu        sync.RWMutex
	tools     map[string]*ToolInstance
	templates map[string]*ToolInstance
	order     []string
}

// NewWidgetRegistry builds an empty registry.
func NewWidgetRegistry() *WidgetRegistry {
	return &WidgetRegistry{
		tools:     make(map[string]*ToolInstance),
		templates: make(map[string]*ToolInstance),
	}
}

// Register adds a tool instance to the registry.
func (r *WidgetRegistry) Register(tool *ToolInstance) error {
	if tool == nil {
		return errors.New("nil tool instance")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name()]; exists {
		return fmt.Errorf("tool %s already registered", tool.Name())
	}
	r.tools[tool.Name()] = tool
	r.templates[tool.TemplateURI()] = tool
	r.order = append(r.order, tool.Name())
	return nil
}

// Get fetches a tool by name.
func (r *WidgetRegistry) Get(name string) (*ToolInstance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// GetByTemplate fetches a tool by the URI of its widget resource.
func (r *WidgetRegistry) GetByTemplate(uri string) (*ToolInstance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.templates[uri]
	return tool, ok
}

// All returns all registered tools in registration order.
func (r *WidgetRegistry) All() []*ToolInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := make([]*ToolInstance, 0, len(r.order))
	for _, name := range r.order {
		res = append(res, r.tools[name])
	}
	return res
}

// Len reports the number of registered tools.
func (r *WidgetRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
