package providers

import (
	"context"
	"errors"
	"fmt"

	"github.com/sindri-dev/sindri/pkg/types"
)

// Options selects and configures the backend graph.
type Options struct {
	// Kind is the default backend: "ollama", "openai", or "anthropic".
	Kind string

	// BaseURL overrides the default backend's endpoint.
	BaseURL string

	// APIKey authenticates hosted backends.
	APIKey string

	// Routes sends specific models to other backend kinds, e.g.
	// "claude-sonnet-4-20250514" -> "anthropic".
	Routes map[string]string
}

// New builds the backend described by opts. With no routes the default
// backend is returned directly; otherwise a Router wraps it together
// with one backend per routed kind.
func New(opts Options) (Backend, error) {
	def, err := newBackend(opts.Kind, opts, true)
	if err != nil {
		return nil, err
	}
	if len(opts.Routes) == 0 {
		return def, nil
	}

	router := NewRouter(def, opts.Routes)
	for _, kind := range opts.Routes {
		if kind == def.Name() {
			continue
		}
		if router.has(kind) {
			continue
		}
		b, err := newBackend(kind, opts, false)
		if err != nil {
			return nil, err
		}
		router.Register(b)
	}
	return router, nil
}

// newBackend constructs one backend. The configured base URL applies
// only to the default kind; secondary backends use their own defaults.
func newBackend(kind string, opts Options, isDefault bool) (Backend, error) {
	baseURL := ""
	if isDefault {
		baseURL = opts.BaseURL
	}
	switch kind {
	case "", "ollama":
		return NewOllama(OllamaConfig{BaseURL: baseURL}), nil
	case "openai":
		return NewOpenAI(opts.APIKey, baseURL), nil
	case "anthropic":
		return NewAnthropic(opts.APIKey, baseURL), nil
	default:
		return nil, types.NewError(types.CategoryFatal, "providers.new", fmt.Sprintf("unknown backend kind %q", kind))
	}
}

// Router dispatches each model to the backend that owns it. Models
// without an explicit route go to the default backend, so a mixed
// fleet can keep local models on Ollama while specific names ride a
// hosted API.
type Router struct {
	fallback Backend
	backends map[string]Backend
	routes   map[string]string
}

var _ Backend = (*Router)(nil)

// NewRouter creates a router over the default backend. routes maps
// model name to backend name.
func NewRouter(fallback Backend, routes map[string]string) *Router {
	r := &Router{
		fallback: fallback,
		backends: map[string]Backend{},
		routes:   map[string]string{},
	}
	if fallback != nil {
		r.backends[fallback.Name()] = fallback
	}
	for model, kind := range routes {
		r.routes[model] = kind
	}
	return r
}

// Register adds a backend the routes table can refer to.
func (r *Router) Register(b Backend) {
	r.backends[b.Name()] = b
}

func (r *Router) has(kind string) bool {
	_, ok := r.backends[kind]
	return ok
}

// For resolves the backend serving model.
func (r *Router) For(model string) Backend {
	if kind, ok := r.routes[model]; ok {
		if b, ok := r.backends[kind]; ok {
			return b
		}
	}
	return r.fallback
}

// Name returns the backend name.
func (r *Router) Name() string {
	return "router"
}

// Chat dispatches to the backend owning req.Model.
func (r *Router) Chat(ctx context.Context, req *Request) (*Response, error) {
	return r.For(req.Model).Chat(ctx, req)
}

// ChatStream dispatches to the backend owning req.Model.
func (r *Router) ChatStream(ctx context.Context, req *Request, onToken TokenFunc) (*Response, error) {
	return r.For(req.Model).ChatStream(ctx, req, onToken)
}

// Load dispatches to the backend owning model.
func (r *Router) Load(ctx context.Context, model string) error {
	return r.For(model).Load(ctx, model)
}

// Unload dispatches to the backend owning model.
func (r *Router) Unload(ctx context.Context, model string) error {
	return r.For(model).Unload(ctx, model)
}

// ListModels unions the models of every registered backend. A backend
// that cannot be reached is skipped so one dead remote does not hide
// the local catalog; its error is returned only when nothing answered.
func (r *Router) ListModels(ctx context.Context) ([]string, error) {
	seen := map[string]struct{}{}
	var names []string
	var errs []error
	for _, b := range r.backends {
		models, err := b.ListModels(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, m := range models {
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			names = append(names, m)
		}
	}
	if len(names) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return names, nil
}
