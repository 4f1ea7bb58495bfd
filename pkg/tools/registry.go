package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
)

// Descriptor describes a remotely invokable tool discovered from a provider.
type Descriptor struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// Provider exposes a set of tools over some transport. Implementations are
// expected to return a *Rejection when the remote side executed the call and
// reported failure; any other error is treated as a transport problem.
type Provider interface {
	// Name identifies the provider in logs and errors.
	Name() string

	// ListTools fetches the provider's tool descriptors.
	ListTools(ctx context.Context) ([]Descriptor, error)

	// CallTool invokes a tool and returns its text payload.
	CallTool(ctx context.Context, name string, args map[string]interface{}) (string, error)
}

// IdentityField is the argument key the dispatcher injects the caller
// identity under. Tool servers expect it on every call.
const IdentityField = "user_id"

type binding struct {
	descriptor Descriptor
	provider   Provider
	schema     *gojsonschema.Schema
}

// Registry holds the tools discovered for one agent run and dispatches
// invocations to their owning providers. It is rebuilt per run and not safe
// for concurrent mutation; Invoke is read-only after Discover.
type Registry struct {
	order    []string
	bindings map[string]*binding
	logger   zerolog.Logger
}

// Discover lists tools from each provider in order and aggregates them. When
// two providers expose the same tool name, the first-discovered descriptor
// wins and the duplicate is dropped with a warning. A provider whose listing
// fails is skipped the same way so one dead provider does not sink the run.
func Discover(ctx context.Context, providers []Provider, logger zerolog.Logger) *Registry {
	r := &Registry{
		bindings: make(map[string]*binding),
		logger:   logger,
	}

	for _, p := range providers {
		descriptors, err := p.ListTools(ctx)
		if err != nil {
			logger.Warn().
				Str("provider", p.Name()).
				Err(err).
				Msg("Tool discovery failed for provider, skipping")
			continue
		}

		for _, d := range descriptors {
			if d.Name == "" {
				continue
			}
			if _, exists := r.bindings[d.Name]; exists {
				logger.Warn().
					Str("tool", d.Name).
					Str("provider", p.Name()).
					Msg("Duplicate tool name, keeping first-discovered descriptor")
				continue
			}

			b := &binding{descriptor: d, provider: p}
			if len(d.InputSchema) > 0 {
				schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(d.InputSchema))
				if err != nil {
					logger.Warn().
						Str("tool", d.Name).
						Err(err).
						Msg("Tool schema does not compile, skipping validation for it")
				} else {
					b.schema = schema
				}
			}

			r.order = append(r.order, d.Name)
			r.bindings[d.Name] = b
		}

		logger.Info().
			Str("provider", p.Name()).
			Int("tools", len(descriptors)).
			Msg("Discovered provider tools")
	}

	return r
}

// Descriptors returns the discovered descriptors in discovery order.
func (r *Registry) Descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.bindings[name].descriptor)
	}
	return out
}

// Names returns the discovered tool names in discovery order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Has reports whether a tool with the given name was discovered.
func (r *Registry) Has(name string) bool {
	_, ok := r.bindings[name]
	return ok
}

// Len returns the number of discovered tools.
func (r *Registry) Len() int {
	return len(r.order)
}

// Invoke routes a tool invocation to its owning provider. The caller identity
// is merged into a copy of the arguments before the call. All failure modes
// come back as typed errors, never panics:
//
//	ErrNotFound             - no provider exposes the tool
//	*InvalidArgumentsError  - arguments fail the tool's schema
//	*RejectedError          - provider executed the call and reported failure
//	*UnreachableError       - transport failure reaching the provider
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]interface{}, identity string) (string, error) {
	b, ok := r.bindings[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	merged := make(map[string]interface{}, len(args)+1)
	for k, v := range args {
		merged[k] = v
	}
	merged[IdentityField] = identity

	if b.schema != nil {
		if err := r.validate(b, name, args); err != nil {
			return "", err
		}
	}

	result, err := b.provider.CallTool(ctx, name, merged)
	if err != nil {
		var rejection *Rejection
		if errors.As(err, &rejection) {
			return "", &RejectedError{Tool: name, Detail: rejection.Detail}
		}
		return "", &UnreachableError{Provider: b.provider.Name(), Err: err}
	}

	return result, nil
}

// validate checks the pre-injection arguments against the tool schema. The
// identity field is validated separately by the server side, which excludes
// it from the advertised schema.
func (r *Registry) validate(b *binding, name string, args map[string]interface{}) error {
	if args == nil {
		args = map[string]interface{}{}
	}

	result, err := b.schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return &InvalidArgumentsError{Tool: name, Detail: err.Error()}
	}

	if !result.Valid() {
		detail := ""
		for i, desc := range result.Errors() {
			if i > 0 {
				detail += "; "
			}
			detail += desc.String()
		}
		return &InvalidArgumentsError{Tool: name, Detail: detail}
	}

	return nil
}
