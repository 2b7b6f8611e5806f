// Package contrib is the SynthesiserClient provider registry: each
// backend (local, openai, anthropic, gemini) registers itself via
// init(), and the L2 synthesiser looks its configured provider up by
// name at startup. Adding a new provider means adding a new file to
// this package, never touching the distiller.
//
// Grounded on the teacher's contrib/scorer.go plugin-registration
// pattern (named detectors self-registering into a map read by the
// escalation engine), re-homed from anomaly scorers onto LLM synthesis
// backends.
package contrib

import (
	"context"
	"fmt"
	"sort"
)

// SynthesisRequest is one call to a provider: rewrite the durable
// memory document from a set of source chunks under a fixed system
// prompt and output token budget.
type SynthesisRequest struct {
	SystemPrompt   string
	SourceChunks   []string
	MaxOutputTokens int
}

// SynthesisResponse is the provider's rewritten durable memory document.
type SynthesisResponse struct {
	Document string
}

// Client is the interface every provider implements.
type Client interface {
	Synthesise(ctx context.Context, req SynthesisRequest) (SynthesisResponse, error)
}

// Factory constructs a Client from a provider-specific config map
// (already resolved from the configuration record's `l2.synthesiser_options`).
type Factory func(options map[string]string) (Client, error)

var registry = make(map[string]Factory)

// Register adds a named provider factory. Called from each provider
// file's init(). Registering the same name twice panics: that is a
// programming error caught at process start, not a runtime condition.
func Register(name string, factory Factory) {
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("contrib: provider %q already registered", name))
	}
	registry[name] = factory
}

// Build looks up a registered provider by name and constructs a Client.
func Build(name string, options map[string]string) (Client, error) {
	factory, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("contrib: unknown synthesiser provider %q (registered: %v)", name, Names())
	}
	return factory(options)
}

// Names returns the sorted list of registered provider names, for
// diagnostics and config validation error messages.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
