package dispatch

import (
	"fmt"
	"sync"

	"github.com/gobwas/glob"
)

// Filter is the deployment-configurable predicate over the payload's
// context (or extras) object. Applied identically on live and replay
// paths; absent means accept.
type Filter interface {
	Accept(subject map[string]any) bool
}

// FilterConfig carries the settings a filter factory may consume
type FilterConfig struct {
	// Key selects the context entry the filter inspects
	Key string
	// Pattern is a glob matched against the entry's string form
	Pattern string
}

// FilterFactory builds a filter from configuration
type FilterFactory func(FilterConfig) (Filter, error)

var (
	filterFactories = make(map[string]FilterFactory)
	filterMu        sync.RWMutex
)

// RegisterFilter registers a filter factory under a name. Deployments
// select it via the listener filter setting.
func RegisterFilter(name string, factory FilterFactory) {
	filterMu.Lock()
	defer filterMu.Unlock()
	filterFactories[name] = factory
}

// NewFilter builds the named filter. An empty name yields AcceptAll.
func NewFilter(name string, config FilterConfig) (Filter, error) {
	if name == "" {
		return AcceptAll{}, nil
	}
	filterMu.RLock()
	factory, ok := filterFactories[name]
	filterMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown listener filter: %s", name)
	}
	return factory(config)
}

// AcceptAll is the default filter
type AcceptAll struct{}

func (AcceptAll) Accept(map[string]any) bool { return true }

// ContextGlobFilter accepts envelopes whose context entry under Key
// matches a glob pattern. A missing key rejects; a missing subject
// (payload without context/extras) rejects as well, so tenant gating
// stays closed by default.
type ContextGlobFilter struct {
	key     string
	pattern glob.Glob
}

// NewContextGlobFilter compiles the pattern
func NewContextGlobFilter(config FilterConfig) (Filter, error) {
	if config.Key == "" {
		return nil, fmt.Errorf("context filter requires a key")
	}
	g, err := glob.Compile(config.Pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid filter pattern %q: %w", config.Pattern, err)
	}
	return &ContextGlobFilter{key: config.Key, pattern: g}, nil
}

func (f *ContextGlobFilter) Accept(subject map[string]any) bool {
	if subject == nil {
		return false
	}
	v, ok := subject[f.key]
	if !ok {
		return false
	}
	return f.pattern.Match(fmt.Sprintf("%v", v))
}

func init() {
	RegisterFilter("accept-all", func(FilterConfig) (Filter, error) { return AcceptAll{}, nil })
	RegisterFilter("context-glob", NewContextGlobFilter)
}
