package channel

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/puzpuzpuz/xsync/v3"
)

// ErrNotFound is returned when a channel name resolves to nothing
var ErrNotFound = errors.New("channel not found")

// Registry maps channel names to descriptors. It is populated once
// during process initialization and treated as read-only by the
// listener runtime; workers share a single registry instance.
type Registry struct {
	byName *xsync.MapOf[string, *Descriptor]
	bySafe *xsync.MapOf[string, *Descriptor]
	names  []string
	sealed bool
}

// NewRegistry creates an empty channel registry
func NewRegistry() *Registry {
	return &Registry{
		byName: xsync.NewMapOf[string, *Descriptor](),
		bySafe: xsync.NewMapOf[string, *Descriptor](),
	}
}

// Register adds a descriptor. Registration happens at init time, before
// any worker starts; registering after Seal is an error.
func (r *Registry) Register(d *Descriptor) error {
	if r.sealed {
		return fmt.Errorf("registry is sealed, cannot register %q", d.Name)
	}
	if err := d.Validate(); err != nil {
		return err
	}
	if _, dup := r.byName.Load(d.Name); dup {
		return fmt.Errorf("channel %q already registered", d.Name)
	}
	safe := ListenSafeName(d.Name)
	if _, dup := r.bySafe.Load(safe); dup {
		return fmt.Errorf("channel %q collides with an already registered name", d.Name)
	}
	r.byName.Store(d.Name, d)
	r.bySafe.Store(safe, d)
	r.names = append(r.names, d.Name)
	sort.Strings(r.names)
	return nil
}

// Seal marks the registry read-only. Called once all channels are
// registered, before workers start.
func (r *Registry) Seal() {
	r.sealed = true
}

// Resolve finds a descriptor by canonical name, listen-safe wire name,
// or the last segment of a dotted canonical name. Short-path resolution
// fails when the segment is ambiguous.
func (r *Registry) Resolve(name string) (*Descriptor, error) {
	if d, ok := r.byName.Load(name); ok {
		return d, nil
	}
	if d, ok := r.bySafe.Load(name); ok {
		return d, nil
	}

	var found *Descriptor
	for _, full := range r.names {
		if suffixSegment(full) != name {
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("channel name %q is ambiguous: %w", name, ErrNotFound)
		}
		d, _ := r.byName.Load(full)
		found = d
	}
	if found == nil {
		return nil, fmt.Errorf("channel %q: %w", name, ErrNotFound)
	}
	return found, nil
}

// Channels returns all registered canonical names, sorted
func (r *Registry) Channels() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// Durable returns the canonical names of all durable channels, sorted
func (r *Registry) Durable() []string {
	var out []string
	for _, name := range r.names {
		if d, ok := r.byName.Load(name); ok && d.Durable {
			out = append(out, name)
		}
	}
	return out
}

// Len returns the number of registered channels
func (r *Registry) Len() int {
	return len(r.names)
}

func suffixSegment(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[i+1:]
	}
	return name
}
