package handle

import (
	"errors"
	"sort"
	"sync"
)

var (
	// ErrNullHandle is returned when the null handle is registered.
	ErrNullHandle = errors.New("null handle")
	// ErrConflict is returned when a live handle is registered again as a
	// different object (other type or other parent).
	ErrConflict = errors.New("handle already registered as a different object")
	// ErrParentNotLive is returned when an edge is requested from a parent
	// that is unknown or invalidated.
	ErrParentNotLive = errors.New("parent handle is not live")
	// ErrNotLive is returned when an edge is requested to an unknown or
	// invalidated child.
	ErrNotLive = errors.New("handle is not live")
	// ErrCycle is returned when an edge would close an ownership cycle.
	ErrCycle = errors.New("ownership edge would create a cycle")
)

type entry struct {
	typ       Type
	live      bool
	root      bool
	parent    Handle
	hasParent bool
}

func (e *entry) info(h Handle) Info {
	return Info{
		Handle:    h,
		Type:      e.typ,
		Live:      e.live,
		Root:      e.root,
		Parent:    e.parent,
		HasParent: e.hasParent,
	}
}

// Registry is the store of known handles and their liveness. Invalidated
// handles are kept as dead entries until they are registered again or the
// registry is reset.
type Registry struct {
	mu      sync.RWMutex
	entries map[Handle]*entry
	live    int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[Handle]*entry),
	}
}

// Register adds h in the live state without an owner.
func (r *Registry) Register(h Handle, typ Type) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.register(h, typ, Null, false, false)
	return err
}

// RegisterRoot adds h as a top-level handle. Roots are never invalidated by
// a subtree cascade that starts at them.
func (r *Registry) RegisterRoot(h Handle, typ Type) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.register(h, typ, Null, false, true)
	return err
}

// register reports whether the entry was newly created or revived.
func (r *Registry) register(h Handle, typ Type, parent Handle, hasParent, root bool) (bool, error) {
	if h == Null {
		return false, ErrNullHandle
	}
	e, ok := r.entries[h]
	if ok && e.live {
		if !sameType(e.typ, typ) || e.root != root {
			return false, ErrConflict
		}
		if hasParent && e.hasParent && e.parent != parent {
			return false, ErrConflict
		}
		if e.typ == TypeUnknown {
			e.typ = typ
		}
		if hasParent && !e.hasParent {
			e.parent, e.hasParent = parent, true
		}
		return false, nil
	}
	if !ok {
		e = &entry{}
		r.entries[h] = e
	}
	*e = entry{typ: typ, live: true, root: root, parent: parent, hasParent: hasParent}
	r.live++
	return true, nil
}

func sameType(a, b Type) bool {
	return a == b || a == TypeUnknown || b == TypeUnknown
}

// IsLive reports whether h is known and not invalidated. Any bit pattern is
// accepted.
func (r *Registry) IsLive(h Handle) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.isLive(h)
}

func (r *Registry) isLive(h Handle) bool {
	e, ok := r.entries[h]
	return ok && e.live
}

// Invalidate marks h dead. Unknown and already dead handles are ignored.
func (r *Registry) Invalidate(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invalidate(h)
}

func (r *Registry) invalidate(h Handle) bool {
	e, ok := r.entries[h]
	if !ok || !e.live {
		return false
	}
	e.live = false
	r.live--
	return true
}

// Lookup returns the entry for h, live or dead.
func (r *Registry) Lookup(h Handle) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[h]
	if !ok {
		return Info{}, false
	}
	return e.info(h), true
}

// Parent returns the owner recorded for h.
func (r *Registry) Parent(h Handle) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[h]
	if !ok || !e.hasParent {
		return Null, false
	}
	return e.parent, true
}

// LiveCount returns the number of live handles.
func (r *Registry) LiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.live
}

// Live returns the live entries ordered by handle value.
func (r *Registry) Live() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, r.live)
	for h, e := range r.entries {
		if e.live {
			out = append(out, e.info(h))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out
}

// Reset drops every entry.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[Handle]*entry)
	r.live = 0
}
