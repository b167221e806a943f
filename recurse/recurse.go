// Package recurse implements the nested-map auto-wrap decorator described
// in spec.md §6 (`recurse`, `recurse_register`) and §9: a layer above the
// core that turns a nested value graph into a tree of child shmap.Map
// instances, registering each child's segment name into a parent
// "recurse register" map so a single top-level unlink reaches them all.
//
// This package is an external collaborator: it imports shmap, not the
// other way around, exactly as spec.md §1 scopes "the nested/recursive
// map wrapping" out of the core.
package recurse

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/shmap/shmap"
)

// ErrCyclicGraph is returned when wrapping a value graph encounters the
// same nested map twice along one path, per spec.md §9 ("the recursive
// mode must reject value-graphs with cycles").
var ErrCyclicGraph = errors.New("recurse: cyclic value graph")

// StringCodec is the trivial identity codec used for both the recurse
// register's keys and its values (child segment names).
type StringCodec struct{}

func (StringCodec) Encode(s string) ([]byte, error) { return []byte(s), nil }
func (StringCodec) Decode(b []byte) (string, error) { return string(b), nil }

// Register is the parent "recurse register" map of spec.md §6: every
// child map created while wrapping registers its segment name here under
// the dotted path that reached it.
type Register struct {
	m *shmap.Map[string, string]
}

// OpenRegister creates or attaches the register map named name.
func OpenRegister(name string, opts ...shmap.Option) (*Register, error) {
	m, err := shmap.Open[string, string](name, StringCodec{}, StringCodec{}, opts...)
	if err != nil {
		return nil, fmt.Errorf("recurse: open register %q: %w", name, err)
	}
	return &Register{m: m}, nil
}

// Register records that the child map named childSegmentName was wrapped
// in at path.
func (r *Register) Register(path, childSegmentName string) error {
	return r.m.Set(path, childSegmentName)
}

// ChildNames returns the segment name of every child map currently
// registered.
func (r *Register) ChildNames() ([]string, error) {
	paths, err := r.m.Keys("")
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(paths))
	for _, path := range paths {
		name, err := r.m.Get(path)
		if err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, nil
}

// UnlinkAll unlinks every registered child map's segments, then the
// register map's own segments. Intended for the single top-level unlink
// spec.md §5 describes ("a single top-level unlink reaches them all").
func (r *Register) UnlinkAll() error {
	names, err := r.ChildNames()
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := shmap.UnlinkByName(name); err != nil {
			return fmt.Errorf("recurse: unlink child %q: %w", name, err)
		}
	}
	return r.m.Unlink()
}

// Close detaches the register's local segment handles.
func (r *Register) Close() error {
	_, err := r.m.Close()
	return err
}

// Wrapper walks a tree of map[string]any values, turning each nested map
// into its own child shmap.Map[string, any], and rejecting cycles by
// tracking the identity of every map visited along the current path.
type Wrapper struct {
	register *Register
	codec    shmap.Codec[any]
	opts     []shmap.Option
	seen     map[uintptr]struct{}
	counter  int
}

// NewWrapper constructs a Wrapper. register may be nil, in which case
// child names are not recorded anywhere — the caller is then responsible
// for their own cleanup. codec encodes and decodes the leaf values stored
// in child maps. opts are passed through to every child shmap.Open call.
func NewWrapper(register *Register, codec shmap.Codec[any], opts ...shmap.Option) *Wrapper {
	return &Wrapper{
		register: register,
		codec:    codec,
		opts:     opts,
		seen:     make(map[uintptr]struct{}),
	}
}

// Wrap inspects value at path: a map[string]any is recursively unpacked
// into a new child map (every entry wrapped in turn and Set on the
// child), and the value stored at path in the caller's map becomes the
// child's segment name. Any other value passes through unchanged.
func (w *Wrapper) Wrap(path string, value any) (any, error) {
	nested, ok := value.(map[string]any)
	if !ok {
		return value, nil
	}

	ptr := reflect.ValueOf(nested).Pointer()
	if _, dup := w.seen[ptr]; dup {
		return nil, ErrCyclicGraph
	}
	w.seen[ptr] = struct{}{}
	defer delete(w.seen, ptr)

	w.counter++
	childName := fmt.Sprintf("%s.child%d", path, w.counter)

	child, err := shmap.Open[string, any](childName, StringCodec{}, w.codec, append(w.opts, shmap.WithCreate(shmap.MustCreate))...)
	if err != nil {
		return nil, fmt.Errorf("recurse: open child %q: %w", childName, err)
	}

	for k, v := range nested {
		wrapped, err := w.Wrap(path+"."+k, v)
		if err != nil {
			return nil, err
		}
		if err := child.Set(k, wrapped); err != nil {
			return nil, fmt.Errorf("recurse: set %q.%q: %w", childName, k, err)
		}
	}

	if w.register != nil {
		if err := w.register.Register(path, childName); err != nil {
			return nil, fmt.Errorf("recurse: register %q: %w", path, err)
		}
	}

	return childName, nil
}
