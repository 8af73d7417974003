package sysman

import (
	"fmt"

	"github.com/fxnlabs/zesval/internal/handle"
)

// ParamKind describes how a parameter is carried in an Arg.
type ParamKind uint8

const (
	// ParamHandle is a single handle read from Arg.Handle.
	ParamHandle ParamKind = iota
	// ParamHandleArray is a handle array in Arg.Handles. As an [in,out]
	// enumeration buffer a nil slice is the null array.
	ParamHandleArray
	// ParamHandleOut is a single produced handle written through Arg.Out.
	ParamHandleOut
	// ParamCount is a uint32 count pointer in Arg.Count.
	ParamCount
	// ParamPointer is any other pointer in Arg.Ptr.
	ParamPointer
	// ParamValue is a scalar in Arg.Value.
	ParamValue
	// ParamEnum is an enumerator in Arg.Value bounded by Param.Max.
	ParamEnum
)

// Direction follows the [in], [out] and [in,out] annotations of the API.
type Direction uint8

const (
	In Direction = iota
	Out
	InOut
)

// Semantics selects what the handle lifetime validator does after a
// successful call.
type Semantics uint8

const (
	// Query reads or sets state on existing handles.
	Query Semantics = iota
	// Enumerate fills a count+array pair with child handles of the owner.
	Enumerate
	// LookupChild returns one existing child handle of the owner.
	LookupChild
	// Create makes a new object owned by the owner.
	Create
	// Destroy releases the target and everything it owns.
	Destroy
	// Reset resets the target; every handle it owns becomes stale.
	Reset
	// Init initializes the driver and takes no handles.
	Init
)

var semanticsNames = map[Semantics]string{
	Query:       "query",
	Enumerate:   "enumerate",
	LookupChild: "lookup",
	Create:      "create",
	Destroy:     "destroy",
	Reset:       "reset",
	Init:        "init",
}

func (s Semantics) String() string {
	if name, ok := semanticsNames[s]; ok {
		return name
	}
	return fmt.Sprintf("semantics(%d)", uint8(s))
}

// NoParam marks an absent parameter index.
const NoParam = -1

// Param describes one parameter of an entry point.
type Param struct {
	Name     string
	Kind     ParamKind
	Dir      Direction
	Optional bool
	// Type tags handles read or produced through this parameter.
	Type handle.Type
	// Owner is the index of the handle parameter that owns the handles
	// produced through this parameter, or the expected parent of the
	// handles passed in through it.
	Owner int
	// Count is the index of the count parameter bounding a handle array.
	Count int
	// Max is the largest valid enumerator for ParamEnum.
	Max uint64
}

// Signature is the call metadata of one entry point.
type Signature struct {
	ID        CallID
	Name      string
	Semantics Semantics
	// Target is the index of the handle destroyed or reset.
	Target int
	// Family groups Create and Destroy calls of the same object kind.
	Family string
	Params []Param
}

// Produces returns the index of the parameter that carries produced
// handles, or NoParam.
func (s *Signature) Produces() int {
	for i, p := range s.Params {
		switch {
		case p.Kind == ParamHandleOut:
			return i
		case p.Kind == ParamHandleArray && p.Dir != In:
			return i
		}
	}
	return NoParam
}

// Validate checks that the parameter indexes of s are consistent.
func (s *Signature) Validate() error {
	in := func(i int) bool { return i >= 0 && i < len(s.Params) }
	for _, p := range s.Params {
		if p.Owner != NoParam {
			if !in(p.Owner) || s.Params[p.Owner].Kind != ParamHandle {
				return fmt.Errorf("%s: param %s: owner %d is not a handle parameter", s.Name, p.Name, p.Owner)
			}
		}
		if p.Kind == ParamHandleArray {
			if !in(p.Count) {
				return fmt.Errorf("%s: param %s: count index %d out of range", s.Name, p.Name, p.Count)
			}
			if k := s.Params[p.Count].Kind; k != ParamCount && k != ParamValue {
				return fmt.Errorf("%s: param %s: count %d is not a count", s.Name, p.Name, p.Count)
			}
		}
		if p.Kind == ParamEnum && p.Max == 0 {
			return fmt.Errorf("%s: param %s: enum without upper bound", s.Name, p.Name)
		}
	}
	switch s.Semantics {
	case Destroy, Reset:
		if !in(s.Target) || s.Params[s.Target].Kind != ParamHandle {
			return fmt.Errorf("%s: target %d is not a handle parameter", s.Name, s.Target)
		}
	case Enumerate, LookupChild, Create:
		if s.Produces() == NoParam {
			return fmt.Errorf("%s: %s call produces no handles", s.Name, s.Semantics)
		}
	}
	return nil
}

// Param constructors keep the catalog readable.

func handleIn(name string, typ handle.Type) Param {
	return Param{Name: name, Kind: ParamHandle, Dir: In, Type: typ, Owner: NoParam, Count: NoParam}
}

func countOut(name string) Param {
	return Param{Name: name, Kind: ParamCount, Dir: InOut, Owner: NoParam, Count: NoParam}
}

func handleArrayOut(name string, typ handle.Type, owner, count int) Param {
	return Param{Name: name, Kind: ParamHandleArray, Dir: InOut, Optional: true, Type: typ, Owner: owner, Count: count}
}

func handleArrayIn(name string, typ handle.Type, owner, count int) Param {
	return Param{Name: name, Kind: ParamHandleArray, Dir: In, Type: typ, Owner: owner, Count: count}
}

func handleOut(name string, typ handle.Type, owner int) Param {
	return Param{Name: name, Kind: ParamHandleOut, Dir: Out, Type: typ, Owner: owner, Count: NoParam}
}

func pointer(name string, dir Direction) Param {
	return Param{Name: name, Kind: ParamPointer, Dir: dir, Owner: NoParam, Count: NoParam}
}

func optionalPointer(name string, dir Direction) Param {
	p := pointer(name, dir)
	p.Optional = true
	return p
}

func value(name string) Param {
	return Param{Name: name, Kind: ParamValue, Dir: In, Owner: NoParam, Count: NoParam}
}

func enum(name string, max uint64) Param {
	return Param{Name: name, Kind: ParamEnum, Dir: In, Owner: NoParam, Count: NoParam, Max: max}
}
