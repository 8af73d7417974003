package driver

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/fxnlabs/zesval/internal/config"
	"github.com/fxnlabs/zesval/internal/handle"
	"github.com/fxnlabs/zesval/internal/sysman"
)

// SimulatedName is the configuration name of the simulated backend.
const SimulatedName = "simulated"

const (
	handleBase   = 0x10000
	handleStride = 0x40
)

type object struct {
	h        handle.Handle
	typ      handle.Type
	parent   *object
	children []*object
}

func (o *object) childrenOf(typ handle.Type) []*object {
	var out []*object
	for _, c := range o.children {
		if c.typ == typ {
			out = append(out, c)
		}
	}
	return out
}

func (o *object) remove(child *object) {
	for i, c := range o.children {
		if c == child {
			o.children = append(o.children[:i], o.children[i+1:]...)
			return
		}
	}
}

// Simulated is an in-memory sysman driver. It owns an object tree of
// drivers, devices and their components plus contexts, event pools and
// events, hands out deterministic handle values and follows the driver
// conventions for enumeration, reset and destruction.
type Simulated struct {
	cfg   config.Driver
	log   *zap.Logger
	table sysman.Table

	mu          sync.Mutex
	next        uint64
	objects     map[handle.Handle]*object
	drivers     []*object
	components  []handle.Type
	counts      map[handle.Type]int
	initialized bool
	ready       bool
	calls       map[sysman.CallID]int
	faults      map[sysman.CallID][]sysman.Result
}

var _ Backend = (*Simulated)(nil)

// NewSimulated creates a simulated driver with the topology in cfg.
func NewSimulated(cfg config.Driver, log *zap.Logger) *Simulated {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Simulated{
		cfg:    cfg,
		log:    log.Named(SimulatedName),
		calls:  make(map[sysman.CallID]int),
		faults: make(map[sysman.CallID][]sysman.Result),
	}
	s.table = s.buildTable()
	return s
}

func (s *Simulated) Name() string { return SimulatedName }

func (s *Simulated) IsAvailable() bool { return true }

// Initialize builds the driver and device tree.
func (s *Simulated) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return nil
	}
	if s.cfg.Drivers < 1 {
		return fmt.Errorf("simulated driver needs at least one driver, got %d", s.cfg.Drivers)
	}
	if s.cfg.DevicesPerDriver < 0 {
		return fmt.Errorf("negative device count %d", s.cfg.DevicesPerDriver)
	}

	names := make([]string, 0, len(s.cfg.Components))
	for name := range s.cfg.Components {
		names = append(names, name)
	}
	sort.Strings(names)
	counts := make(map[handle.Type]int, len(names))
	var components []handle.Type
	var errs []error
	for _, name := range names {
		typ, ok := handle.ParseType(name)
		if !ok || !isComponent(typ) {
			errs = append(errs, fmt.Errorf("unknown component type %q", name))
			continue
		}
		if n := s.cfg.Components[name]; n < 0 {
			errs = append(errs, fmt.Errorf("negative count %d for component %q", n, name))
			continue
		}
		components = append(components, typ)
		counts[typ] = s.cfg.Components[name]
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	s.components = components
	s.counts = counts
	s.next = handleBase
	s.objects = make(map[handle.Handle]*object)
	s.drivers = nil
	for i := 0; i < s.cfg.Drivers; i++ {
		drv := s.newObject(nil, handle.TypeDriver)
		s.drivers = append(s.drivers, drv)
		for j := 0; j < s.cfg.DevicesPerDriver; j++ {
			s.populate(s.newObject(drv, handle.TypeDevice))
		}
	}
	s.initialized = true
	s.log.Info("Simulated driver initialized",
		zap.Int("drivers", s.cfg.Drivers),
		zap.Int("devicesPerDriver", s.cfg.DevicesPerDriver),
		zap.Int("objects", len(s.objects)))
	return nil
}

// Cleanup drops every object.
func (s *Simulated) Cleanup() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects = nil
	s.drivers = nil
	s.initialized = false
	s.ready = false
	return nil
}

func (s *Simulated) Table() sysman.Table {
	return s.table
}

// FailNext makes the next call of id return result without side effects.
// Queued results are consumed in order.
func (s *Simulated) FailNext(id sysman.CallID, result sysman.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[id] = append(s.faults[id], result)
}

// Calls returns how many times id reached the driver.
func (s *Simulated) Calls(id sysman.CallID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[id]
}

// TotalCalls returns how many calls reached the driver.
func (s *Simulated) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.calls {
		total += n
	}
	return total
}

// Objects returns the number of objects the driver holds.
func (s *Simulated) Objects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

// Components returns the component types each device carries.
func (s *Simulated) Components() []handle.Type {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]handle.Type(nil), s.components...)
}

func isComponent(typ handle.Type) bool {
	return typ >= handle.TypePower && typ <= handle.TypeVF
}

func (s *Simulated) newObject(parent *object, typ handle.Type) *object {
	o := &object{h: handle.Handle(s.next), typ: typ, parent: parent}
	s.next += handleStride
	s.objects[o.h] = o
	if parent != nil {
		parent.children = append(parent.children, o)
	}
	return o
}

// populate gives a device a fresh set of components.
func (s *Simulated) populate(dev *object) {
	for _, typ := range s.components {
		for i := 0; i < s.counts[typ]; i++ {
			s.newObject(dev, typ)
		}
	}
}

// release drops o and everything below it.
func (s *Simulated) release(o *object) {
	for _, c := range o.children {
		s.release(c)
	}
	o.children = nil
	delete(s.objects, o.h)
}

func (s *Simulated) lookup(h handle.Handle, typ handle.Type) (*object, bool) {
	o, ok := s.objects[h]
	if !ok || (typ != handle.TypeUnknown && o.typ != typ) {
		return nil, false
	}
	return o, true
}

// buildTable derives one entry point per catalog signature from its
// semantics.
func (s *Simulated) buildTable() sysman.Table {
	table := make(sysman.Table)
	for _, sig := range sysman.Signatures() {
		var fn func(sig *sysman.Signature, args []sysman.Arg) sysman.Result
		switch sig.Semantics {
		case sysman.Init:
			fn = s.init
		case sysman.Enumerate:
			fn = s.enumerate
		case sysman.LookupChild:
			fn = s.lookupChild
		case sysman.Create:
			fn = s.create
		case sysman.Destroy:
			fn = s.destroy
		case sysman.Reset:
			fn = s.reset
		default:
			fn = s.query
		}
		table[sig.ID] = s.entry(sig, fn)
	}
	return table
}

func (s *Simulated) entry(sig *sysman.Signature, fn func(*sysman.Signature, []sysman.Arg) sysman.Result) sysman.DriverFunc {
	return func(args []sysman.Arg) sysman.Result {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.calls[sig.ID]++
		if q := s.faults[sig.ID]; len(q) > 0 {
			s.faults[sig.ID] = q[1:]
			return q[0]
		}
		if !s.initialized {
			return sysman.ErrorUninitialized
		}
		if !s.ready && sig.Semantics != sysman.Init {
			return sysman.ErrorUninitialized
		}
		return fn(sig, args)
	}
}

func arg(args []sysman.Arg, i int) sysman.Arg {
	if i < 0 || i >= len(args) {
		return sysman.Arg{}
	}
	return args[i]
}

func (s *Simulated) init(_ *sysman.Signature, _ []sysman.Arg) sysman.Result {
	s.ready = true
	return sysman.Success
}

func (s *Simulated) enumerate(sig *sysman.Signature, args []sysman.Arg) sysman.Result {
	idx := sig.Produces()
	p := sig.Params[idx]
	var avail []*object
	if p.Owner == sysman.NoParam {
		avail = s.drivers
	} else {
		owner, ok := s.lookup(arg(args, p.Owner).Handle, sig.Params[p.Owner].Type)
		if !ok {
			return sysman.ErrorInvalidArgument
		}
		avail = owner.childrenOf(p.Type)
	}

	count := arg(args, p.Count).Count
	if count == nil {
		return sysman.ErrorInvalidNullPointer
	}
	out := arg(args, idx).Handles
	if *count == 0 || out == nil {
		*count = uint32(len(avail))
		return sysman.Success
	}
	n := min(int(*count), len(avail), len(out))
	for i := 0; i < n; i++ {
		out[i] = avail[i].h
	}
	*count = uint32(n)
	return sysman.Success
}

func (s *Simulated) lookupChild(sig *sysman.Signature, args []sysman.Arg) sysman.Result {
	idx := sig.Produces()
	p := sig.Params[idx]
	owner, ok := s.lookup(arg(args, p.Owner).Handle, sig.Params[p.Owner].Type)
	if !ok {
		return sysman.ErrorInvalidArgument
	}
	out := arg(args, idx).Out
	if out == nil {
		return sysman.ErrorInvalidNullPointer
	}
	children := owner.childrenOf(p.Type)
	if len(children) == 0 {
		return sysman.ErrorUnsupportedFeature
	}
	*out = children[0].h
	return sysman.Success
}

func (s *Simulated) create(sig *sysman.Signature, args []sysman.Arg) sysman.Result {
	idx := sig.Produces()
	p := sig.Params[idx]
	owner, ok := s.lookup(arg(args, p.Owner).Handle, sig.Params[p.Owner].Type)
	if !ok {
		return sysman.ErrorInvalidArgument
	}
	out := arg(args, idx).Out
	if out == nil {
		return sysman.ErrorInvalidNullPointer
	}
	*out = s.newObject(owner, p.Type).h
	return sysman.Success
}

func (s *Simulated) destroy(sig *sysman.Signature, args []sysman.Arg) sysman.Result {
	o, ok := s.lookup(arg(args, sig.Target).Handle, sig.Params[sig.Target].Type)
	if !ok {
		return sysman.ErrorInvalidArgument
	}
	if o.parent != nil {
		o.parent.remove(o)
	}
	s.release(o)
	return sysman.Success
}

// reset keeps the device handle and replaces every component with a new
// object, so component handles from before the reset are stale.
func (s *Simulated) reset(sig *sysman.Signature, args []sysman.Arg) sysman.Result {
	dev, ok := s.lookup(arg(args, sig.Target).Handle, sig.Params[sig.Target].Type)
	if !ok {
		return sysman.ErrorInvalidArgument
	}
	for _, c := range dev.children {
		s.release(c)
	}
	dev.children = nil
	s.populate(dev)
	s.log.Debug("Device reset", zap.Stringer("device", dev.h), zap.Int("components", len(dev.children)))
	return sysman.Success
}

func (s *Simulated) query(sig *sysman.Signature, args []sysman.Arg) sysman.Result {
	var seed uint64
	for i, p := range sig.Params {
		a := arg(args, i)
		switch p.Kind {
		case sysman.ParamHandle:
			o, ok := s.lookup(a.Handle, p.Type)
			if !ok {
				return sysman.ErrorInvalidArgument
			}
			seed = uint64(o.h)
		case sysman.ParamHandleArray:
			n := min(int(arg(args, p.Count).Value), len(a.Handles))
			for _, h := range a.Handles[:n] {
				o, ok := s.lookup(h, p.Type)
				if !ok {
					return sysman.ErrorInvalidArgument
				}
				if p.Owner != sysman.NoParam && (o.parent == nil || o.parent.h != arg(args, p.Owner).Handle) {
					return sysman.ErrorInvalidArgument
				}
			}
		case sysman.ParamCount:
			if a.Count != nil {
				*a.Count = 0
			}
		case sysman.ParamPointer:
			if p.Dir != sysman.In {
				fill(a.Ptr, seed)
			}
		}
	}
	return sysman.Success
}

// fill writes a deterministic reading derived from seed into the scalar
// output types the simulated driver knows.
func fill(ptr any, seed uint64) {
	v := (seed >> 6) & 0xff
	switch p := ptr.(type) {
	case *int32:
		*p = int32(v)
	case *uint32:
		*p = uint32(v)
	case *int64:
		*p = int64(v)
	case *uint64:
		*p = v
	case *float64:
		*p = float64(v)
	}
}
