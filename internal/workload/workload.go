// Package workload drives a validation layer the way a monitoring
// application would: discover drivers and devices, read every component
// and manage a few core objects.
package workload

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fxnlabs/zesval/internal/handle"
	"github.com/fxnlabs/zesval/internal/sysman"
)

// Caller issues calls through a validation layer.
type Caller interface {
	Call(id sysman.CallID, args ...sysman.Arg) sysman.Result
}

// Summary counts what a walk did.
type Summary struct {
	Calls   int            `json:"calls"`
	Results map[string]int `json:"results"`
	Drivers int            `json:"drivers"`
	Devices int            `json:"devices"`
	Handles int            `json:"componentHandles"`
	Objects int            `json:"objectsCreated"`
}

func (s *Summary) record(res sysman.Result) {
	if s.Results == nil {
		s.Results = make(map[string]int)
	}
	s.Calls++
	s.Results[res.String()]++
}

// Merge adds o to s.
func (s *Summary) Merge(o Summary) {
	if s.Results == nil {
		s.Results = make(map[string]int)
	}
	s.Calls += o.Calls
	for k, v := range o.Results {
		s.Results[k] += v
	}
	s.Drivers += o.Drivers
	s.Devices += o.Devices
	s.Handles += o.Handles
	s.Objects += o.Objects
}

type component struct {
	enum  sysman.CallID
	query sysman.CallID
	args  func(h handle.Handle) []sysman.Arg
}

func withPointer[T any](extra ...sysman.Arg) func(handle.Handle) []sysman.Arg {
	return func(h handle.Handle) []sysman.Arg {
		args := append([]sysman.Arg{sysman.H(h)}, extra...)
		return append(args, sysman.P(new(T)))
	}
}

func withValue(v uint64) func(handle.Handle) []sysman.Arg {
	return func(h handle.Handle) []sysman.Arg {
		return []sysman.Arg{sysman.H(h), sysman.V(v)}
	}
}

var components = []component{
	{sysman.CallDeviceEnumPowerDomains, sysman.CallPowerGetEnergyCounter, withPointer[uint64]()},
	{sysman.CallDeviceEnumFrequencyDomains, sysman.CallFrequencyGetState, withPointer[float64]()},
	{sysman.CallDeviceEnumFans, sysman.CallFanGetState, withPointer[int32](sysman.V(1))},
	{sysman.CallDeviceEnumEngineGroups, sysman.CallEngineGetActivity, withPointer[uint64]()},
	{sysman.CallDeviceEnumRasErrorSets, sysman.CallRasGetState, withPointer[uint64](sysman.V(0))},
	{sysman.CallDeviceEnumFirmwares, sysman.CallFirmwareGetProperties, withPointer[uint32]()},
	{sysman.CallDeviceEnumDiagnosticTestSuites, sysman.CallDiagnosticsRunTests, withPointer[uint32](sysman.V(0), sysman.V(0))},
	{sysman.CallDeviceEnumTemperatureSensors, sysman.CallTemperatureGetState, withPointer[float64]()},
	{sysman.CallDeviceEnumMemoryModules, sysman.CallMemoryGetState, withPointer[uint64]()},
	{sysman.CallDeviceEnumFabricPorts, sysman.CallFabricPortGetLinkType, withPointer[uint32]()},
	{sysman.CallDeviceEnumStandbyDomains, sysman.CallStandbySetMode, withValue(0)},
	{sysman.CallDeviceEnumLeds, sysman.CallLedSetState, withValue(1)},
	{sysman.CallDeviceEnumPsus, sysman.CallPsuGetState, withPointer[uint32]()},
	{sysman.CallDeviceEnumPerformanceFactorDomains, sysman.CallPerformanceFactorGetConfig, withPointer[float64]()},
	{sysman.CallDeviceEnumSchedulers, sysman.CallSchedulerGetCurrentMode, withPointer[uint32]()},
	{sysman.CallDeviceEnumOverclockDomains, sysman.CallOverclockGetDomainProperties, withPointer[uint32]()},
	{sysman.CallDeviceEnumEnabledVFExp, sysman.CallVFManagementGetVFCapabilitiesExp, withPointer[uint32]()},
}

// Runner walks a layer.
type Runner struct {
	l   Caller
	log *zap.Logger
}

func New(l Caller, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{l: l, log: log.Named("workload")}
}

func (r *Runner) call(sum *Summary, id sysman.CallID, args ...sysman.Arg) error {
	res := r.l.Call(id, args...)
	sum.record(res)
	if res != sysman.Success {
		return fmt.Errorf("%s: %w", id, res)
	}
	return nil
}

func (r *Runner) enumerate(sum *Summary, id sysman.CallID, owner ...handle.Handle) ([]handle.Handle, error) {
	var args []sysman.Arg
	for _, o := range owner {
		args = append(args, sysman.H(o))
	}
	var count uint32
	if err := r.call(sum, id, append(args, sysman.N(&count), sysman.Hs(nil))...); err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}
	hs := make([]handle.Handle, count)
	if err := r.call(sum, id, append(args, sysman.N(&count), sysman.Hs(hs))...); err != nil {
		return nil, err
	}
	return hs[:count], nil
}

// Discover initializes the driver and returns every driver and device
// handle.
func (r *Runner) Discover(ctx context.Context) (drivers, devices []handle.Handle, sum Summary, err error) {
	if err = r.call(&sum, sysman.CallInit, sysman.V(0)); err != nil {
		return nil, nil, sum, err
	}
	drivers, err = r.enumerate(&sum, sysman.CallDriverGet)
	if err != nil {
		return nil, nil, sum, err
	}
	for _, drv := range drivers {
		if err = ctx.Err(); err != nil {
			return nil, nil, sum, err
		}
		var devs []handle.Handle
		if devs, err = r.enumerate(&sum, sysman.CallDeviceGet, drv); err != nil {
			return nil, nil, sum, err
		}
		devices = append(devices, devs...)
	}
	sum.Drivers = len(drivers)
	sum.Devices = len(devices)
	return drivers, devices, sum, nil
}

// Walk discovers the topology, reads every component of every device and
// creates and destroys a context with an event pool and an event on each
// driver.
func (r *Runner) Walk(ctx context.Context) (Summary, error) {
	drivers, devices, sum, err := r.Discover(ctx)
	if err != nil {
		return sum, err
	}
	for _, dev := range devices {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		if err := r.call(&sum, sysman.CallDeviceGetProperties, sysman.H(dev), sysman.P(new(uint32))); err != nil {
			return sum, err
		}
		for _, c := range components {
			hs, err := r.enumerate(&sum, c.enum, dev)
			if err != nil {
				return sum, err
			}
			sum.Handles += len(hs)
			for _, h := range hs {
				if err := r.call(&sum, c.query, c.args(h)...); err != nil {
					return sum, err
				}
			}
		}
	}
	for _, drv := range drivers {
		if err := r.Objects(&sum, drv); err != nil {
			return sum, err
		}
	}
	r.log.Debug("Walk finished", zap.Int("calls", sum.Calls), zap.Int("componentHandles", sum.Handles))
	return sum, nil
}

// Objects creates a context, an event pool and an event under drv and
// destroys them again in reverse order.
func (r *Runner) Objects(sum *Summary, drv handle.Handle) error {
	var ctx, pool, ev handle.Handle
	if err := r.call(sum, sysman.CallContextCreate, sysman.H(drv), sysman.P(new(int)), sysman.HOut(&ctx)); err != nil {
		return err
	}
	if err := r.call(sum, sysman.CallEventPoolCreate, sysman.H(ctx), sysman.P(new(int)), sysman.HOut(&pool)); err != nil {
		return err
	}
	if err := r.call(sum, sysman.CallEventCreate, sysman.H(pool), sysman.P(new(int)), sysman.HOut(&ev)); err != nil {
		return err
	}
	sum.Objects += 3
	for _, step := range []struct {
		id sysman.CallID
		h  handle.Handle
	}{
		{sysman.CallEventDestroy, ev},
		{sysman.CallEventPoolDestroy, pool},
		{sysman.CallContextDestroy, ctx},
	} {
		if err := r.call(sum, step.id, sysman.H(step.h)); err != nil {
			return err
		}
	}
	return nil
}

// Misuse makes calls a buggy application would make and returns what the
// layer answered for each. A context is destroyed and then used, a
// component of a reset device is read, and an event pool is destroyed
// while its context is already gone.
func (r *Runner) Misuse(ctx context.Context) (map[string]sysman.Result, error) {
	drivers, devices, sum, err := r.Discover(ctx)
	if err != nil {
		return nil, err
	}
	if len(drivers) == 0 {
		return nil, errors.New("no drivers to misuse")
	}
	out := make(map[string]sysman.Result)

	var c, pool handle.Handle
	if err := r.call(&sum, sysman.CallContextCreate, sysman.H(drivers[0]), sysman.P(new(int)), sysman.HOut(&c)); err != nil {
		return nil, err
	}
	if err := r.call(&sum, sysman.CallEventPoolCreate, sysman.H(c), sysman.P(new(int)), sysman.HOut(&pool)); err != nil {
		return nil, err
	}
	if err := r.call(&sum, sysman.CallContextDestroy, sysman.H(c)); err != nil {
		return nil, err
	}
	out["use destroyed context"] = r.l.Call(sysman.CallEventPoolCreate, sysman.H(c), sysman.P(new(int)), sysman.HOut(new(handle.Handle)))
	out["destroy pool of destroyed context"] = r.l.Call(sysman.CallEventPoolDestroy, sysman.H(pool))
	out["destroy context twice"] = r.l.Call(sysman.CallContextDestroy, sysman.H(c))
	out["null driver handle"] = r.l.Call(sysman.CallContextCreate, sysman.H(handle.Null), sysman.P(new(int)), sysman.HOut(new(handle.Handle)))

	if len(devices) > 0 {
		dev := devices[0]
		fans, err := r.enumerate(&sum, sysman.CallDeviceEnumFans, dev)
		if err != nil {
			return nil, err
		}
		if err := r.call(&sum, sysman.CallDeviceReset, sysman.H(dev), sysman.V(0)); err != nil {
			return nil, err
		}
		if len(fans) > 0 {
			out["read fan after device reset"] = r.l.Call(sysman.CallFanGetState, sysman.H(fans[0]), sysman.V(1), sysman.P(new(int32)))
		}
		out["fan speed units out of range"] = r.l.Call(sysman.CallFanGetState, sysman.H(dev), sysman.V(9), sysman.P(new(int32)))
	}
	return out, nil
}
