package layer

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fxnlabs/zesval/internal/config"
	"github.com/fxnlabs/zesval/internal/driver"
	"github.com/fxnlabs/zesval/internal/handle"
	"github.com/fxnlabs/zesval/internal/metrics"
	"github.com/fxnlabs/zesval/internal/sysman"
	"github.com/fxnlabs/zesval/internal/validation"
)

func allValidators() config.Validation {
	return config.Validation{
		ParameterValidation: true,
		HandleLifetime:      true,
		ThreadingValidation: true,
		BasicLeakChecker:    true,
	}
}

func newTestLayer(t *testing.T, cfg config.Validation) (*Layer, *driver.Simulated) {
	t.Helper()
	sim := driver.NewSimulated(config.Driver{
		Drivers:          1,
		DevicesPerDriver: 2,
		Components:       map[string]int{"power": 3, "fan": 1, "fabric_port": 2},
	}, zap.NewNop())
	require.NoError(t, sim.Initialize())
	t.Cleanup(func() { _ = sim.Cleanup() })

	l := New(cfg, sim.Table(), zap.NewNop(), nil)
	require.NoError(t, l.Init())
	require.Equal(t, sysman.Success, l.Call(sysman.CallInit, sysman.V(0)))
	return l, sim
}

// enumerate performs a two-phase enumeration through the layer.
func enumerate(t *testing.T, l *Layer, id sysman.CallID, owner ...handle.Handle) []handle.Handle {
	t.Helper()
	var args []sysman.Arg
	for _, o := range owner {
		args = append(args, sysman.H(o))
	}
	var count uint32
	require.Equal(t, sysman.Success, l.Call(id, append(args, sysman.N(&count), sysman.Hs(nil))...))
	hs := make([]handle.Handle, count)
	require.Equal(t, sysman.Success, l.Call(id, append(args, sysman.N(&count), sysman.Hs(hs))...))
	return hs[:count]
}

func topology(t *testing.T, l *Layer) (handle.Handle, []handle.Handle) {
	t.Helper()
	drivers := enumerate(t, l, sysman.CallDriverGet)
	require.Len(t, drivers, 1)
	devices := enumerate(t, l, sysman.CallDeviceGet, drivers[0])
	require.Len(t, devices, 2)
	return drivers[0], devices
}

func TestLayerValidatorOrder(t *testing.T) {
	l := New(allValidators(), nil, nil, nil)
	var variants []validation.Variant
	for _, v := range l.Validators() {
		variants = append(variants, v.Variant())
	}
	assert.Equal(t, []validation.Variant{
		validation.Parameter,
		validation.HandleLifetime,
		validation.Threading,
		validation.Leak,
	}, variants)

	l = New(config.Validation{HandleLifetime: true}, nil, nil, nil)
	require.Len(t, l.Validators(), 1)
	assert.Equal(t, validation.HandleLifetime, l.Validators()[0].Variant())
	assert.NotEmpty(t, l.ID())
	assert.NotEqual(t, l.ID(), New(config.Validation{}, nil, nil, nil).ID())
}

func TestLayerLifecycle(t *testing.T) {
	sim := driver.NewSimulated(config.Driver{Drivers: 1}, nil)
	require.NoError(t, sim.Initialize())
	l := New(allValidators(), sim.Table(), nil, nil)

	assert.Equal(t, sysman.ErrorUninitialized, l.Call(sysman.CallInit, sysman.V(0)))
	assert.Equal(t, 0, sim.TotalCalls())

	require.NoError(t, l.Init())
	assert.ErrorIs(t, l.Init(), ErrAlreadyInitialized)
	assert.Equal(t, sysman.Success, l.Call(sysman.CallInit, sysman.V(0)))

	l.Teardown()
	assert.ErrorIs(t, l.Init(), ErrClosed)
	assert.Equal(t, sysman.ErrorUninitialized, l.Call(sysman.CallInit, sysman.V(0)))
	assert.True(t, l.Teardown().Clean())
	assert.Equal(t, 1, sim.TotalCalls())
}

func TestLayerUnsupportedEntryPoints(t *testing.T) {
	l := New(allValidators(), sysman.Table{}, nil, nil)
	require.NoError(t, l.Init())
	assert.Equal(t, sysman.ErrorUnsupportedFeature, l.Call(sysman.CallInit, sysman.V(0)))
	assert.Equal(t, sysman.ErrorUnsupportedFeature, l.Call(sysman.CallID(0xffff)))
	assert.Equal(t, sysman.ErrorInvalidArgument, l.Invoke(&sysman.Call{}))
}

// Scenario: two-phase enumeration registers nothing on the first phase and
// exactly the written handles on the second.
func TestLayerTwoPhaseEnumeration(t *testing.T) {
	l, _ := newTestLayer(t, allValidators())
	_, devices := topology(t, l)
	before := l.Registry().LiveCount()

	var count uint32
	require.Equal(t, sysman.Success, l.Call(sysman.CallDeviceEnumPowerDomains, sysman.H(devices[0]), sysman.N(&count), sysman.Hs(nil)))
	assert.Equal(t, uint32(3), count)
	assert.Equal(t, before, l.Registry().LiveCount())

	hs := make([]handle.Handle, count)
	require.Equal(t, sysman.Success, l.Call(sysman.CallDeviceEnumPowerDomains, sysman.H(devices[0]), sysman.N(&count), sysman.Hs(hs)))
	assert.Equal(t, before+3, l.Registry().LiveCount())
	assert.Equal(t, hs, l.Graph().Children(devices[0]))
}

func TestLayerPartialEnumeration(t *testing.T) {
	l, _ := newTestLayer(t, allValidators())
	_, devices := topology(t, l)

	var count uint32 = 2
	hs := make([]handle.Handle, 2)
	require.Equal(t, sysman.Success, l.Call(sysman.CallDeviceEnumPowerDomains, sysman.H(devices[0]), sysman.N(&count), sysman.Hs(hs)))
	assert.Equal(t, uint32(2), count)
	assert.Len(t, l.Graph().Children(devices[0]), 2)
}

// Scenario: create a parent, give it three children, destroy the parent.
func TestLayerDestroyCascade(t *testing.T) {
	l, _ := newTestLayer(t, allValidators())
	drv, _ := topology(t, l)

	var ctx handle.Handle
	require.Equal(t, sysman.Success, l.Call(sysman.CallContextCreate, sysman.H(drv), sysman.P(new(int)), sysman.HOut(&ctx)))
	children := make([]handle.Handle, 3)
	for i := range children {
		require.Equal(t, sysman.Success, l.Call(sysman.CallEventPoolCreate, sysman.H(ctx), sysman.P(new(int)), sysman.HOut(&children[i])))
	}
	var ev handle.Handle
	require.Equal(t, sysman.Success, l.Call(sysman.CallEventCreate, sysman.H(children[0]), sysman.P(new(int)), sysman.HOut(&ev)))
	require.Equal(t, children, l.Graph().Children(ctx))

	require.Equal(t, sysman.Success, l.Call(sysman.CallContextDestroy, sysman.H(ctx)))

	reg := l.Registry()
	assert.False(t, reg.IsLive(ctx))
	for _, c := range children {
		assert.False(t, reg.IsLive(c))
	}
	assert.False(t, reg.IsLive(ev))
	assert.Empty(t, l.Graph().Children(ctx))
	assert.True(t, reg.IsLive(drv))
}

// Scenario: a call with a destroyed handle fails in the prologue and the
// driver records zero invocations.
func TestLayerStaleHandleNeverReachesDriver(t *testing.T) {
	l, sim := newTestLayer(t, allValidators())
	drv, _ := topology(t, l)

	var ctx, pool handle.Handle
	require.Equal(t, sysman.Success, l.Call(sysman.CallContextCreate, sysman.H(drv), sysman.P(new(int)), sysman.HOut(&ctx)))
	require.Equal(t, sysman.Success, l.Call(sysman.CallEventPoolCreate, sysman.H(ctx), sysman.P(new(int)), sysman.HOut(&pool)))
	require.Equal(t, sysman.Success, l.Call(sysman.CallContextDestroy, sysman.H(ctx)))

	var ev handle.Handle
	assert.Equal(t, sysman.ErrorInvalidNullHandle, l.Call(sysman.CallEventCreate, sysman.H(pool), sysman.P(new(int)), sysman.HOut(&ev)))
	assert.Equal(t, sysman.ErrorInvalidNullHandle, l.Call(sysman.CallEventPoolDestroy, sysman.H(pool)))
	assert.Equal(t, 0, sim.Calls(sysman.CallEventCreate))
	assert.Equal(t, 0, sim.Calls(sysman.CallEventPoolDestroy))
	assert.Equal(t, handle.Null, ev)
}

func TestLayerResetMakesComponentsStale(t *testing.T) {
	l, sim := newTestLayer(t, allValidators())
	drv, devices := topology(t, l)
	fans := enumerate(t, l, sysman.CallDeviceEnumFans, devices[0])
	require.Len(t, fans, 1)

	require.Equal(t, sysman.Success, l.Call(sysman.CallDeviceReset, sysman.H(devices[0]), sysman.V(0)))

	var speed int32
	assert.Equal(t, sysman.ErrorInvalidNullHandle, l.Call(sysman.CallFanGetState, sysman.H(fans[0]), sysman.V(0), sysman.P(&speed)))
	assert.Equal(t, 0, sim.Calls(sysman.CallFanGetState))

	// The other device keeps its state.
	assert.True(t, l.Registry().IsLive(devices[1]))

	again := enumerate(t, l, sysman.CallDeviceGet, drv)
	assert.Equal(t, devices, again)
	fresh := enumerate(t, l, sysman.CallDeviceEnumFans, devices[0])
	require.Len(t, fresh, 1)
	assert.NotEqual(t, fans[0], fresh[0])
	assert.Equal(t, sysman.Success, l.Call(sysman.CallFanGetState, sysman.H(fresh[0]), sysman.V(0), sysman.P(&speed)))
}

func TestLayerCountOnlyQueryWithReusedBuffer(t *testing.T) {
	l, sim := newTestLayer(t, allValidators())
	drv, devices := topology(t, l)
	fans := enumerate(t, l, sysman.CallDeviceEnumFans, devices[0])
	require.Len(t, fans, 1)
	stale := fans[0]

	require.Equal(t, sysman.Success, l.Call(sysman.CallDeviceReset, sysman.H(devices[0]), sysman.V(0)))
	enumerate(t, l, sysman.CallDeviceGet, drv)

	t.Run("stale buffer", func(t *testing.T) {
		var count uint32
		buf := []handle.Handle{stale}
		require.Equal(t, sysman.Success, l.Call(sysman.CallDeviceEnumFans, sysman.H(devices[0]), sysman.N(&count), sysman.Hs(buf)))
		assert.Equal(t, uint32(1), count)
		assert.Equal(t, stale, buf[0], "the driver writes no handles when asked for the count")
		assert.False(t, l.Registry().IsLive(stale))

		var speed int32
		assert.Equal(t, sysman.ErrorInvalidNullHandle, l.Call(sysman.CallFanGetState, sysman.H(stale), sysman.V(0), sysman.P(&speed)))
		assert.Equal(t, 0, sim.Calls(sysman.CallFanGetState))
	})

	t.Run("zeroed buffer", func(t *testing.T) {
		var count uint32
		buf := make([]handle.Handle, 4)
		assert.Equal(t, sysman.Success, l.Call(sysman.CallDeviceEnumFans, sysman.H(devices[0]), sysman.N(&count), sysman.Hs(buf)))
		assert.Equal(t, uint32(1), count)
	})

	t.Run("caller count below the available handles", func(t *testing.T) {
		live := l.Registry().LiveCount()
		count := uint32(1)
		buf := []handle.Handle{handle.Null, stale, stale}
		require.Equal(t, sysman.Success, l.Call(sysman.CallDeviceEnumPowerDomains, sysman.H(devices[1]), sysman.N(&count), sysman.Hs(buf)))
		assert.Equal(t, uint32(1), count)
		assert.Equal(t, live+1, l.Registry().LiveCount())
		assert.True(t, l.Registry().IsLive(buf[0]))
		assert.False(t, l.Registry().IsLive(stale))
	})
}

// Scenario: a failed driver call registers nothing even when an output
// parameter holds a value.
func TestLayerFailedCallRegistersNothing(t *testing.T) {
	l, sim := newTestLayer(t, allValidators())
	drv, _ := topology(t, l)
	before := l.Registry().LiveCount()

	sim.FailNext(sysman.CallContextCreate, sysman.ErrorOutOfHostMemory)
	ctx := handle.Handle(0xbad0)
	assert.Equal(t, sysman.ErrorOutOfHostMemory, l.Call(sysman.CallContextCreate, sysman.H(drv), sysman.P(new(int)), sysman.HOut(&ctx)))
	assert.Equal(t, before, l.Registry().LiveCount())
	assert.False(t, l.Registry().IsLive(0xbad0))
}

func TestLayerParameterValidationRunsFirst(t *testing.T) {
	l, sim := newTestLayer(t, allValidators())
	drv, _ := topology(t, l)

	assert.Equal(t, sysman.ErrorInvalidNullPointer, l.Call(sysman.CallContextCreate, sysman.H(drv), sysman.P(new(int)), sysman.HOut(nil)))
	assert.Equal(t, sysman.ErrorInvalidNullHandle, l.Call(sysman.CallContextCreate, sysman.H(handle.Null), sysman.P(new(int)), sysman.HOut(new(handle.Handle))))
	assert.Equal(t, 0, sim.Calls(sysman.CallContextCreate))

	rep := l.Dispatch(mustCall(t, sysman.CallContextCreate, sysman.H(handle.Null), sysman.P(new(int)), sysman.HOut(new(handle.Handle))))
	assert.Equal(t, "parameter", rep.Validator)
	assert.Equal(t, validation.PhasePrologue, rep.Phase)
}

func TestLayerDependencyViolation(t *testing.T) {
	l, sim := newTestLayer(t, allValidators())
	_, devices := topology(t, l)
	p0 := enumerate(t, l, sysman.CallDeviceEnumFabricPorts, devices[0])
	p1 := enumerate(t, l, sysman.CallDeviceEnumFabricPorts, devices[1])

	var out int
	assert.Equal(t, sysman.Success, l.Call(sysman.CallFabricPortGetMultiPortThroughput,
		sysman.H(devices[0]), sysman.V(2), sysman.Hs(p0), sysman.P(&out)))
	assert.Equal(t, sysman.ErrorInvalidArgument, l.Call(sysman.CallFabricPortGetMultiPortThroughput,
		sysman.H(devices[0]), sysman.V(2), sysman.Hs([]handle.Handle{p0[0], p1[0]}), sysman.P(&out)))
	assert.Equal(t, 1, sim.Calls(sysman.CallFabricPortGetMultiPortThroughput))
}

func TestLayerWithoutLifetimeTracking(t *testing.T) {
	l, sim := newTestLayer(t, config.Validation{ParameterValidation: true})
	drv, _ := topology(t, l)
	assert.Equal(t, 0, l.Registry().LiveCount())

	var ctx handle.Handle
	require.Equal(t, sysman.Success, l.Call(sysman.CallContextCreate, sysman.H(drv), sysman.P(new(int)), sysman.HOut(&ctx)))
	require.Equal(t, sysman.Success, l.Call(sysman.CallContextDestroy, sysman.H(ctx)))

	// Without the lifetime validator the stale handle reaches the driver.
	assert.Equal(t, sysman.ErrorInvalidArgument, l.Call(sysman.CallContextDestroy, sysman.H(ctx)))
	assert.Equal(t, 2, sim.Calls(sysman.CallContextDestroy))
}

func TestLayerTeardownReport(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	sim := driver.NewSimulated(config.Driver{Drivers: 1, DevicesPerDriver: 1, Components: map[string]int{"power": 1}}, nil)
	require.NoError(t, sim.Initialize())
	l := New(allValidators(), sim.Table(), zap.NewNop(), m)
	require.NoError(t, l.Init())
	require.Equal(t, sysman.Success, l.Call(sysman.CallInit, sysman.V(0)))

	drv, _ := func() (handle.Handle, []handle.Handle) {
		drivers := enumerate(t, l, sysman.CallDriverGet)
		return drivers[0], enumerate(t, l, sysman.CallDeviceGet, drivers[0])
	}()

	var kept, closed handle.Handle
	require.Equal(t, sysman.Success, l.Call(sysman.CallContextCreate, sysman.H(drv), sysman.P(new(int)), sysman.HOut(&kept)))
	require.Equal(t, sysman.Success, l.Call(sysman.CallContextCreate, sysman.H(drv), sysman.P(new(int)), sysman.HOut(&closed)))
	require.Equal(t, sysman.Success, l.Call(sysman.CallContextDestroy, sysman.H(closed)))

	rep := l.Teardown()
	assert.Equal(t, l.ID(), rep.Layer)
	assert.False(t, rep.Clean())
	assert.Equal(t, 3, rep.LiveHandles)
	// The live context is reported once even though the context family is
	// also out of balance.
	require.Len(t, rep.Suspects, 1)
	assert.Equal(t, validation.HandleLeakSuspected, rep.Suspects[0].Kind)
	assert.Equal(t, kept, rep.Suspects[0].Handle)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.LeakSuspects))

	assert.Equal(t, 0, l.Registry().LiveCount())
	require.NotEmpty(t, rep.Balances)
	assert.Equal(t, "context", rep.Balances[0].Family)
	assert.Equal(t, int64(2), rep.Balances[0].Created)
	assert.Equal(t, int64(1), rep.Balances[0].Leaked())
}

func TestLayerTeardownReportsLiveObjectsOnce(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	sim := driver.NewSimulated(config.Driver{Drivers: 1, DevicesPerDriver: 1}, nil)
	require.NoError(t, sim.Initialize())
	l := New(allValidators(), sim.Table(), zap.NewNop(), m)
	require.NoError(t, l.Init())
	require.Equal(t, sysman.Success, l.Call(sysman.CallInit, sysman.V(0)))
	drv := enumerate(t, l, sysman.CallDriverGet)[0]

	var ctx, pool, ev handle.Handle
	require.Equal(t, sysman.Success, l.Call(sysman.CallContextCreate, sysman.H(drv), sysman.P(new(int)), sysman.HOut(&ctx)))
	require.Equal(t, sysman.Success, l.Call(sysman.CallEventPoolCreate, sysman.H(ctx), sysman.P(new(int)), sysman.HOut(&pool)))
	require.Equal(t, sysman.Success, l.Call(sysman.CallEventCreate, sysman.H(pool), sysman.P(new(int)), sysman.HOut(&ev)))

	rep := l.Teardown()
	got := make([]handle.Handle, 0, len(rep.Suspects))
	for _, s := range rep.Suspects {
		assert.Empty(t, s.Param, "family entry for a live object: %s", s.Detail)
		got = append(got, s.Handle)
	}
	assert.ElementsMatch(t, []handle.Handle{ctx, pool, ev}, got)
	assert.Equal(t, float64(3), testutil.ToFloat64(m.LeakSuspects))
	for _, b := range rep.Balances {
		assert.Equal(t, int64(1), b.Leaked(), b.Family)
	}
}

func TestLayerTeardownClean(t *testing.T) {
	l, _ := newTestLayer(t, allValidators())
	drv, devices := topology(t, l)
	enumerate(t, l, sysman.CallDeviceEnumPowerDomains, devices[0])

	var ctx handle.Handle
	require.Equal(t, sysman.Success, l.Call(sysman.CallContextCreate, sysman.H(drv), sysman.P(new(int)), sysman.HOut(&ctx)))
	require.Equal(t, sysman.Success, l.Call(sysman.CallContextDestroy, sysman.H(ctx)))

	rep := l.Teardown()
	assert.True(t, rep.Clean(), "%v", rep.Suspects)
	assert.Equal(t, 6, rep.LiveHandles)
}

func TestLayerConcurrentUse(t *testing.T) {
	l, _ := newTestLayer(t, allValidators())
	drv, devices := topology(t, l)

	var g errgroup.Group
	for w := 0; w < 8; w++ {
		g.Go(func() error {
			for i := 0; i < 50; i++ {
				var ctx, pool handle.Handle
				if res := l.Call(sysman.CallContextCreate, sysman.H(drv), sysman.P(new(int)), sysman.HOut(&ctx)); res != sysman.Success {
					return res
				}
				if res := l.Call(sysman.CallEventPoolCreate, sysman.H(ctx), sysman.P(new(int)), sysman.HOut(&pool)); res != sysman.Success {
					return res
				}
				if res := l.Call(sysman.CallContextDestroy, sysman.H(ctx)); res != sysman.Success {
					return res
				}
				if res := l.Call(sysman.CallEventPoolDestroy, sysman.H(pool)); res != sysman.ErrorInvalidNullHandle {
					return res
				}
			}
			return nil
		})
		g.Go(func() error {
			for i := 0; i < 50; i++ {
				var count uint32
				if res := l.Call(sysman.CallDeviceEnumPowerDomains, sysman.H(devices[1]), sysman.N(&count), sysman.Hs(nil)); res != sysman.Success {
					return res
				}
				hs := make([]handle.Handle, count)
				if res := l.Call(sysman.CallDeviceEnumPowerDomains, sysman.H(devices[1]), sysman.N(&count), sysman.Hs(hs)); res != sysman.Success {
					return res
				}
				var energy uint64
				for _, h := range hs {
					if res := l.Call(sysman.CallPowerGetEnergyCounter, sysman.H(h), sysman.P(&energy)); res != sysman.Success {
						return res
					}
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Empty(t, l.Graph().Children(drv)[len(devices):])
	assert.Len(t, l.Graph().Children(devices[1]), 3)
	assert.Empty(t, l.Graph().Orphans())

	// Pools went away with their contexts, so only the create/destroy
	// balance of the pool family is off.
	rep := l.Teardown()
	require.Len(t, rep.Suspects, 1)
	assert.Equal(t, "event_pool", rep.Suspects[0].Param)
}

func mustCall(t *testing.T, id sysman.CallID, args ...sysman.Arg) *sysman.Call {
	t.Helper()
	c, ok := sysman.NewCall(id, args...)
	require.True(t, ok)
	return c
}

func TestLayerStatus(t *testing.T) {
	l, _ := newTestLayer(t, allValidators())
	topology(t, l)

	st := l.Status()
	assert.Equal(t, l.ID(), st.Layer)
	assert.Equal(t, []string{"parameter", "handle_lifetime", "threading", "basic_leak"}, st.Validators)
	assert.Equal(t, 3, st.LiveHandles)
	assert.Equal(t, 0, st.Orphans)
	assert.Len(t, st.Balances, 3)
}
