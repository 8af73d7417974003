// Package layer assembles the validation layer: one instance owns a handle
// registry, its dependency graph, the validator chain and the driver table
// it forwards to.
package layer

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fxnlabs/zesval/internal/config"
	"github.com/fxnlabs/zesval/internal/handle"
	"github.com/fxnlabs/zesval/internal/metrics"
	"github.com/fxnlabs/zesval/internal/sysman"
	"github.com/fxnlabs/zesval/internal/validation"
	"github.com/fxnlabs/zesval/internal/validation/leak"
	"github.com/fxnlabs/zesval/internal/validation/lifetime"
	"github.com/fxnlabs/zesval/internal/validation/params"
	"github.com/fxnlabs/zesval/internal/validation/threading"
)

var (
	ErrAlreadyInitialized = errors.New("validation layer already initialized")
	ErrClosed             = errors.New("validation layer is torn down")
)

type state uint8

const (
	stateCreated state = iota
	stateReady
	stateClosed
)

// Layer is one validation layer instance.
type Layer struct {
	id      string
	table   sysman.Table
	log     *zap.Logger
	metrics *metrics.Metrics

	registry   *handle.Registry
	graph      *handle.Graph
	leaks      *leak.Checker
	dispatcher *validation.Dispatcher

	// mu guards state. Calls hold it shared so Teardown waits for them.
	mu    sync.RWMutex
	state state
}

// New assembles a layer. Validators run in the order parameter, handle
// lifetime, threading, basic leak, each only when enabled in cfg.
func New(cfg config.Validation, table sysman.Table, log *zap.Logger, m *metrics.Metrics) *Layer {
	if log == nil {
		log = zap.NewNop()
	}
	id := uuid.NewString()
	log = log.Named("layer").With(zap.String("layer", id))

	reg := handle.NewRegistry()
	l := &Layer{
		id:       id,
		table:    table,
		log:      log,
		metrics:  m,
		registry: reg,
		graph:    handle.NewGraph(reg),
	}

	var chain []validation.Validator
	if cfg.ParameterValidation {
		chain = append(chain, params.New())
	}
	if cfg.HandleLifetime {
		chain = append(chain, lifetime.New(l.graph, log, m))
	}
	if cfg.ThreadingValidation {
		chain = append(chain, threading.New())
	}
	if cfg.BasicLeakChecker {
		l.leaks = leak.New()
		chain = append(chain, l.leaks)
	}
	l.dispatcher = validation.NewDispatcher(log, m, chain...)
	return l
}

// ID returns the instance id used in logs and reports.
func (l *Layer) ID() string { return l.id }

func (l *Layer) Registry() *handle.Registry { return l.registry }

func (l *Layer) Graph() *handle.Graph { return l.graph }

// Validators returns the chain in dispatch order.
func (l *Layer) Validators() []validation.Validator {
	return l.dispatcher.Validators()
}

// Init makes the layer accept calls. It may be called once.
func (l *Layer) Init() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case stateReady:
		return ErrAlreadyInitialized
	case stateClosed:
		return ErrClosed
	}
	l.state = stateReady

	names := make([]string, 0, len(l.dispatcher.Validators()))
	for _, v := range l.dispatcher.Validators() {
		names = append(names, v.Name())
	}
	l.log.Info("Validation layer initialized",
		zap.Strings("validators", names),
		zap.Int("entryPoints", len(l.table)))
	return nil
}

// Call builds a call for id and invokes it.
func (l *Layer) Call(id sysman.CallID, args ...sysman.Arg) sysman.Result {
	call, ok := sysman.NewCall(id, args...)
	if !ok {
		l.log.Warn("Call to an entry point without a signature", zap.Stringer("call", id))
		return sysman.ErrorUnsupportedFeature
	}
	return l.Invoke(call)
}

// Invoke runs call through the validator chain and the driver.
func (l *Layer) Invoke(call *sysman.Call) sysman.Result {
	return l.Dispatch(call).Result
}

// Dispatch is Invoke with the full dispatch report.
func (l *Layer) Dispatch(call *sysman.Call) validation.Report {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.state != stateReady {
		return validation.Report{Result: sysman.ErrorUninitialized}
	}
	if call == nil || call.Sig == nil {
		return validation.Report{Result: sysman.ErrorInvalidArgument}
	}
	fn, ok := l.table[call.Sig.ID]
	if !ok || fn == nil {
		l.log.Warn("Driver does not implement entry point", zap.String("call", call.Name()))
		return validation.Report{Result: sysman.ErrorUnsupportedFeature}
	}
	return l.dispatcher.Dispatch(call, fn)
}
