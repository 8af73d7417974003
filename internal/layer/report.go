package layer

import (
	"go.uber.org/zap"

	"github.com/fxnlabs/zesval/internal/handle"
	"github.com/fxnlabs/zesval/internal/sysman"
	"github.com/fxnlabs/zesval/internal/validation"
	"github.com/fxnlabs/zesval/internal/validation/leak"
)

// Report is the state of a layer at teardown.
type Report struct {
	Layer       string `json:"layer"`
	LiveHandles int    `json:"liveHandles"`
	// Suspects holds a HandleLeakSuspected outcome for every created object
	// that was never destroyed, every live handle no live root reaches and
	// every object family with more creates than destroys and no live object
	// already reported.
	Suspects []validation.Outcome `json:"suspects"`
	Balances []leak.Balance       `json:"balances,omitempty"`
}

// Clean reports whether teardown found no leak suspects.
func (r Report) Clean() bool {
	return len(r.Suspects) == 0
}

// Teardown stops the layer, reports leak suspects and drops all tracked
// state. Calls made afterwards return ErrorUninitialized. A second Teardown
// returns an empty report.
func (l *Layer) Teardown() Report {
	l.mu.Lock()
	defer l.mu.Unlock()
	rep := Report{Layer: l.id}
	if l.state == stateClosed {
		return rep
	}
	l.state = stateClosed

	created := make(map[handle.Type]bool)
	for _, typ := range sysman.CreatedTypes() {
		created[typ] = true
	}
	live := l.registry.Live()
	rep.LiveHandles = len(live)
	// Families with a live object already reported are not reported again
	// from the create/destroy balance.
	reported := make(map[handle.Type]bool)
	for _, info := range live {
		if created[info.Type] {
			reported[info.Type] = true
			rep.Suspects = append(rep.Suspects, validation.Fail(validation.HandleLeakSuspected, "", info.Handle,
				"%s was never destroyed", info.Type))
		}
	}
	for _, h := range l.graph.Orphans() {
		info, _ := l.registry.Lookup(h)
		if created[info.Type] {
			continue
		}
		rep.Suspects = append(rep.Suspects, validation.Fail(validation.HandleLeakSuspected, "", h,
			"live %s handle is not reachable from any driver", info.Type))
	}
	if l.leaks != nil {
		rep.Balances = l.leaks.Balances()
		for _, s := range l.leaks.Report() {
			if typ, ok := sysman.FamilyType(s.Param); ok && reported[typ] {
				continue
			}
			rep.Suspects = append(rep.Suspects, s)
		}
	}

	for _, s := range rep.Suspects {
		l.log.Warn("Handle leak suspected",
			zap.Stringer("handle", s.Handle),
			zap.String("family", s.Param),
			zap.String("detail", s.Detail))
	}
	l.metrics.SetLeakSuspects(len(rep.Suspects))
	l.metrics.ObserveHandles(0, 0, 0)
	l.graph.Reset()
	l.log.Info("Validation layer torn down",
		zap.Int("liveHandles", rep.LiveHandles),
		zap.Int("suspects", len(rep.Suspects)))
	return rep
}

// Status is a point in time view of a running layer.
type Status struct {
	Layer       string         `json:"layer"`
	Validators  []string       `json:"validators"`
	LiveHandles int            `json:"liveHandles"`
	Orphans     int            `json:"orphans"`
	Balances    []leak.Balance `json:"balances,omitempty"`
}

// Status reports the tracked handle population without stopping the layer.
func (l *Layer) Status() Status {
	st := Status{
		Layer:       l.id,
		LiveHandles: l.registry.LiveCount(),
		Orphans:     len(l.graph.Orphans()),
	}
	for _, v := range l.dispatcher.Validators() {
		st.Validators = append(st.Validators, v.Name())
	}
	if l.leaks != nil {
		st.Balances = l.leaks.Balances()
	}
	return st
}
