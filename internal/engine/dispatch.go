package engine

import (
	"context"
	"log/slog"

	"github.com/artpar/freighter/internal/core/invoice"
	"github.com/artpar/freighter/internal/core/service"
	"github.com/artpar/freighter/internal/shell/ship"
)

// dispatcher dispatches services on one ship and records every outcome in
// the bill of lading. Each service is dispatched at most once.
type dispatcher struct {
	ship    *ship.Ship
	graph   *service.Graph
	bill    *invoice.BillOfLading
	visited map[service.ID]struct{}
	logger  *slog.Logger

	// dependents cycles the services that depend on a dispatched service.
	dependents bool
	// tests runs the test container of services that define one.
	tests bool
	load  ship.LoadOptions
}

func newDispatcher(sh *ship.Ship, graph *service.Graph, bill *invoice.BillOfLading, logger *slog.Logger) *dispatcher {
	return &dispatcher{
		ship:    sh,
		graph:   graph,
		bill:    bill,
		visited: make(map[service.ID]struct{}),
		logger:  logger.With("host", sh.Address()),
		tests:   true,
	}
}

// dispatch dispatches svc and, unless attached, every service depending on
// it.
func (d *dispatcher) dispatch(ctx context.Context, svc *service.Service, attach bool) error {
	if err := d.dispatchService(ctx, svc, attach); err != nil {
		return err
	}
	if !d.dependents || attach {
		return nil
	}
	for _, id := range d.graph.Dependents(svc.ID) {
		if err := d.dispatch(ctx, d.graph.Service(id), false); err != nil {
			return err
		}
	}
	return nil
}

// dispatchService loads and starts svc. Dependencies with no containers on
// the host are dispatched first. A container that fails to come up is
// recorded as a failure and is not an error. Gateway errors, a failed test
// and a cancelled context are recorded and stop the run.
func (d *dispatcher) dispatchService(ctx context.Context, svc *service.Service, attach bool) error {
	if _, ok := d.visited[svc.ID]; ok {
		return nil
	}
	d.visited[svc.ID] = struct{}{}
	logger := d.logger.With("service", svc.Alias)

	for _, id := range d.graph.Dependencies(svc.ID) {
		dep := d.graph.Service(id)
		if dep.HasContainers() {
			continue
		}
		found, err := d.ship.ServiceContainers(ctx, dep)
		if err != nil {
			return NewDispatchError("dispatch", d.ship.Address(), dep.Alias, err)
		}
		if len(found) > 0 {
			continue
		}

		if err := d.dispatchService(ctx, dep, false); err != nil {
			return err
		}
		if d.dependents {
			for _, other := range d.graph.Dependents(dep.ID) {
				if other == svc.ID {
					continue
				}
				if err := d.dispatchService(ctx, d.graph.Service(other), false); err != nil {
					return err
				}
			}
		}
	}

	logger.Info("dispatching service")
	if !svc.HasContainers() {
		if err := d.ship.LoadContainers(ctx, d.graph, svc, d.load); err != nil {
			return d.abort(ctx, "load", svc, err)
		}
	}

	ok, err := d.ship.StartServiceContainers(ctx, svc, attach)
	if err != nil {
		return d.abort(ctx, "start", svc, err)
	}
	if !ok {
		logger.Error("failed while dispatching service")
		d.bill.Record(d.ship.Address(), svc.Name, false)
		return nil
	}

	if d.tests && svc.TestDockerfile != "" {
		passed, err := d.ship.TestService(ctx, d.graph, svc, d.load)
		if err != nil {
			return d.abort(ctx, "test", svc, err)
		}
		if !passed {
			d.bill.Record(d.ship.Address(), svc.Name, false)
			return &TestFailureError{Service: svc.Name, Host: d.ship.Address()}
		}
	}

	d.bill.Record(d.ship.Address(), svc.Name, true)
	return nil
}

// abort records svc as failed and returns the error that stops the run.
func (d *dispatcher) abort(ctx context.Context, op string, svc *service.Service, err error) error {
	d.bill.Record(d.ship.Address(), svc.Name, false)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return NewDispatchError(op, d.ship.Address(), svc.Alias, err)
}
