package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/artpar/freighter/internal/core/invoice"
	"github.com/artpar/freighter/internal/core/manifest"
	"github.com/artpar/freighter/internal/shell/history"
	"github.com/artpar/freighter/internal/shell/queue"
	"github.com/artpar/freighter/internal/shell/ship"
)

// =============================================================================
// Options
// =============================================================================

// DeployOptions controls a deploy.
type DeployOptions struct {
	// Tag overrides the image tag of the target service.
	Tag string
	// Env is merged into the target service's environment.
	Env []string
}

// QualityControlOptions controls a quality control run.
type QualityControlOptions struct {
	Attach   bool
	Clean    bool
	Configs  bool
	NoTests  bool
	UseCache bool
	Env      []string
}

// ExportOptions controls an export.
type ExportOptions struct {
	Clean        bool
	Configs      bool
	NoTests      bool
	UseCache     bool
	NoValidation bool
}

// TestOptions controls a test run.
type TestOptions struct {
	Configs bool
}

// hostFunc runs one step of an action on one ship.
type hostFunc func(ctx context.Context, sh *ship.Ship, bill *invoice.BillOfLading) error

// hostAction is what an action does on each host. dispatch loads, starts or
// tests services and records their outcomes; finish is the follow-up step
// (offloading, pushing) and may be nil. Whether finish runs on a host with
// failures is decided by the action's failure policy.
type hostAction struct {
	dispatch hostFunc
	finish   hostFunc
}

// =============================================================================
// Actions
// =============================================================================

// DeployContainers deploys the target service and cycles its dependents on
// every host of the fleet. A host with failures is rolled back; a clean
// host has its previous containers and expired cargo offloaded.
func (f *Forwarder) DeployContainers(ctx context.Context, inv *invoice.Invoice, opts DeployOptions) (bool, error) {
	if err := expect(inv, manifest.ActionDeploy); err != nil {
		return false, err
	}
	target := inv.TargetService()
	if opts.Tag != "" {
		target.Tag = opts.Tag
	}
	target.Config.EnvVars = append(target.Config.EnvVars, opts.Env...)
	if target.Config.IsDetached() {
		target.Config.RestartPolicy = &manifest.RestartPolicy{Name: "always"}
	}

	return f.run(ctx, inv, hostAction{
		dispatch: func(ctx context.Context, sh *ship.Ship, bill *invoice.BillOfLading) error {
			d := newDispatcher(sh, inv.Services, bill, f.logger)
			d.dependents = true
			d.load = ship.LoadOptions{Registry: f.registries(inv)}
			return d.dispatch(ctx, target, false)
		},
		finish: func(ctx context.Context, sh *ship.Ship, bill *invoice.BillOfLading) error {
			if err := sh.OffloadPreviousContainers(ctx, inv.Services, target); err != nil {
				return err
			}
			return sh.OffloadExpiredCargo(ctx, inv.Services, target)
		},
	})
}

// QualityControl builds and runs the target service with its dependencies
// and dependents so it can be exercised locally. Attached runs skip the
// dependents.
func (f *Forwarder) QualityControl(ctx context.Context, inv *invoice.Invoice, opts QualityControlOptions) (bool, error) {
	if err := expect(inv, manifest.ActionQualityControl); err != nil {
		return false, err
	}
	target := inv.TargetService()
	target.Config.EnvVars = append(target.Config.EnvVars, opts.Env...)

	return f.run(ctx, inv, hostAction{
		dispatch: func(ctx context.Context, sh *ship.Ship, bill *invoice.BillOfLading) error {
			d := newDispatcher(sh, inv.Services, bill, f.logger)
			d.dependents = !opts.Attach
			d.tests = !opts.NoTests
			d.load = ship.LoadOptions{
				Registry: f.registries(inv),
				Tags:     inv.Tags,
				UseCache: opts.UseCache,
				Inject:   opts.Configs,
			}
			return d.dispatch(ctx, target, opts.Attach)
		},
		finish: func(ctx context.Context, sh *ship.Ship, bill *invoice.BillOfLading) error {
			if opts.Clean {
				if err := sh.OffloadAllServiceContainers(ctx, inv.Services, target); err != nil {
					return err
				}
				return sh.OffloadAllServiceCargo(ctx, inv.Services, target)
			}
			if err := sh.OffloadPreviousContainers(ctx, inv.Services, target); err != nil {
				return err
			}
			return sh.OffloadExpiredCargo(ctx, inv.Services, target)
		},
	})
}

// Export builds and validates the target service on the export host, then
// pushes its image to the service's destination registry under every
// invoice tag. Nothing is pushed when the service failed validation.
func (f *Forwarder) Export(ctx context.Context, inv *invoice.Invoice, opts ExportOptions) (bool, error) {
	if err := expect(inv, manifest.ActionExport); err != nil {
		return false, err
	}
	if !opts.NoValidation {
		if err := f.cfg.WorkTree(ctx, f.cfg.ManifestDir); err != nil {
			return false, err
		}
	}
	target := inv.TargetService()
	registries := f.registries(inv)
	load := ship.LoadOptions{
		Registry: registries,
		Tags:     inv.Tags,
		UseCache: opts.UseCache,
		Inject:   opts.Configs,
	}

	return f.run(ctx, inv, hostAction{
		dispatch: func(ctx context.Context, sh *ship.Ship, bill *invoice.BillOfLading) error {
			if err := sh.OffloadAllServiceContainers(ctx, inv.Services, target); err != nil {
				return err
			}
			if opts.NoValidation {
				f.logger.Warn("exporting without validation", "service", target.Alias)
				if err := sh.LoadCargo(ctx, target, load); err != nil {
					return err
				}
				bill.Record(sh.Address(), target.Name, true)
				return nil
			}
			d := newDispatcher(sh, inv.Services, bill, f.logger)
			d.tests = !opts.NoTests
			d.load = load
			return d.dispatch(ctx, target, false)
		},
		finish: func(ctx context.Context, sh *ship.Ship, bill *invoice.BillOfLading) error {
			if !bill.VerifyForExport(sh.Address(), target.Name) {
				return fmt.Errorf("%s was not verified on %s", target.Alias, sh.Address())
			}
			reg, err := registries(ctx, target.DestinationRegistry)
			if err != nil {
				return err
			}
			if err := sh.Export(ctx, target, reg, inv.Tags); err != nil {
				return err
			}

			if err := sh.OffloadAllServiceContainers(ctx, inv.Services, target); err != nil {
				return err
			}
			if opts.Clean {
				return sh.OffloadAllServiceCargo(ctx, inv.Services, target)
			}
			return sh.OffloadExpiredCargo(ctx, inv.Services, target)
		},
	})
}

// Test builds the target service's test image and runs it on every host. A
// failed test aborts the run.
func (f *Forwarder) Test(ctx context.Context, inv *invoice.Invoice, opts TestOptions) (bool, error) {
	if err := expect(inv, manifest.ActionTest); err != nil {
		return false, err
	}
	target := inv.TargetService()

	return f.run(ctx, inv, hostAction{
		dispatch: func(ctx context.Context, sh *ship.Ship, bill *invoice.BillOfLading) error {
			passed, err := sh.TestService(ctx, inv.Services, target, ship.LoadOptions{
				Registry: f.registries(inv),
				Inject:   opts.Configs,
			})
			if err != nil {
				return err
			}
			bill.Record(sh.Address(), target.Name, passed)
			if !passed {
				return &TestFailureError{Service: target.Name, Host: sh.Address()}
			}
			return nil
		},
		finish: func(ctx context.Context, sh *ship.Ship, bill *invoice.BillOfLading) error {
			return sh.OffloadExpiredCargo(ctx, inv.Services, target)
		},
	})
}

// Offload deletes every container and image of the target service and
// everything connected to it.
func (f *Forwarder) Offload(ctx context.Context, inv *invoice.Invoice) (bool, error) {
	if err := expect(inv, manifest.ActionOffload); err != nil {
		return false, err
	}
	target := inv.TargetService()

	return f.run(ctx, inv, hostAction{
		dispatch: func(ctx context.Context, sh *ship.Ship, bill *invoice.BillOfLading) error {
			f.logger.Info("offloading service", "service", target.Alias, "host", sh.Address())
			if err := sh.OffloadAllServiceContainers(ctx, inv.Services, target); err != nil {
				return err
			}
			if err := sh.OffloadAllServiceCargo(ctx, inv.Services, target); err != nil {
				return err
			}
			bill.Record(sh.Address(), target.Name, true)
			return nil
		},
	})
}

// =============================================================================
// Fleet Loop
// =============================================================================

// run resolves the fleet and runs action on each host in address order,
// waiting for the host's dispatch queue first. The run stops at the first
// error.
func (f *Forwarder) run(ctx context.Context, inv *invoice.Invoice, action hostAction) (bool, error) {
	fleet, err := f.Fleet(ctx, inv)
	if err != nil {
		return false, err
	}
	defer closeFleet(fleet)

	f.logger.Info("running "+string(inv.Action), "service", inv.TargetService().Alias, "hosts", len(fleet))

	bill := invoice.NewBillOfLading()
	run := f.startRun(ctx, inv)

	var runErr error
	for _, addr := range sortedAddresses(fleet) {
		if runErr = f.onHost(ctx, inv, fleet[addr], bill, action); runErr != nil {
			break
		}
	}

	f.finishRun(ctx, run, bill, runErr)
	return runErr == nil && !bill.Failed(), runErr
}

func (f *Forwarder) onHost(ctx context.Context, inv *invoice.Invoice, sh *ship.Ship, bill *invoice.BillOfLading, action hostAction) error {
	addr := sh.Address()
	logger := f.logger.With("host", addr)

	for _, svc := range inv.Services.Services() {
		svc.Reset()
	}

	if err := f.cfg.Queue.Enqueue(queue.State{
		Environment: inv.Environment,
		DataCenter:  inv.DataCenter,
		Host:        addr,
		Action:      string(inv.Action),
	}); err != nil {
		return err
	}
	defer func() {
		if err := f.cfg.Queue.Release(addr); err != nil {
			logger.Warn("failed to delete state file", "error", err)
		}
	}()

	if err := f.cfg.Queue.WaitTurn(ctx, addr); err != nil {
		return err
	}
	defer func() {
		if err := sh.CleanUpDanglingImages(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("failed to clean up dangling images", "error", err)
		}
	}()

	if err := sh.Report(ctx); err != nil {
		logger.Warn("failed to report host", "error", err)
	}

	target := inv.TargetService()
	logger.Info("dispatching", "service", target.Alias)
	if err := action.dispatch(ctx, sh, bill); err != nil {
		return f.hostError(inv, addr, err)
	}

	next := action.finish
	if failed := bill.FailedOn(addr); len(failed) > 0 {
		switch policy := invoice.FailurePolicy(inv.Action); policy {
		case invoice.Rollback:
			logger.Warn("rolling back", "service", target.Alias, "failed", failed)
			next = func(ctx context.Context, sh *ship.Ship, _ *invoice.BillOfLading) error {
				return sh.RecallService(ctx, inv.Services, target)
			}
		case invoice.Abort:
			logger.Error("dispatch failed, skipping follow-up", "service", target.Alias, "failed", failed)
			next = nil
		default:
			logger.Warn("dispatch failed, continuing", "service", target.Alias, "failed", failed, "policy", policy.String())
		}
	}
	if next == nil {
		return nil
	}
	if err := next(ctx, sh, bill); err != nil {
		return f.hostError(inv, addr, err)
	}
	return nil
}

// hostError wraps err in a DispatchError unless it already carries one.
func (f *Forwarder) hostError(inv *invoice.Invoice, addr string, err error) error {
	var dErr *DispatchError
	var tErr *TestFailureError
	if errors.As(err, &dErr) || errors.As(err, &tErr) {
		return err
	}
	return NewDispatchError(string(inv.Action), addr, inv.TargetService().Alias, err)
}

// =============================================================================
// History
// =============================================================================

func (f *Forwarder) startRun(ctx context.Context, inv *invoice.Invoice) *history.Run {
	if f.cfg.History == nil {
		return nil
	}
	run := history.NewRun(inv, f.cfg.Now())
	if err := f.cfg.History.StartRun(ctx, run); err != nil {
		f.logger.Warn("failed to record run", "error", err)
		return nil
	}
	return run
}

func (f *Forwarder) finishRun(ctx context.Context, run *history.Run, bill *invoice.BillOfLading, runErr error) {
	if run == nil {
		return
	}
	if err := f.cfg.History.FinishRun(context.WithoutCancel(ctx), run.ID, bill, runErr, f.cfg.Now()); err != nil {
		f.logger.Warn("failed to record run outcome", "run", run.ID, "error", err)
	}
}

// =============================================================================
// Helpers
// =============================================================================

func expect(inv *invoice.Invoice, action manifest.Action) error {
	if inv.Action != action {
		return fmt.Errorf("invoice was created for %s, not %s", inv.Action, action)
	}
	return nil
}
