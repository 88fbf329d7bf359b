package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/artpar/freighter/internal/core/invoice"
	"github.com/artpar/freighter/internal/core/manifest"
	"github.com/artpar/freighter/internal/core/service"
	"github.com/artpar/freighter/internal/shell/docker"
	"github.com/artpar/freighter/internal/shell/history"
	"github.com/artpar/freighter/internal/shell/queue"
	"github.com/artpar/freighter/internal/shell/registry"
	"github.com/artpar/freighter/internal/shell/ship"
)

// RegistryConnector creates the registry client for a manifest registry.
type RegistryConnector func(ctx context.Context, reg manifest.Registry) (ship.Registry, error)

// WorkTreeChecker returns an error when the git working tree at dir is not
// clean.
type WorkTreeChecker func(ctx context.Context, dir string) error

// Config holds forwarder configuration.
type Config struct {
	Manifest *manifest.Manifest
	// ManifestDir is the directory the manifest was loaded from. Export
	// validation checks its git working tree.
	ManifestDir string

	Pool  *docker.Pool
	Queue *queue.Queue
	// History records every run when set.
	History history.Store

	Ship     ship.Config
	Registry registry.Config
	// InjectorPath enables config injection from this directory.
	InjectorPath string

	Registries RegistryConnector // Default: registry.New
	WorkTree   WorkTreeChecker   // Default: git status --porcelain

	Version string
	GitSHA  string
	Now     func() time.Time
	Logger  *slog.Logger
}

// Forwarder runs freighter actions for one manifest.
type Forwarder struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a forwarder.
func New(cfg Config) (*Forwarder, error) {
	if cfg.Manifest == nil {
		return nil, fmt.Errorf("a manifest is required")
	}
	if cfg.Pool == nil {
		return nil, fmt.Errorf("a docker pool is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("a dispatch queue is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ManifestDir == "" {
		cfg.ManifestDir = "."
	}
	if cfg.Registries == nil {
		regCfg := cfg.Registry
		if regCfg.Logger == nil {
			regCfg.Logger = cfg.Logger
		}
		cfg.Registries = func(ctx context.Context, reg manifest.Registry) (ship.Registry, error) {
			c, err := registry.New(ctx, reg, regCfg)
			if err != nil {
				return nil, err
			}
			return c, nil
		}
	}
	if cfg.WorkTree == nil {
		cfg.WorkTree = GitWorkTreeClean
	}

	return &Forwarder{
		cfg:    cfg,
		logger: cfg.Logger.With("team", cfg.Manifest.Team, "project", cfg.Manifest.Project),
	}, nil
}

// CommercialInvoice builds the invoice for req.
func (f *Forwarder) CommercialInvoice(_ context.Context, req invoice.Request) (*invoice.Invoice, error) {
	if req.Version == "" {
		req.Version = f.cfg.Version
	}
	if req.GitSHA == "" {
		req.GitSHA = f.cfg.GitSHA
	}
	inv, err := invoice.New(f.cfg.Manifest, req, f.cfg.Now())
	if err != nil {
		return nil, err
	}
	f.logger.Debug("commercial invoice created",
		"action", inv.Action,
		"environment", inv.Environment,
		"data_center", inv.DataCenter,
		"service", inv.TargetService().Name,
		"tags", inv.Tags,
	)
	return inv, nil
}

// =============================================================================
// Fleet Resolution
// =============================================================================

// Fleet returns a healthy ship for every host the invoice ships to, keyed by
// address. Hosts are probed concurrently; one unreachable host fails the
// whole fleet. The caller closes the ships.
func (f *Forwarder) Fleet(ctx context.Context, inv *invoice.Invoice) (map[string]*ship.Ship, error) {
	hosts, err := inv.Fleet()
	if err != nil {
		return nil, err
	}
	if inv.Action == manifest.ActionExport && len(hosts) > 1 {
		return nil, fmt.Errorf("%w: %d hosts resolved", ErrMultiHostExport, len(hosts))
	}

	shipCfg := f.cfg.Ship
	if shipCfg.Logger == nil {
		shipCfg.Logger = f.logger
	}
	if f.cfg.InjectorPath != "" {
		shipCfg.Injector = ship.NewInjector(f.cfg.InjectorPath, inv.Environment, inv.DataCenter, f.logger)
	}

	var mu sync.Mutex
	fleet := make(map[string]*ship.Ship, len(hosts))

	g, gctx := errgroup.WithContext(ctx)
	for _, h := range hosts {
		g.Go(func() error {
			client, err := f.cfg.Pool.Get(gctx, docker.Endpoint{
				Address:      h.Address,
				CertPath:     h.SSLCertPath,
				Verify:       h.VerifyTLS(),
				IdentityFile: h.IdentityFile,
			})
			if err != nil {
				return fmt.Errorf("%w: %s: %v", ErrHostUnreachable, h.Address, err)
			}

			sh := ship.New(h.Address, client, shipCfg)
			if err := sh.Healthy(gctx); err != nil {
				sh.Close()
				if rmErr := f.cfg.Pool.Remove(h.Address); rmErr != nil {
					f.logger.Warn("failed to close client", "host", h.Address, "error", rmErr)
				}
				return fmt.Errorf("%w: %v", ErrHostUnreachable, err)
			}

			mu.Lock()
			defer mu.Unlock()
			if prev, ok := fleet[h.Address]; ok {
				prev.Close()
			}
			fleet[h.Address] = sh
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		closeFleet(fleet)
		return nil, err
	}
	return fleet, nil
}

func closeFleet(fleet map[string]*ship.Ship) {
	for _, sh := range fleet {
		sh.Close()
	}
}

func sortedAddresses(fleet map[string]*ship.Ship) []string {
	out := make([]string, 0, len(fleet))
	for addr := range fleet {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

// registries resolves registry aliases of inv, connecting to each registry
// at most once.
func (f *Forwarder) registries(inv *invoice.Invoice) ship.RegistryFunc {
	var mu sync.Mutex
	cache := make(map[string]ship.Registry)

	return func(ctx context.Context, alias string) (ship.Registry, error) {
		mu.Lock()
		defer mu.Unlock()

		if r, ok := cache[alias]; ok {
			return r, nil
		}
		reg, ok := inv.Registries[alias]
		if !ok {
			return nil, fmt.Errorf("%w: %q", manifest.ErrUnknownRegistry, alias)
		}

		var r ship.Registry = dockerHub{}
		if alias != service.DockerHub || reg.Address != invoice.DockerHubAddress || reg.Auth != nil {
			var err error
			if r, err = f.cfg.Registries(ctx, reg); err != nil {
				return nil, err
			}
		}
		cache[alias] = r
		return r, nil
	}
}

// dockerHub pulls anonymously from docker hub without probing it.
type dockerHub struct{}

func (dockerHub) Location() string               { return "index.docker.io" }
func (dockerHub) AuthConfig() *docker.AuthConfig { return nil }
