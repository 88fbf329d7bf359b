package ship

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/artpar/freighter/internal/core/service"
	"github.com/artpar/freighter/internal/shell/docker"
)

// Injector copies per-environment config files into service images. Files
// for a service live under {root}/{environment}/{data center}/{service}/ and
// land at the image root, keeping their relative paths.
type Injector struct {
	root        string
	environment string
	dataCenter  string
	logger      *slog.Logger
}

// NewInjector creates an injector reading from root.
func NewInjector(root, environment, dataCenter string, logger *slog.Logger) *Injector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Injector{
		root:        root,
		environment: environment,
		dataCenter:  dataCenter,
		logger:      logger.With("component", "injector"),
	}
}

// Source returns the config directory of a service.
func (i *Injector) Source(svc *service.Service) string {
	return filepath.Join(i.root, i.environment, i.dataCenter, svc.Name)
}

// Inject bakes the service's config files into its cargo. The files are
// copied into a container created from the cargo, which is then committed
// back onto the cargo reference. Services without a config directory are
// left alone.
func (i *Injector) Inject(ctx context.Context, client docker.Client, svc *service.Service) error {
	if svc.Cargo == nil {
		return fmt.Errorf("%w: %s", ErrNoCargo, svc.Alias)
	}

	src := i.Source(svc)
	fi, err := os.Stat(src)
	if errors.Is(err, fs.ErrNotExist) {
		i.logger.Debug("no configs to inject", "service", svc.Alias, "path", src)
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInjectionFailed, err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrInjectionFailed, src)
	}

	logger := i.logger.With("service", svc.Alias)
	logger.Info("injecting configs", "path", src)

	ref := svc.Cargo.Reference
	if ref == "" {
		ref = svc.ImageReference()
	}

	id, err := client.CreateContainer(ctx, docker.ContainerSpec{
		Name:  svc.Alias + "-intermediate-01",
		Image: svc.Cargo.ID,
	})
	if err != nil {
		return fmt.Errorf("%w: failed to create intermediate container: %v", ErrInjectionFailed, err)
	}
	defer func() {
		if err := client.RemoveContainer(context.WithoutCancel(ctx), id, docker.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil && !docker.IsNotFound(err) {
			logger.Warn("failed to delete intermediate container", "error", err)
		}
	}()

	archive, err := docker.TarDirectory(src)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInjectionFailed, err)
	}
	defer archive.Close()

	if err := client.CopyToContainer(ctx, id, "/", archive); err != nil {
		return fmt.Errorf("%w: failed to copy configs: %v", ErrInjectionFailed, err)
	}

	imageID, err := client.CommitContainer(ctx, id, docker.CommitOptions{Reference: ref})
	if err != nil {
		return fmt.Errorf("%w: failed to commit %s: %v", ErrInjectionFailed, ref, err)
	}

	svc.Cargo = &service.Cargo{ID: imageID, Reference: ref}
	logger.Info("configs injected", "image", ref)
	return nil
}
