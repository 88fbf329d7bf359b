package docker

import (
	"archive/tar"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/mattn/go-isatty"
)

// =============================================================================
// Docker Client Implementation
// =============================================================================

// DockerClient implements the Client interface using the Docker SDK.
type DockerClient struct {
	cli    *client.Client
	addr   string
	out    io.Writer
	logger *slog.Logger
	closer func() error
}

// Ping checks if Docker daemon is reachable.
func (d *DockerClient) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return NewDockerError("Ping", "", d.addr, fmt.Sprintf("failed to ping docker: %v", err), ErrConnectionFailed)
	}
	return nil
}

// Version returns the server version of the Docker Engine.
func (d *DockerClient) Version(ctx context.Context) (*Version, error) {
	v, err := d.cli.ServerVersion(ctx)
	if err != nil {
		return nil, NewDockerError("Version", "", d.addr, err.Error(), ErrConnectionFailed)
	}
	return &Version{
		Version:       v.Version,
		APIVersion:    v.APIVersion,
		GoVersion:     v.GoVersion,
		Os:            v.Os,
		Arch:          v.Arch,
		KernelVersion: v.KernelVersion,
	}, nil
}

// Close closes the Docker client connection and any tunnel beneath it.
func (d *DockerClient) Close() error {
	err := d.cli.Close()
	if d.closer != nil {
		err = errors.Join(err, d.closer())
	}
	return err
}

// =============================================================================
// Container Operations
// =============================================================================

// CreateContainer creates a new container from the given spec.
func (d *DockerClient) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	config, hostConfig := toContainerConfig(spec)

	resp, err := d.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, spec.Name)
	if err != nil {
		if strings.Contains(err.Error(), "port is already allocated") {
			return "", NewDockerError("CreateContainer", "container", spec.Name, err.Error(), ErrPortAlreadyAllocated)
		}
		return "", NewDockerError("CreateContainer", "container", spec.Name, err.Error(), classify("container", err))
	}
	for _, w := range resp.Warnings {
		d.logger.Warn("docker warning", "container", spec.Name, "warning", w)
	}

	return resp.ID, nil
}

func toContainerConfig(spec ContainerSpec) (*container.Config, *container.HostConfig) {
	config := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Cmd,
		Entrypoint:   spec.Entrypoint,
		Env:          spec.Env,
		Labels:       spec.Labels,
		WorkingDir:   spec.WorkingDir,
		User:         spec.User,
		Hostname:     spec.Hostname,
		Domainname:   spec.Domainname,
		ExposedPorts: spec.ExposedPorts,
		Volumes:      spec.Volumes,
		Tty:          spec.Tty,
		OpenStdin:    spec.OpenStdin,
		AttachStdout: spec.AttachStdout,
		AttachStderr: spec.AttachStderr,
	}

	hostConfig := &container.HostConfig{
		Binds:           spec.Binds,
		Links:           spec.Links,
		VolumesFrom:     spec.VolumesFrom,
		PortBindings:    spec.PortBindings,
		PublishAllPorts: spec.PublishAllPorts,
		Privileged:      spec.Privileged,
		ReadonlyRootfs:  spec.ReadonlyRootfs,
		NetworkMode:     container.NetworkMode(spec.NetworkMode),
		CapAdd:          spec.CapAdd,
		CapDrop:         spec.CapDrop,
		DNS:             spec.DNS,
		DNSSearch:       spec.DNSSearch,
		ExtraHosts:      spec.ExtraHosts,
		SecurityOpt:     spec.SecurityOpt,
		Resources: container.Resources{
			Memory:     spec.Memory,
			MemorySwap: spec.MemorySwap,
			CPUShares:  spec.CPUShares,
		},
	}

	if spec.RestartPolicy.Name != "" {
		hostConfig.RestartPolicy = container.RestartPolicy{
			Name:              container.RestartPolicyMode(spec.RestartPolicy.Name),
			MaximumRetryCount: spec.RestartPolicy.MaximumRetryCount,
		}
	}
	if spec.LogConfig != nil {
		hostConfig.LogConfig = container.LogConfig{Type: spec.LogConfig.Type, Config: spec.LogConfig.Config}
	}

	return config, hostConfig
}

// StartContainer starts a stopped container.
func (d *DockerClient) StartContainer(ctx context.Context, containerID string) error {
	if err := d.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return NewDockerError("StartContainer", "container", containerID, err.Error(), classify("container", err))
	}
	return nil
}

// StopContainer stops a running container.
func (d *DockerClient) StopContainer(ctx context.Context, containerID string, timeout *time.Duration) error {
	stopOptions := container.StopOptions{}
	if timeout != nil {
		seconds := int(timeout.Seconds())
		stopOptions.Timeout = &seconds
	}

	if err := d.cli.ContainerStop(ctx, containerID, stopOptions); err != nil {
		return NewDockerError("StopContainer", "container", containerID, err.Error(), classify("container", err))
	}
	return nil
}

// RemoveContainer removes a container.
func (d *DockerClient) RemoveContainer(ctx context.Context, containerID string, opts RemoveOptions) error {
	err := d.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         opts.Force,
		RemoveVolumes: opts.RemoveVolumes,
	})
	if err != nil {
		return NewDockerError("RemoveContainer", "container", containerID, err.Error(), classify("container", err))
	}
	return nil
}

// InspectContainer returns detailed information about a container.
func (d *DockerClient) InspectContainer(ctx context.Context, containerID string) (*ContainerInfo, error) {
	resp, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, NewDockerError("InspectContainer", "container", containerID, err.Error(), classify("container", err))
	}

	info := &ContainerInfo{
		ID:    resp.ID,
		Name:  strings.TrimPrefix(resp.Name, "/"),
		Image: resp.Image,
	}
	info.CreatedAt, _ = time.Parse(time.RFC3339Nano, resp.Created)
	if resp.State != nil {
		info.State = string(resp.State.Status)
		info.Running = resp.State.Running
		info.ExitCode = resp.State.ExitCode
	}
	if resp.HostConfig != nil {
		info.LogDriver = resp.HostConfig.LogConfig.Type
	}
	if resp.Config != nil {
		info.Cmd = resp.Config.Cmd
		info.Labels = resp.Config.Labels
	}
	return info, nil
}

// ListContainers returns a list of containers matching the given options.
func (d *DockerClient) ListContainers(ctx context.Context, opts ListOptions) ([]ContainerInfo, error) {
	listOpts := container.ListOptions{All: opts.All}
	if len(opts.Filters) > 0 {
		f := filters.NewArgs()
		for k, v := range opts.Filters {
			f.Add(k, v)
		}
		listOpts.Filters = f
	}

	containers, err := d.cli.ContainerList(ctx, listOpts)
	if err != nil {
		return nil, NewDockerError("ListContainers", "container", "", err.Error(), err)
	}

	result := make([]ContainerInfo, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		result = append(result, ContainerInfo{
			ID:        c.ID,
			Name:      name,
			Image:     c.Image,
			State:     string(c.State),
			Running:   string(c.State) == "running",
			Labels:    c.Labels,
			CreatedAt: time.Unix(c.Created, 0),
		})
	}

	return result, nil
}

// ContainerLogs returns the multiplexed log stream of a container. Use
// stdcopy to separate stdout and stderr.
func (d *DockerClient) ContainerLogs(ctx context.Context, containerID string, opts LogOptions) (io.ReadCloser, error) {
	reader, err := d.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     opts.Follow,
		Tail:       opts.Tail,
	})
	if err != nil {
		return nil, NewDockerError("ContainerLogs", "container", containerID, err.Error(), classify("container", err))
	}
	return reader, nil
}

// AttachContainer attaches to the output streams of a container. The
// returned stream is multiplexed unless the container has a TTY.
func (d *DockerClient) AttachContainer(ctx context.Context, containerID string) (io.ReadCloser, error) {
	resp, err := d.cli.ContainerAttach(ctx, containerID, container.AttachOptions{
		Stream: true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, NewDockerError("AttachContainer", "container", containerID, err.Error(), classify("container", err))
	}
	return hijackedStream{reader: resp.Reader, close: resp.Close}, nil
}

// WaitContainer blocks until the container stops and returns its exit code.
func (d *DockerClient) WaitContainer(ctx context.Context, containerID string) (int, error) {
	statusCh, errCh := d.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return -1, NewDockerError("WaitContainer", "container", containerID, err.Error(), classify("container", err))
	case status := <-statusCh:
		if status.Error != nil {
			return int(status.StatusCode), NewDockerError("WaitContainer", "container", containerID, status.Error.Message, nil)
		}
		return int(status.StatusCode), nil
	}
}

// CommitContainer creates an image from a container.
func (d *DockerClient) CommitContainer(ctx context.Context, containerID string, opts CommitOptions) (string, error) {
	commitOpts := container.CommitOptions{Reference: opts.Reference}
	if len(opts.Cmd) > 0 || len(opts.Entrypoint) > 0 || len(opts.Labels) > 0 {
		commitOpts.Config = &container.Config{
			Cmd:        opts.Cmd,
			Entrypoint: opts.Entrypoint,
			Labels:     opts.Labels,
		}
	}

	resp, err := d.cli.ContainerCommit(ctx, containerID, commitOpts)
	if err != nil {
		return "", NewDockerError("CommitContainer", "container", containerID, err.Error(), classify("container", err))
	}
	return resp.ID, nil
}

// CopyToContainer extracts a tar archive into path inside the container.
func (d *DockerClient) CopyToContainer(ctx context.Context, containerID, path string, content io.Reader) error {
	if err := d.cli.CopyToContainer(ctx, containerID, path, content, container.CopyToContainerOptions{}); err != nil {
		return NewDockerError("CopyToContainer", "container", containerID, err.Error(), classify("container", err))
	}
	return nil
}

// =============================================================================
// Image Operations
// =============================================================================

// PullImage pulls an image from the registry, rendering progress to the
// client's output.
func (d *DockerClient) PullImage(ctx context.Context, ref string, auth *AuthConfig) error {
	encoded, err := encodeAuth(auth)
	if err != nil {
		return NewDockerError("PullImage", "image", ref, err.Error(), err)
	}

	reader, err := d.cli.ImagePull(ctx, ref, image.PullOptions{RegistryAuth: encoded})
	if err != nil {
		if errors.Is(classify("image", err), ErrImageNotFound) {
			return NewDockerError("PullImage", "image", ref, "image not found", ErrImageNotFound)
		}
		return NewDockerError("PullImage", "image", ref, err.Error(), ErrImagePullFailed)
	}
	defer reader.Close()

	if err := d.display(reader, nil); err != nil {
		return NewDockerError("PullImage", "image", ref, err.Error(), err)
	}
	return nil
}

// BuildImage builds an image from opts.ContextDir and returns its ID.
func (d *DockerClient) BuildImage(ctx context.Context, opts BuildOptions) (string, error) {
	buildContext, err := TarDirectory(opts.ContextDir)
	if err != nil {
		return "", NewDockerError("BuildImage", "image", opts.ContextDir, err.Error(), ErrBuildFailed)
	}
	defer buildContext.Close()

	dockerfile := opts.Dockerfile
	if dockerfile == "" {
		dockerfile = "Dockerfile"
	}

	resp, err := d.cli.ImageBuild(ctx, buildContext, build.ImageBuildOptions{
		Tags:        opts.Tags,
		Dockerfile:  filepath.ToSlash(dockerfile),
		Labels:      opts.Labels,
		NoCache:     opts.NoCache,
		Remove:      true,
		ForceRemove: true,
		PullParent:  !opts.NoCache,
	})
	if err != nil {
		return "", NewDockerError("BuildImage", "image", strings.Join(opts.Tags, ","), err.Error(), ErrBuildFailed)
	}
	defer resp.Body.Close()

	var imageID string
	err = d.display(resp.Body, func(msg jsonmessage.JSONMessage) {
		var aux struct {
			ID string `json:"ID"`
		}
		if msg.Aux != nil && json.Unmarshal(*msg.Aux, &aux) == nil && aux.ID != "" {
			imageID = aux.ID
		}
	})
	if err != nil {
		return "", NewDockerError("BuildImage", "image", strings.Join(opts.Tags, ","), err.Error(), errors.Join(ErrBuildFailed, err))
	}

	if imageID == "" && len(opts.Tags) > 0 {
		info, err := d.InspectImage(ctx, opts.Tags[0])
		if err != nil {
			return "", err
		}
		imageID = info.ID
	}
	return imageID, nil
}

// PushImage pushes ref to its registry.
func (d *DockerClient) PushImage(ctx context.Context, ref string, auth *AuthConfig) error {
	encoded, err := encodeAuth(auth)
	if err != nil {
		return NewDockerError("PushImage", "image", ref, err.Error(), err)
	}
	if encoded == "" {
		// The engine rejects pushes without an auth header.
		encoded = "e30="
	}

	reader, err := d.cli.ImagePush(ctx, ref, image.PushOptions{RegistryAuth: encoded})
	if err != nil {
		return NewDockerError("PushImage", "image", ref, err.Error(), errors.Join(ErrPushFailed, classify("image", err)))
	}
	defer reader.Close()

	if err := d.display(reader, nil); err != nil {
		return NewDockerError("PushImage", "image", ref, err.Error(), errors.Join(ErrPushFailed, err))
	}
	return nil
}

// TagImage tags source as target.
func (d *DockerClient) TagImage(ctx context.Context, source, target string) error {
	if err := d.cli.ImageTag(ctx, source, target); err != nil {
		return NewDockerError("TagImage", "image", source, err.Error(), classify("image", err))
	}
	return nil
}

// InspectImage returns information about a local image.
func (d *DockerClient) InspectImage(ctx context.Context, ref string) (*ImageInfo, error) {
	resp, err := d.cli.ImageInspect(ctx, ref)
	if err != nil {
		return nil, NewDockerError("InspectImage", "image", ref, err.Error(), classify("image", err))
	}
	info := &ImageInfo{ID: resp.ID, RepoTags: resp.RepoTags}
	info.CreatedAt, _ = time.Parse(time.RFC3339Nano, resp.Created)
	return info, nil
}

// ListImages lists local images, optionally restricted to a reference or to
// dangling images.
func (d *DockerClient) ListImages(ctx context.Context, opts ImageListOptions) ([]ImageInfo, error) {
	f := filters.NewArgs()
	if opts.Reference != "" {
		f.Add("reference", opts.Reference)
	}
	if opts.Dangling {
		f.Add("dangling", "true")
	}

	images, err := d.cli.ImageList(ctx, image.ListOptions{Filters: f})
	if err != nil {
		return nil, NewDockerError("ListImages", "image", opts.Reference, err.Error(), err)
	}

	result := make([]ImageInfo, 0, len(images))
	for _, img := range images {
		result = append(result, ImageInfo{
			ID:        img.ID,
			RepoTags:  img.RepoTags,
			Labels:    img.Labels,
			CreatedAt: time.Unix(img.Created, 0),
		})
	}
	return result, nil
}

// RemoveImage removes a local image.
func (d *DockerClient) RemoveImage(ctx context.Context, ref string, force bool) error {
	if _, err := d.cli.ImageRemove(ctx, ref, image.RemoveOptions{Force: force, PruneChildren: true}); err != nil {
		return NewDockerError("RemoveImage", "image", ref, err.Error(), classify("image", err))
	}
	return nil
}

// PruneDanglingImages removes untagged images.
func (d *DockerClient) PruneDanglingImages(ctx context.Context) error {
	report, err := d.cli.ImagesPrune(ctx, filters.NewArgs(filters.Arg("dangling", "true")))
	if err != nil {
		return NewDockerError("PruneDanglingImages", "image", "", err.Error(), err)
	}
	d.logger.Debug("pruned dangling images", "host", d.addr,
		"count", len(report.ImagesDeleted), "reclaimed_bytes", report.SpaceReclaimed)
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

// display renders a JSON message stream. Progress bars are drawn only when
// the output is a terminal. A stream error is wrapped in ErrStream.
func (d *DockerClient) display(stream io.Reader, aux func(jsonmessage.JSONMessage)) error {
	out := d.out
	if out == nil {
		out = io.Discard
	}

	var fd uintptr
	terminal := false
	if f, ok := out.(*os.File); ok {
		fd = f.Fd()
		terminal = isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
	}

	if err := jsonmessage.DisplayJSONMessagesStream(stream, out, fd, terminal, aux); err != nil {
		var jerr *jsonmessage.JSONError
		if errors.As(err, &jerr) {
			return fmt.Errorf("%w: %s", ErrStream, jerr.Message)
		}
		return fmt.Errorf("%w: %v", ErrStream, err)
	}
	return nil
}

func encodeAuth(auth *AuthConfig) (string, error) {
	if auth == nil {
		return "", nil
	}
	return registry.EncodeAuthConfig(registry.AuthConfig{
		Username:      auth.Username,
		Password:      auth.Password,
		ServerAddress: auth.ServerAddress,
	})
}

// hijackedStream adapts an attach response to io.ReadCloser.
type hijackedStream struct {
	reader io.Reader
	close  func()
}

func (h hijackedStream) Read(p []byte) (int, error) {
	return h.reader.Read(p)
}

func (h hijackedStream) Close() error {
	h.close()
	return nil
}

// TarDirectory streams dir as an uncompressed tar archive. ".git" is skipped.
func TarDirectory(dir string) (io.ReadCloser, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("failed to read build context: %w", err)
	}

	pr, pw := io.Pipe()
	go func() {
		tw := tar.NewWriter(pw)
		err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(dir, path)
			if err != nil || rel == "." {
				return err
			}
			if entry.IsDir() && entry.Name() == ".git" {
				return filepath.SkipDir
			}
			return addToTar(tw, path, filepath.ToSlash(rel), entry)
		})
		if err == nil {
			err = tw.Close()
		}
		pw.CloseWithError(err)
	}()
	return pr, nil
}

func addToTar(tw *tar.Writer, path, name string, entry fs.DirEntry) error {
	info, err := entry.Info()
	if err != nil {
		return err
	}

	link := ""
	if info.Mode()&fs.ModeSymlink != 0 {
		if link, err = os.Readlink(path); err != nil {
			return err
		}
	}

	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return err
	}
	hdr.Name = name
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(tw, f)
	return err
}
