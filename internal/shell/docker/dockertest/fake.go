// Package dockertest provides an in-memory docker.Client for tests.
package dockertest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/pkg/stdcopy"

	"github.com/artpar/freighter/internal/shell/docker"
)

// Behavior scripts what a container created from an image does on start.
type Behavior struct {
	// Exits makes the container stop right after starting.
	Exits    bool
	ExitCode int
	// Output is written to the container log on start.
	Output string
}

// Container is a fake container.
type Container struct {
	Info docker.ContainerInfo
	Spec docker.ContainerSpec
	Logs bytes.Buffer
}

// Image is a fake image.
type Image struct {
	Info docker.ImageInfo
}

// Client is an in-memory docker.Client. The exported maps may be seeded
// before use; all methods are safe for concurrent use.
type Client struct {
	mu sync.Mutex

	Containers map[string]*Container // by ID
	Images     map[string]*Image     // by ID

	// Behaviors is keyed by image reference ("redis:7") or image ID.
	Behaviors map[string]Behavior
	// Fail makes the named operation ("PullImage", "StartContainer", ...)
	// return the error. Keys may be scoped as "Op name" to fail for one
	// container name or image reference only.
	Fail map[string]error

	Pushed []string
	Copied map[string][]string // container ID -> paths
	Calls  []string

	PingErr error
	Server  docker.Version

	seq   int
	clock time.Time
}

var _ docker.Client = (*Client)(nil)

// New creates an empty fake.
func New() *Client {
	return &Client{
		Containers: make(map[string]*Container),
		Images:     make(map[string]*Image),
		Behaviors:  make(map[string]Behavior),
		Fail:       make(map[string]error),
		Copied:     make(map[string][]string),
		Server:     docker.Version{Version: "28.5.2", APIVersion: "1.51", Os: "linux", Arch: "amd64"},
		clock:      time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// =============================================================================
// Seeding and Inspection Helpers
// =============================================================================

// AddImage registers an image with the given tags and returns its ID.
func (c *Client) AddImage(tags ...string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addImage(tags...)
}

// AddContainer registers a container created from image.
func (c *Client) AddContainer(name, image string, running bool) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID("c")
	state := "exited"
	if running {
		state = "running"
	}
	c.Containers[id] = &Container{
		Info: docker.ContainerInfo{
			ID: id, Name: name, Image: c.resolveImageID(image), State: state, Running: running,
			LogDriver: "json-file", CreatedAt: c.tick(),
		},
		Spec: docker.ContainerSpec{Name: name, Image: image},
	}
	return id
}

// Container returns the container with the given name or ID.
func (c *Client) Container(nameOrID string) (*Container, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctr := c.findContainer(nameOrID)
	return ctr, ctr != nil
}

// ContainerNames returns the names of all containers, sorted.
func (c *Client) ContainerNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var names []string
	for _, ctr := range c.Containers {
		names = append(names, ctr.Info.Name)
	}
	slices.Sort(names)
	return names
}

// HasImage reports whether ref resolves to a local image.
func (c *Client) HasImage(ref string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.findImage(ref) != nil
}

// CallsFor returns recorded calls for one operation, e.g. "StartContainer".
func (c *Client) CallsFor(op string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, call := range c.Calls {
		if name, arg, _ := strings.Cut(call, " "); name == op {
			out = append(out, arg)
		}
	}
	return out
}

// =============================================================================
// Container Operations
// =============================================================================

func (c *Client) CreateContainer(_ context.Context, spec docker.ContainerSpec) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.failure("CreateContainer", spec.Name); err != nil {
		return "", err
	}
	img := c.findImage(spec.Image)
	if img == nil {
		return "", docker.NewDockerError("CreateContainer", "image", spec.Image, "no such image", docker.ErrImageNotFound)
	}
	if c.findContainer(spec.Name) != nil {
		return "", docker.NewDockerError("CreateContainer", "container", spec.Name, "name in use", docker.ErrContainerAlreadyExists)
	}
	for _, link := range spec.Links {
		target, _, _ := strings.Cut(link, ":")
		if c.findContainer(target) == nil {
			return "", docker.NewDockerError("CreateContainer", "container", target, "linked container not found", docker.ErrContainerNotFound)
		}
	}

	id := c.nextID("c")
	logDriver := "json-file"
	if spec.LogConfig != nil && spec.LogConfig.Type != "" {
		logDriver = spec.LogConfig.Type
	}
	c.Containers[id] = &Container{
		Info: docker.ContainerInfo{
			ID: id, Name: spec.Name, Image: img.Info.ID, State: "created",
			LogDriver: logDriver, Cmd: spec.Cmd, Labels: spec.Labels, CreatedAt: c.tick(),
		},
		Spec: spec,
	}
	c.record("CreateContainer", spec.Name)
	return id, nil
}

func (c *Client) StartContainer(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctr := c.findContainer(id)
	if ctr == nil {
		return notFound("StartContainer", id)
	}
	if err := c.failure("StartContainer", ctr.Info.Name); err != nil {
		return err
	}
	c.record("StartContainer", ctr.Info.Name)

	b := c.behavior(ctr)
	ctr.Logs.WriteString(b.Output)
	if b.Exits {
		ctr.Info.State, ctr.Info.Running, ctr.Info.ExitCode = "exited", false, b.ExitCode
		return nil
	}
	ctr.Info.State, ctr.Info.Running, ctr.Info.ExitCode = "running", true, 0
	return nil
}

func (c *Client) StopContainer(_ context.Context, id string, _ *time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctr := c.findContainer(id)
	if ctr == nil {
		return notFound("StopContainer", id)
	}
	c.record("StopContainer", ctr.Info.Name)
	if ctr.Info.Running {
		ctr.Info.State, ctr.Info.Running = "exited", false
	}
	return nil
}

func (c *Client) RemoveContainer(_ context.Context, id string, opts docker.RemoveOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctr := c.findContainer(id)
	if ctr == nil {
		return notFound("RemoveContainer", id)
	}
	if ctr.Info.Running && !opts.Force {
		return docker.NewDockerError("RemoveContainer", "container", id, "container is running", docker.ErrContainerAlreadyRunning)
	}
	c.record("RemoveContainer", ctr.Info.Name)
	delete(c.Containers, ctr.Info.ID)
	return nil
}

func (c *Client) InspectContainer(_ context.Context, id string) (*docker.ContainerInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctr := c.findContainer(id)
	if ctr == nil {
		return nil, notFound("InspectContainer", id)
	}
	info := ctr.Info
	return &info, nil
}

// ListContainers supports the "name" filter as a substring match.
func (c *Client) ListContainers(_ context.Context, opts docker.ListOptions) ([]docker.ContainerInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []docker.ContainerInfo
	for _, ctr := range c.Containers {
		if !opts.All && !ctr.Info.Running {
			continue
		}
		if name, ok := opts.Filters["name"]; ok && !strings.Contains(ctr.Info.Name, name) {
			continue
		}
		out = append(out, ctr.Info)
	}
	slices.SortFunc(out, func(a, b docker.ContainerInfo) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (c *Client) ContainerLogs(_ context.Context, id string, _ docker.LogOptions) (io.ReadCloser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctr := c.findContainer(id)
	if ctr == nil {
		return nil, notFound("ContainerLogs", id)
	}
	return multiplexed(ctr.Logs.String()), nil
}

func (c *Client) AttachContainer(_ context.Context, id string) (io.ReadCloser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctr := c.findContainer(id)
	if ctr == nil {
		return nil, notFound("AttachContainer", id)
	}
	c.record("AttachContainer", ctr.Info.Name)
	return multiplexed(c.behavior(ctr).Output), nil
}

// WaitContainer returns the scripted exit code and stops the container.
func (c *Client) WaitContainer(_ context.Context, id string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctr := c.findContainer(id)
	if ctr == nil {
		return -1, notFound("WaitContainer", id)
	}
	b := c.behavior(ctr)
	ctr.Info.State, ctr.Info.Running, ctr.Info.ExitCode = "exited", false, b.ExitCode
	return b.ExitCode, nil
}

func (c *Client) CommitContainer(_ context.Context, id string, opts docker.CommitOptions) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctr := c.findContainer(id)
	if ctr == nil {
		return "", notFound("CommitContainer", id)
	}
	c.record("CommitContainer", ctr.Info.Name)
	if opts.Reference == "" {
		return c.addImage(), nil
	}
	return c.addImage(opts.Reference), nil
}

func (c *Client) CopyToContainer(_ context.Context, id, path string, content io.Reader) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctr := c.findContainer(id)
	if ctr == nil {
		return notFound("CopyToContainer", id)
	}
	if _, err := io.Copy(io.Discard, content); err != nil {
		return err
	}
	c.Copied[ctr.Info.ID] = append(c.Copied[ctr.Info.ID], path)
	return nil
}

// =============================================================================
// Image Operations
// =============================================================================

func (c *Client) PullImage(_ context.Context, ref string, _ *docker.AuthConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.failure("PullImage", ref); err != nil {
		return err
	}
	c.record("PullImage", ref)
	if c.findImage(ref) == nil {
		c.addImage(ref)
	}
	return nil
}

func (c *Client) BuildImage(_ context.Context, opts docker.BuildOptions) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	name := strings.Join(opts.Tags, ",")
	if err := c.failure("BuildImage", name); err != nil {
		return "", err
	}
	c.record("BuildImage", name)
	id := c.addImage(opts.Tags...)
	c.Images[id].Info.Labels = opts.Labels
	return id, nil
}

func (c *Client) PushImage(_ context.Context, ref string, _ *docker.AuthConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.failure("PushImage", ref); err != nil {
		return err
	}
	if c.findImage(ref) == nil {
		return docker.NewDockerError("PushImage", "image", ref, "no such image", docker.ErrImageNotFound)
	}
	c.record("PushImage", ref)
	c.Pushed = append(c.Pushed, ref)
	return nil
}

func (c *Client) TagImage(_ context.Context, source, target string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	img := c.findImage(source)
	if img == nil {
		return docker.NewDockerError("TagImage", "image", source, "no such image", docker.ErrImageNotFound)
	}
	target = normalize(target)
	c.untag(target)
	img.Info.RepoTags = append(img.Info.RepoTags, target)
	c.record("TagImage", target)
	return nil
}

func (c *Client) InspectImage(_ context.Context, ref string) (*docker.ImageInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	img := c.findImage(ref)
	if img == nil {
		return nil, docker.NewDockerError("InspectImage", "image", ref, "no such image", docker.ErrImageNotFound)
	}
	info := img.Info
	return &info, nil
}

// ListImages matches Reference against the repository part of each tag.
func (c *Client) ListImages(_ context.Context, opts docker.ImageListOptions) ([]docker.ImageInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []docker.ImageInfo
	for _, img := range c.Images {
		if opts.Dangling && len(img.Info.RepoTags) > 0 {
			continue
		}
		if opts.Reference != "" && !slices.ContainsFunc(img.Info.RepoTags, func(tag string) bool {
			repo, _ := splitTag(tag)
			return repo == opts.Reference || tag == normalize(opts.Reference)
		}) {
			continue
		}
		out = append(out, img.Info)
	}
	slices.SortFunc(out, func(a, b docker.ImageInfo) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

// RemoveImage untags ref when the image has other tags, otherwise deletes it.
func (c *Client) RemoveImage(_ context.Context, ref string, force bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	img := c.findImage(ref)
	if img == nil {
		return docker.NewDockerError("RemoveImage", "image", ref, "no such image", docker.ErrImageNotFound)
	}
	c.record("RemoveImage", ref)

	if ref != img.Info.ID && len(img.Info.RepoTags) > 1 {
		c.untag(normalize(ref))
		return nil
	}
	if !force && c.imageInUse(img.Info.ID) {
		return docker.NewDockerError("RemoveImage", "image", ref, "image is in use", docker.ErrImageInUse)
	}
	delete(c.Images, img.Info.ID)
	return nil
}

func (c *Client) PruneDanglingImages(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.record("PruneDanglingImages", "")
	for id, img := range c.Images {
		if len(img.Info.RepoTags) == 0 && !c.imageInUse(id) {
			delete(c.Images, id)
		}
	}
	return nil
}

// =============================================================================
// Health Operations
// =============================================================================

func (c *Client) Ping(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.PingErr
}

func (c *Client) Version(_ context.Context) (*docker.Version, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.Server
	return &v, nil
}

func (c *Client) Close() error { return nil }

// =============================================================================
// Internals
// =============================================================================

func (c *Client) nextID(prefix string) string {
	c.seq++
	return fmt.Sprintf("%s%06d", prefix, c.seq)
}

func (c *Client) tick() time.Time {
	c.clock = c.clock.Add(time.Second)
	return c.clock
}

func (c *Client) record(op, arg string) {
	c.Calls = append(c.Calls, op+" "+arg)
}

func (c *Client) failure(op, name string) error {
	if err, ok := c.Fail[op+" "+name]; ok {
		return err
	}
	return c.Fail[op]
}

func (c *Client) addImage(tags ...string) string {
	id := "sha256:" + c.nextID("i")
	info := docker.ImageInfo{ID: id, CreatedAt: c.tick()}
	for _, tag := range tags {
		tag = normalize(tag)
		c.untag(tag)
		info.RepoTags = append(info.RepoTags, tag)
	}
	c.Images[id] = &Image{Info: info}
	return id
}

func (c *Client) untag(tag string) {
	for _, img := range c.Images {
		img.Info.RepoTags = slices.DeleteFunc(img.Info.RepoTags, func(t string) bool { return t == tag })
	}
}

func (c *Client) findImage(ref string) *Image {
	if img, ok := c.Images[ref]; ok {
		return img
	}
	ref = normalize(ref)
	for _, img := range c.Images {
		if slices.Contains(img.Info.RepoTags, ref) {
			return img
		}
	}
	return nil
}

func (c *Client) resolveImageID(ref string) string {
	if img := c.findImage(ref); img != nil {
		return img.Info.ID
	}
	return ref
}

func (c *Client) findContainer(nameOrID string) *Container {
	if ctr, ok := c.Containers[nameOrID]; ok {
		return ctr
	}
	nameOrID = strings.TrimPrefix(nameOrID, "/")
	for _, ctr := range c.Containers {
		if ctr.Info.Name == nameOrID {
			return ctr
		}
	}
	return nil
}

func (c *Client) imageInUse(id string) bool {
	for _, ctr := range c.Containers {
		if ctr.Info.Image == id {
			return true
		}
	}
	return false
}

// behavior looks up the script for a container by its image reference, then
// by each tag of its image, then by image ID.
func (c *Client) behavior(ctr *Container) Behavior {
	if b, ok := c.Behaviors[ctr.Spec.Image]; ok {
		return b
	}
	if img, ok := c.Images[ctr.Info.Image]; ok {
		for _, tag := range img.Info.RepoTags {
			if b, ok := c.Behaviors[tag]; ok {
				return b
			}
		}
	}
	return c.Behaviors[ctr.Info.Image]
}

func notFound(op, id string) error {
	return docker.NewDockerError(op, "container", id, "no such container", docker.ErrContainerNotFound)
}

// normalize appends ":latest" to references without a tag.
func normalize(ref string) string {
	if strings.HasPrefix(ref, "sha256:") {
		return ref
	}
	if _, tag := splitTag(ref); tag == "" {
		return ref + ":latest"
	}
	return ref
}

func splitTag(ref string) (repo, tag string) {
	slash := strings.LastIndex(ref, "/")
	colon := strings.LastIndex(ref, ":")
	if colon > slash {
		return ref[:colon], ref[colon+1:]
	}
	return ref, ""
}

// multiplexed frames s as a stdout stream the way the engine does for
// containers without a TTY.
func multiplexed(s string) io.ReadCloser {
	var buf bytes.Buffer
	if s != "" {
		w := stdcopy.NewStdWriter(&buf, stdcopy.Stdout)
		_, _ = w.Write([]byte(s))
	}
	return io.NopCloser(&buf)
}
