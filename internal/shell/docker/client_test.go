package docker

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Connect Tests
// =============================================================================

func TestConnect_Unix(t *testing.T) {
	cli, err := Connect(context.Background(), Endpoint{Address: "unix:///var/run/docker.sock"}, ConnectOptions{})
	require.NoError(t, err)
	defer cli.Close()

	assert.Equal(t, "unix:///var/run/docker.sock", cli.addr)
}

func TestConnect_TCP(t *testing.T) {
	cli, err := Connect(context.Background(), Endpoint{Address: "tcp://10.0.0.1:2375"}, ConnectOptions{})
	require.NoError(t, err)
	defer cli.Close()
}

func TestConnect_HTTPSWithoutCertificates(t *testing.T) {
	cli, err := Connect(context.Background(), Endpoint{Address: "https://10.0.0.1:2376", CertPath: t.TempDir()}, ConnectOptions{})
	require.NoError(t, err)
	defer cli.Close()
}

func TestConnect_UnsupportedScheme(t *testing.T) {
	_, err := Connect(context.Background(), Endpoint{Address: "ftp://10.0.0.1"}, ConnectOptions{})
	assert.ErrorIs(t, err, ErrUnsupportedAddress)

	_, err = Connect(context.Background(), Endpoint{Address: "10.0.0.1:2375"}, ConnectOptions{})
	assert.ErrorIs(t, err, ErrUnsupportedAddress)
}

func TestConnect_SSHMissingIdentity(t *testing.T) {
	_, err := Connect(context.Background(), Endpoint{
		Address:      "ssh://deploy@10.0.0.1",
		IdentityFile: filepath.Join(t.TempDir(), "missing"),
	}, ConnectOptions{})
	assert.ErrorIs(t, err, ErrConnectionFailed)
}

// =============================================================================
// Error Classification Tests
// =============================================================================

func TestClassify(t *testing.T) {
	notFound := fmt.Errorf("No such container: x: %w", cerrdefs.ErrNotFound)
	conflict := fmt.Errorf("conflict: %w", cerrdefs.ErrConflict)

	assert.ErrorIs(t, classify("container", notFound), ErrContainerNotFound)
	assert.ErrorIs(t, classify("image", notFound), ErrImageNotFound)
	assert.ErrorIs(t, classify("container", conflict), ErrContainerAlreadyExists)
	assert.ErrorIs(t, classify("image", conflict), ErrImageInUse)

	other := errors.New("boom")
	assert.Equal(t, other, classify("container", other))
}

func TestDockerError_Unwrap(t *testing.T) {
	err := NewDockerError("RemoveContainer", "container", "abc", "gone", ErrContainerNotFound)

	assert.Equal(t, "RemoveContainer container abc: gone", err.Error())
	assert.True(t, IsNotFound(err))
	assert.False(t, IsNotFound(NewDockerError("Ping", "", "", "down", ErrConnectionFailed)))
}

// =============================================================================
// Spec Translation Tests
// =============================================================================

func TestToContainerConfig(t *testing.T) {
	config, hostConfig := toContainerConfig(ContainerSpec{
		Name:         "itops-web-api-01",
		Image:        "itops/web-api:1.0",
		Env:          []string{"MODE=prod"},
		ExposedPorts: nat.PortSet{"80/tcp": {}},
		PortBindings: nat.PortMap{"80/tcp": {{HostPort: "8080"}}},
		Links:        []string{"c1:redis"},
		VolumesFrom:  []string{"c2:ro"},
		Memory:       64 << 20,
		RestartPolicy: RestartPolicy{
			Name:              "always",
			MaximumRetryCount: 5,
		},
		LogConfig: &LogConfig{Type: "syslog"},
	})

	assert.Equal(t, "itops/web-api:1.0", config.Image)
	assert.Equal(t, []string{"MODE=prod"}, config.Env)
	assert.Contains(t, config.ExposedPorts, nat.Port("80/tcp"))
	assert.Equal(t, "8080", hostConfig.PortBindings["80/tcp"][0].HostPort)
	assert.Equal(t, []string{"c1:redis"}, hostConfig.Links)
	assert.Equal(t, []string{"c2:ro"}, hostConfig.VolumesFrom)
	assert.Equal(t, int64(64<<20), hostConfig.Memory)
	assert.Equal(t, "always", string(hostConfig.RestartPolicy.Name))
	assert.Equal(t, 5, hostConfig.RestartPolicy.MaximumRetryCount)
	assert.Equal(t, "syslog", hostConfig.LogConfig.Type)
}

// =============================================================================
// Build Context Tests
// =============================================================================

func TestTarDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte("FROM scratch\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "app"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app", "main.sh"), []byte("echo hi\n"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".git", "HEAD"), []byte("ref\n"), 0o644))

	rc, err := TarDirectory(dir)
	require.NoError(t, err)
	defer rc.Close()

	var names []string
	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
	}

	assert.ElementsMatch(t, []string{"Dockerfile", "app", "app/main.sh"}, names)
}

func TestTarDirectory_Missing(t *testing.T) {
	_, err := TarDirectory(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

// =============================================================================
// Pool Tests
// =============================================================================

type stubClient struct {
	Client
	closed bool
}

func (s *stubClient) Close() error {
	s.closed = true
	return nil
}

func TestPool_CachesByAddress(t *testing.T) {
	connects := 0
	pool := NewPool(func(_ context.Context, ep Endpoint) (Client, error) {
		connects++
		return &stubClient{}, nil
	})

	a1, err := pool.Get(context.Background(), Endpoint{Address: "tcp://a:2375"})
	require.NoError(t, err)
	a2, err := pool.Get(context.Background(), Endpoint{Address: "tcp://a:2375"})
	require.NoError(t, err)
	_, err = pool.Get(context.Background(), Endpoint{Address: "tcp://b:2375"})
	require.NoError(t, err)

	assert.Same(t, a1, a2)
	assert.Equal(t, 2, connects)
	assert.Equal(t, 2, pool.Len())

	require.NoError(t, pool.CloseAll())
	assert.True(t, a1.(*stubClient).closed)
	assert.Equal(t, 0, pool.Len())
}

func TestPool_ConnectsHostsInParallel(t *testing.T) {
	bDialing := make(chan struct{})
	pool := NewPool(func(ctx context.Context, ep Endpoint) (Client, error) {
		if ep.Address == "tcp://b:2375" {
			close(bDialing)
			return &stubClient{}, nil
		}
		select {
		case <-bDialing:
			return &stubClient{}, nil
		case <-time.After(2 * time.Second):
			return nil, errors.New("connects were serialized")
		}
	})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, addr := range []string{"tcp://a:2375", "tcp://b:2375"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = pool.Get(context.Background(), Endpoint{Address: addr})
		}()
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, 2, pool.Len())
}

func TestPool_SharesConcurrentConnect(t *testing.T) {
	var connects atomic.Int32
	release := make(chan struct{})
	pool := NewPool(func(_ context.Context, ep Endpoint) (Client, error) {
		connects.Add(1)
		<-release
		return &stubClient{}, nil
	})

	var wg sync.WaitGroup
	clients := make([]Client, 5)
	for i := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			clients[i], _ = pool.Get(context.Background(), Endpoint{Address: "tcp://a:2375"})
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), connects.Load())
	for _, c := range clients {
		assert.Same(t, clients[0], c)
	}
}

func TestPool_Remove(t *testing.T) {
	connects := 0
	pool := NewPool(func(_ context.Context, ep Endpoint) (Client, error) {
		connects++
		return &stubClient{}, nil
	})

	a1, err := pool.Get(context.Background(), Endpoint{Address: "tcp://a:2375"})
	require.NoError(t, err)
	require.NoError(t, pool.Remove("tcp://a:2375"))
	assert.True(t, a1.(*stubClient).closed)
	assert.Equal(t, 0, pool.Len())
	require.NoError(t, pool.Remove("tcp://a:2375"))

	a2, err := pool.Get(context.Background(), Endpoint{Address: "tcp://a:2375"})
	require.NoError(t, err)
	assert.NotSame(t, a1, a2)
	assert.Equal(t, 2, connects)
}

func TestPool_ConnectError(t *testing.T) {
	pool := NewPool(func(_ context.Context, ep Endpoint) (Client, error) {
		return nil, ErrConnectionFailed
	})

	_, err := pool.Get(context.Background(), Endpoint{Address: "tcp://a:2375"})
	assert.ErrorIs(t, err, ErrConnectionFailed)
	assert.Equal(t, 0, pool.Len())
}
