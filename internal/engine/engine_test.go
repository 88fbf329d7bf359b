package engine

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/freighter/internal/core/invoice"
	"github.com/artpar/freighter/internal/core/manifest"
	"github.com/artpar/freighter/internal/shell/docker"
	"github.com/artpar/freighter/internal/shell/docker/dockertest"
	"github.com/artpar/freighter/internal/shell/history"
	"github.com/artpar/freighter/internal/shell/queue"
	"github.com/artpar/freighter/internal/shell/ship"
)

const testManifest = `
team: itops
project: web
registries:
  prod:
    address: https://registry.example.com

api:
  image: itops/web-api:1.0
  links: [db]
  detach: true
  export_to: prod

worker:
  image: itops/web-worker:1.0
  links: [db]

db:
  image: postgres:16

environments:
  development:
    hosts:
      default:
        - address: tcp://10.0.0.1:2375
        - address: tcp://10.0.0.2:2375
      export:
        - address: tcp://10.0.0.9:2375
  staging:
    hosts:
      default:
        - address: tcp://10.0.1.1:2375
      export:
        - address: tcp://10.0.1.1:2375
        - address: tcp://10.0.1.2:2375
`

var testNow = time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)

// =============================================================================
// Test Helpers
// =============================================================================

type fakeRegistry struct {
	location string
}

func (r fakeRegistry) Location() string              { return r.location }
func (r fakeRegistry) AuthConfig() *docker.AuthConfig { return nil }

type harness struct {
	forwarder *Forwarder
	hosts     map[string]*dockertest.Client
	queue     *queue.Queue
	history   *history.SQLiteStore
	worktree  error
}

func newHarness(t *testing.T, addresses ...string) *harness {
	t.Helper()

	m, err := manifest.Parse([]byte(testManifest))
	require.NoError(t, err)

	h := &harness{hosts: make(map[string]*dockertest.Client)}
	for _, addr := range addresses {
		h.hosts[addr] = dockertest.New()
	}

	h.history, err = history.NewSQLiteStore(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { h.history.Close() })

	logger := slog.New(slog.DiscardHandler)
	h.queue = queue.New(queue.Config{
		Root:         t.TempDir(),
		Team:         m.Team,
		Project:      m.Project,
		PID:          4242,
		Checker:      queue.ProcessCheckerFunc(func(int) bool { return true }),
		PollInterval: time.Millisecond,
		Logger:       logger,
	})

	pool := docker.NewPool(func(_ context.Context, ep docker.Endpoint) (docker.Client, error) {
		c, ok := h.hosts[ep.Address]
		if !ok {
			return nil, errors.New("connection refused")
		}
		return c, nil
	})

	h.forwarder, err = New(Config{
		Manifest: m,
		Pool:     pool,
		Queue:    h.queue,
		History:  h.history,
		Ship: ship.Config{
			StartPollAttempts: 1,
			StartPollInterval: time.Millisecond,
		},
		Registries: func(_ context.Context, reg manifest.Registry) (ship.Registry, error) {
			return fakeRegistry{location: "registry.example.com"}, nil
		},
		WorkTree: func(context.Context, string) error { return h.worktree },
		Version:  "1.4.0",
		Now:      func() time.Time { return testNow },
		Logger:   logger,
	})
	require.NoError(t, err)
	return h
}

func (h *harness) invoice(t *testing.T, action manifest.Action, environment, svc string, tags ...string) *invoice.Invoice {
	t.Helper()
	inv, err := h.forwarder.CommercialInvoice(context.Background(), invoice.Request{
		Action:      action,
		Environment: environment,
		Service:     svc,
		Tags:        tags,
	})
	require.NoError(t, err)
	return inv
}

// seed adds a container created from image to host.
func seed(c *dockertest.Client, name, image string, running bool) string {
	if !c.HasImage(image) {
		c.AddImage(image)
	}
	return c.AddContainer(name, image, running)
}

// outcomes returns the recorded outcome of the only run, keyed by
// "host service".
func (h *harness) outcomes(t *testing.T) (history.Status, map[string]bool) {
	t.Helper()
	runs, err := h.history.ListRuns(context.Background(), history.DefaultListOptions())
	require.NoError(t, err)
	require.Len(t, runs, 1)

	run, err := h.history.GetRun(context.Background(), runs[0].ID)
	require.NoError(t, err)
	out := make(map[string]bool, len(run.Outcomes))
	for _, o := range run.Outcomes {
		out[o.Host+" "+o.Service] = o.Successful
	}
	return run.Status, out
}

func running(t *testing.T, c *dockertest.Client, name string) bool {
	t.Helper()
	ctr, ok := c.Container(name)
	require.True(t, ok, "container %s", name)
	return ctr.Info.Running
}

// =============================================================================
// Invoice and Fleet Tests
// =============================================================================

func TestCommercialInvoice_StampsVersion(t *testing.T) {
	h := newHarness(t)

	inv := h.invoice(t, manifest.ActionDeploy, "development", "api")
	assert.Equal(t, "1.4.0", inv.TargetService().Config.Labels[invoice.LabelVersion])
	assert.Equal(t, []string{"latest"}, inv.Tags)
}

func TestCommercialInvoice_UnknownService(t *testing.T) {
	h := newHarness(t)

	_, err := h.forwarder.CommercialInvoice(context.Background(), invoice.Request{
		Action: manifest.ActionDeploy, Environment: "development", Service: "cache",
	})
	assert.ErrorIs(t, err, manifest.ErrUnknownService)
}

func TestFleet_ProbesEveryHost(t *testing.T) {
	h := newHarness(t, "tcp://10.0.0.1:2375", "tcp://10.0.0.2:2375")

	fleet, err := h.forwarder.Fleet(context.Background(), h.invoice(t, manifest.ActionDeploy, "development", "api"))
	require.NoError(t, err)
	defer closeFleet(fleet)

	assert.Equal(t, []string{"tcp://10.0.0.1:2375", "tcp://10.0.0.2:2375"}, sortedAddresses(fleet))
}

func TestFleet_UnreachableHost(t *testing.T) {
	h := newHarness(t, "tcp://10.0.0.1:2375", "tcp://10.0.0.2:2375")
	h.hosts["tcp://10.0.0.2:2375"].PingErr = errors.New("i/o timeout")

	_, err := h.forwarder.Fleet(context.Background(), h.invoice(t, manifest.ActionDeploy, "development", "api"))
	assert.ErrorIs(t, err, ErrHostUnreachable)
}

func TestFleet_UnknownHost(t *testing.T) {
	h := newHarness(t, "tcp://10.0.0.1:2375")

	_, err := h.forwarder.Fleet(context.Background(), h.invoice(t, manifest.ActionDeploy, "development", "api"))
	assert.ErrorIs(t, err, ErrHostUnreachable)
}

func TestFleet_ExportUsesExportHosts(t *testing.T) {
	h := newHarness(t, "tcp://10.0.0.9:2375")

	fleet, err := h.forwarder.Fleet(context.Background(), h.invoice(t, manifest.ActionExport, "development", "api"))
	require.NoError(t, err)
	defer closeFleet(fleet)

	assert.Equal(t, []string{"tcp://10.0.0.9:2375"}, sortedAddresses(fleet))
}

// =============================================================================
// Deploy Tests
// =============================================================================

func TestDeployContainers_DependencyLinkedOnEveryHost(t *testing.T) {
	h := newHarness(t, "tcp://10.0.0.1:2375", "tcp://10.0.0.2:2375")
	inv := h.invoice(t, manifest.ActionDeploy, "development", "api")

	ok, err := h.forwarder.DeployContainers(context.Background(), inv, DeployOptions{})
	require.NoError(t, err)
	assert.True(t, ok)

	for addr, c := range h.hosts {
		assert.Equal(t, []string{"itops-web-api-01", "itops-web-db-01", "itops-web-worker-01"}, c.ContainerNames(), addr)

		db, _ := c.Container("itops-web-db-01")
		api, _ := c.Container("itops-web-api-01")
		assert.Equal(t, []string{db.Info.ID + ":db"}, api.Spec.Links, addr)
		assert.True(t, running(t, c, "itops-web-api-01"), addr)
		assert.Equal(t, "always", api.Spec.RestartPolicy.Name)
		assert.NotEmpty(t, c.CallsFor("PruneDanglingImages"), addr)
	}
}

func TestDeployContainers_RedeployCyclesDependents(t *testing.T) {
	h := newHarness(t, "tcp://10.0.1.1:2375")
	c := h.hosts["tcp://10.0.1.1:2375"]
	seed(c, "itops-web-db-01", "library/postgres:16", true)
	seed(c, "itops-web-api-01", "itops/web-api:1.0", true)
	seed(c, "itops-web-worker-01", "itops/web-worker:1.0", true)

	ok, err := h.forwarder.DeployContainers(context.Background(), h.invoice(t, manifest.ActionDeploy, "staging", "db"), DeployOptions{})
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, []string{"itops-web-api-02", "itops-web-db-02", "itops-web-worker-02"}, c.ContainerNames())
	db, _ := c.Container("itops-web-db-02")
	api, _ := c.Container("itops-web-api-02")
	assert.Equal(t, []string{db.Info.ID + ":db"}, api.Spec.Links)
}

func TestDeployContainers_AdoptsRunningDependency(t *testing.T) {
	h := newHarness(t, "tcp://10.0.1.1:2375")
	c := h.hosts["tcp://10.0.1.1:2375"]
	dbID := seed(c, "itops-web-db-01", "library/postgres:16", true)

	ok, err := h.forwarder.DeployContainers(context.Background(), h.invoice(t, manifest.ActionDeploy, "staging", "api"), DeployOptions{
		Env: []string{"FEATURE_X=on"},
	})
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, []string{"itops-web-api-01", "itops-web-db-01"}, c.ContainerNames())
	api, _ := c.Container("itops-web-api-01")
	assert.Equal(t, []string{dbID + ":db"}, api.Spec.Links)
	assert.Contains(t, api.Spec.Env, "FEATURE_X=on")
}

func TestDeployContainers_RollsBackFailedHost(t *testing.T) {
	h := newHarness(t, "tcp://10.0.1.1:2375")
	c := h.hosts["tcp://10.0.1.1:2375"]
	seed(c, "itops-web-db-01", "library/postgres:16", true)
	seed(c, "itops-web-api-01", "itops/web-api:1.0", true)
	c.Behaviors["itops/web-api:2.0"] = dockertest.Behavior{Exits: true, ExitCode: 1, Output: "panic: missing config\n"}

	ok, err := h.forwarder.DeployContainers(context.Background(), h.invoice(t, manifest.ActionDeploy, "staging", "api"), DeployOptions{Tag: "2.0"})
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, []string{"itops-web-api-01", "itops-web-db-01"}, c.ContainerNames())
	assert.True(t, running(t, c, "itops-web-api-01"))
	assert.False(t, c.HasImage("itops/web-api:2.0"))
}

func TestDeployContainers_RollbackFailed(t *testing.T) {
	h := newHarness(t, "tcp://10.0.1.1:2375")
	c := h.hosts["tcp://10.0.1.1:2375"]
	seed(c, "itops-web-db-01", "library/postgres:16", true)
	seed(c, "itops-web-api-01", "itops/web-api:1.0", true)
	c.Behaviors["itops/web-api:2.0"] = dockertest.Behavior{Exits: true, ExitCode: 1}
	c.Fail["StartContainer itops-web-api-01"] = errors.New("port is already allocated")

	ok, err := h.forwarder.DeployContainers(context.Background(), h.invoice(t, manifest.ActionDeploy, "staging", "api"), DeployOptions{Tag: "2.0"})
	assert.False(t, ok)
	assert.ErrorIs(t, err, ship.ErrRollbackFailed)

	var dErr *DispatchError
	require.ErrorAs(t, err, &dErr)
	assert.Equal(t, "tcp://10.0.1.1:2375", dErr.Host)
}

func TestDeployContainers_GatewayErrorStopsRun(t *testing.T) {
	h := newHarness(t, "tcp://10.0.0.1:2375", "tcp://10.0.0.2:2375")
	apiErr := errors.New("Error response from daemon: 500 Internal Server Error")
	h.hosts["tcp://10.0.0.1:2375"].Fail["CreateContainer"] = apiErr

	ok, err := h.forwarder.DeployContainers(context.Background(), h.invoice(t, manifest.ActionDeploy, "development", "api"), DeployOptions{})
	assert.False(t, ok)
	assert.ErrorIs(t, err, apiErr)

	var dErr *DispatchError
	require.ErrorAs(t, err, &dErr)
	assert.Equal(t, "tcp://10.0.0.1:2375", dErr.Host)
	assert.Equal(t, "itops-web-db", dErr.Service)

	second := h.hosts["tcp://10.0.0.2:2375"]
	assert.Empty(t, second.CallsFor("CreateContainer"))
	assert.Empty(t, second.CallsFor("PullImage"))

	status, outcomes := h.outcomes(t)
	assert.Equal(t, history.StatusFailed, status)
	assert.Equal(t, map[string]bool{"tcp://10.0.0.1:2375 db": false}, outcomes)

	entries, err := h.queue.Entries("tcp://10.0.0.1:2375")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDeployContainers_CancelledWaitLeavesHostAlone(t *testing.T) {
	h := newHarness(t, "tcp://10.0.1.1:2375")
	c := h.hosts["tcp://10.0.1.1:2375"]

	// another live process holds the host
	dir := h.queue.Dir("tcp://10.0.1.1:2375")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	holder := filepath.Join(dir, "1111.yml")
	require.NoError(t, os.WriteFile(holder, []byte("pid: 1111\n"), 0o644))
	at := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(holder, at, at))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	ok, err := h.forwarder.DeployContainers(ctx, h.invoice(t, manifest.ActionDeploy, "staging", "db"), DeployOptions{})
	assert.False(t, ok)
	assert.Error(t, err)

	assert.Empty(t, c.CallsFor("PruneDanglingImages"))
	assert.Empty(t, c.CallsFor("CreateContainer"))

	entries, err := h.queue.Entries("tcp://10.0.1.1:2375")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 1111, entries[0].PID)
}

func TestDeployContainers_ReleasesQueueAndRecordsHistory(t *testing.T) {
	h := newHarness(t, "tcp://10.0.1.1:2375")

	ok, err := h.forwarder.DeployContainers(context.Background(), h.invoice(t, manifest.ActionDeploy, "staging", "db"), DeployOptions{})
	require.NoError(t, err)
	require.True(t, ok)

	entries, err := h.queue.Entries("tcp://10.0.1.1:2375")
	require.NoError(t, err)
	assert.Empty(t, entries)

	runs, err := h.history.ListRuns(context.Background(), history.DefaultListOptions())
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, history.StatusSucceeded, runs[0].Status)
	assert.Equal(t, "deploy", runs[0].Action)
	assert.Equal(t, "db", runs[0].Service)

	run, err := h.history.GetRun(context.Background(), runs[0].ID)
	require.NoError(t, err)
	assert.Len(t, run.Outcomes, 3)
}

func TestDeployContainers_WrongAction(t *testing.T) {
	h := newHarness(t)

	_, err := h.forwarder.DeployContainers(context.Background(), h.invoice(t, manifest.ActionOffload, "staging", "db"), DeployOptions{})
	assert.Error(t, err)
}

// =============================================================================
// Export Tests
// =============================================================================

func TestExport_MultiHostRejectedBeforeDispatch(t *testing.T) {
	h := newHarness(t, "tcp://10.0.1.1:2375", "tcp://10.0.1.2:2375")

	ok, err := h.forwarder.Export(context.Background(), h.invoice(t, manifest.ActionExport, "staging", "api"), ExportOptions{NoValidation: true})
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrMultiHostExport)

	for _, c := range h.hosts {
		assert.Empty(t, c.Calls)
	}
	entries, err := h.queue.Entries("tcp://10.0.1.1:2375")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestExport_PushesEveryTag(t *testing.T) {
	h := newHarness(t, "tcp://10.0.0.9:2375")
	c := h.hosts["tcp://10.0.0.9:2375"]

	inv := h.invoice(t, manifest.ActionExport, "development", "api", "1.0", "stable")
	ok, err := h.forwarder.Export(context.Background(), inv, ExportOptions{})
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, []string{
		"registry.example.com/itops/web-api:development-1.0",
		"registry.example.com/itops/web-api:development-stable",
	}, c.Pushed)
	assert.Empty(t, c.ContainerNames())
}

func TestExport_DirtyWorkTree(t *testing.T) {
	h := newHarness(t, "tcp://10.0.0.9:2375")
	h.worktree = ErrDirtyWorkTree

	ok, err := h.forwarder.Export(context.Background(), h.invoice(t, manifest.ActionExport, "development", "api"), ExportOptions{})
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrDirtyWorkTree)
	assert.Empty(t, h.hosts["tcp://10.0.0.9:2375"].Calls)
}

func TestExport_NothingPushedOnFailure(t *testing.T) {
	h := newHarness(t, "tcp://10.0.0.9:2375")
	c := h.hosts["tcp://10.0.0.9:2375"]
	c.Behaviors["itops/web-api:1.0"] = dockertest.Behavior{Exits: true, ExitCode: 2}

	ok, err := h.forwarder.Export(context.Background(), h.invoice(t, manifest.ActionExport, "development", "api"), ExportOptions{})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, c.Pushed)
}

func TestExport_NoValidationSkipsDispatch(t *testing.T) {
	h := newHarness(t, "tcp://10.0.0.9:2375")
	c := h.hosts["tcp://10.0.0.9:2375"]
	h.worktree = ErrDirtyWorkTree

	ok, err := h.forwarder.Export(context.Background(), h.invoice(t, manifest.ActionExport, "development", "api"), ExportOptions{NoValidation: true, Clean: true})
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Empty(t, c.CallsFor("CreateContainer"))
	assert.Equal(t, []string{"registry.example.com/itops/web-api:latest"}, c.Pushed)
	assert.False(t, c.HasImage("itops/web-api:1.0"))
}

// =============================================================================
// Quality Control, Test and Offload Tests
// =============================================================================

func writeTestDockerfile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "Dockerfile.test")
	require.NoError(t, os.WriteFile(path, []byte("FROM itops/web-api:latest\nCMD [\"make\", \"test\"]\n"), 0o644))
	return path
}

func TestQualityControl_Clean(t *testing.T) {
	h := newHarness(t, "tcp://10.0.1.1:2375")
	c := h.hosts["tcp://10.0.1.1:2375"]

	ok, err := h.forwarder.QualityControl(context.Background(), h.invoice(t, manifest.ActionQualityControl, "staging", "db"), QualityControlOptions{Clean: true})
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Len(t, c.CallsFor("StartContainer"), 3)
	assert.Empty(t, c.ContainerNames())
	assert.False(t, c.HasImage("library/postgres:16"))
}

func TestQualityControl_AttachedSkipsDependents(t *testing.T) {
	h := newHarness(t, "tcp://10.0.1.1:2375")
	c := h.hosts["tcp://10.0.1.1:2375"]

	ok, err := h.forwarder.QualityControl(context.Background(), h.invoice(t, manifest.ActionQualityControl, "staging", "db"), QualityControlOptions{Attach: true})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"itops-web-db-01"}, c.ContainerNames())
}

func TestQualityControl_TestFailureAborts(t *testing.T) {
	h := newHarness(t, "tcp://10.0.1.1:2375")
	c := h.hosts["tcp://10.0.1.1:2375"]
	c.Behaviors["itops/web-api-test:latest"] = dockertest.Behavior{ExitCode: 1}

	inv := h.invoice(t, manifest.ActionQualityControl, "staging", "api")
	inv.TargetService().TestDockerfile = writeTestDockerfile(t)

	ok, err := h.forwarder.QualityControl(context.Background(), inv, QualityControlOptions{})
	assert.False(t, ok)
	var tErr *TestFailureError
	require.ErrorAs(t, err, &tErr)
	assert.Equal(t, "api", tErr.Service)

	status, outcomes := h.outcomes(t)
	assert.Equal(t, history.StatusFailed, status)
	succeeded, recorded := outcomes["tcp://10.0.1.1:2375 api"]
	assert.True(t, recorded)
	assert.False(t, succeeded)
	assert.True(t, outcomes["tcp://10.0.1.1:2375 db"])
}

func TestQualityControl_FailureContinuesToCleanup(t *testing.T) {
	h := newHarness(t, "tcp://10.0.1.1:2375")
	c := h.hosts["tcp://10.0.1.1:2375"]
	seed(c, "itops-web-db-01", "library/postgres:16", false)
	c.Behaviors["itops/web-worker:1.0"] = dockertest.Behavior{Exits: true, ExitCode: 1}

	ok, err := h.forwarder.QualityControl(context.Background(), h.invoice(t, manifest.ActionQualityControl, "staging", "db"), QualityControlOptions{})
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, []string{"itops-web-api-01", "itops-web-db-02", "itops-web-worker-01"}, c.ContainerNames())

	_, outcomes := h.outcomes(t)
	assert.False(t, outcomes["tcp://10.0.1.1:2375 worker"])
	assert.True(t, outcomes["tcp://10.0.1.1:2375 api"])
}

func TestTest_Passes(t *testing.T) {
	h := newHarness(t, "tcp://10.0.1.1:2375")
	c := h.hosts["tcp://10.0.1.1:2375"]
	seed(c, "itops-web-db-01", "library/postgres:16", true)

	inv := h.invoice(t, manifest.ActionTest, "staging", "api")
	inv.TargetService().TestDockerfile = writeTestDockerfile(t)

	ok, err := h.forwarder.Test(context.Background(), inv, TestOptions{})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"itops-web-db-01"}, c.ContainerNames())
	assert.True(t, c.HasImage("itops/web-api:latest"))
}

func TestTest_Fails(t *testing.T) {
	h := newHarness(t, "tcp://10.0.1.1:2375")
	c := h.hosts["tcp://10.0.1.1:2375"]
	seed(c, "itops-web-db-01", "library/postgres:16", true)
	c.Behaviors["itops/web-api-test:latest"] = dockertest.Behavior{ExitCode: 3}

	inv := h.invoice(t, manifest.ActionTest, "staging", "api")
	inv.TargetService().TestDockerfile = writeTestDockerfile(t)

	ok, err := h.forwarder.Test(context.Background(), inv, TestOptions{})
	assert.False(t, ok)
	var tErr *TestFailureError
	assert.ErrorAs(t, err, &tErr)
}

func TestOffload(t *testing.T) {
	h := newHarness(t, "tcp://10.0.1.1:2375")
	c := h.hosts["tcp://10.0.1.1:2375"]
	seed(c, "itops-web-db-01", "library/postgres:16", true)
	seed(c, "itops-web-api-01", "itops/web-api:1.0", true)
	seed(c, "other-web-api-01", "itops/web-api:1.0", true)

	ok, err := h.forwarder.Offload(context.Background(), h.invoice(t, manifest.ActionOffload, "staging", "db"))
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, []string{"other-web-api-01"}, c.ContainerNames())
	assert.False(t, c.HasImage("library/postgres:16"))
}

// =============================================================================
// Git Tests
// =============================================================================

func TestGitWorkTreeClean(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	require.NoError(t, exec.Command("git", "init", "-q", dir).Run())

	require.NoError(t, GitWorkTreeClean(context.Background(), dir))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "freighter.yml"), []byte("team: itops\n"), 0o644))
	assert.ErrorIs(t, GitWorkTreeClean(context.Background(), dir), ErrDirtyWorkTree)
}

func TestGitWorkTreeClean_NotARepository(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	err := GitWorkTreeClean(context.Background(), t.TempDir())
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrDirtyWorkTree)
}
