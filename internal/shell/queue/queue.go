package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mattn/go-isatty"
	"gopkg.in/yaml.v3"
)

const stateExt = ".yml"

// State is the content of a state file.
type State struct {
	Team        string `yaml:"team"`
	Project     string `yaml:"project"`
	Environment string `yaml:"environment"`
	DataCenter  string `yaml:"data_center"`
	Host        string `yaml:"host"`
	PID         int    `yaml:"pid"`
	Action      string `yaml:"action,omitempty"`
}

// Entry is one state file in a host queue.
type Entry struct {
	PID       int
	Path      string
	CreatedAt time.Time
}

// Config holds queue configuration.
type Config struct {
	Root         string
	Team         string
	Project      string
	PID          int            // Default: os.Getpid()
	Checker      ProcessChecker // Default: OSProcessChecker
	PollInterval time.Duration  // Default: 1 second
	Out          io.Writer      // progress dots; Default: io.Discard
	Logger       *slog.Logger
}

// Queue is the dispatch queue of one team/project for this process.
type Queue struct {
	root     string
	team     string
	project  string
	pid      int
	checker  ProcessChecker
	interval time.Duration
	out      io.Writer
	logger   *slog.Logger
}

// New creates a queue.
func New(cfg Config) *Queue {
	if cfg.PID == 0 {
		cfg.PID = os.Getpid()
	}
	if cfg.Checker == nil {
		cfg.Checker = OSProcessChecker{}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Out == nil {
		cfg.Out = io.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Queue{
		root:     cfg.Root,
		team:     cfg.Team,
		project:  cfg.Project,
		pid:      cfg.PID,
		checker:  cfg.Checker,
		interval: cfg.PollInterval,
		out:      cfg.Out,
		logger:   cfg.Logger.With("team", cfg.Team, "project", cfg.Project),
	}
}

// PID returns the PID this queue enqueues as.
func (q *Queue) PID() int {
	return q.pid
}

// HostDir returns the directory name used for a host address: its hostname,
// or "localhost" for socket addresses.
func HostDir(address string) string {
	u, err := url.Parse(address)
	if err != nil || u.Hostname() == "" {
		return "localhost"
	}
	return u.Hostname()
}

// Dir returns the queue directory for a host address.
func (q *Queue) Dir(host string) string {
	return filepath.Join(q.root, q.team, q.project, HostDir(host))
}

func (q *Queue) statePath(host string, pid int) string {
	return filepath.Join(q.Dir(host), strconv.Itoa(pid)+stateExt)
}

// =============================================================================
// Operations
// =============================================================================

// Enqueue writes this process's state file for state.Host. Team, project and
// PID are filled in from the queue.
func (q *Queue) Enqueue(state State) error {
	state.Team, state.Project, state.PID = q.team, q.project, q.pid

	dir := q.Dir(state.Host)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return NewQueueError("Enqueue", state.Host, q.pid, "failed to create state directory", err)
	}

	path := q.statePath(state.Host, q.pid)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return NewQueueError("Enqueue", state.Host, q.pid, path, ErrPIDInUse)
		}
		return NewQueueError("Enqueue", state.Host, q.pid, "failed to create state file", err)
	}
	defer f.Close()

	if err := yaml.NewEncoder(f).Encode(state); err != nil {
		os.Remove(path)
		return NewQueueError("Enqueue", state.Host, q.pid, "failed to write state file", err)
	}

	q.logger.Debug("state file written", "host", state.Host, "path", path)
	return nil
}

// Entries lists the state files for host, oldest first. Files whose name is
// not a PID are deleted.
func (q *Queue) Entries(host string) ([]Entry, error) {
	dir := q.Dir(host)
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, NewQueueError("Entries", host, q.pid, "failed to read state directory", err)
	}

	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		path := filepath.Join(dir, de.Name())

		pid, err := strconv.Atoi(strings.TrimSuffix(de.Name(), filepath.Ext(de.Name())))
		if err != nil {
			q.logger.Error("state file name is not a pid, deleting", "host", host, "path", path)
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return nil, NewQueueError("Entries", host, q.pid, "failed to delete corrupt state file", err)
			}
			continue
		}

		info, err := de.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		entries = append(entries, Entry{PID: pid, Path: path, CreatedAt: info.ModTime()})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.Before(entries[j].CreatedAt)
		}
		return entries[i].PID < entries[j].PID
	})
	return entries, nil
}

// ReadState decodes the state file of pid on host.
func (q *Queue) ReadState(host string, pid int) (*State, error) {
	data, err := os.ReadFile(q.statePath(host, pid))
	if err != nil {
		return nil, NewQueueError("ReadState", host, pid, "failed to read state file", err)
	}
	var state State
	if err := yaml.Unmarshal(data, &state); err != nil {
		return nil, NewQueueError("ReadState", host, pid, err.Error(), ErrCorruptState)
	}
	return &state, nil
}

// WaitTurn blocks until this process is at the front of the queue for host.
// Dead processes ahead of it have their state files removed. It wakes on a
// poll tick or a change in the queue directory.
func (q *Queue) WaitTurn(ctx context.Context, host string) error {
	logger := q.logger.With("host", host)

	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()

	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	if watcher, err := fsnotify.NewWatcher(); err != nil {
		logger.Debug("queue watcher unavailable, polling only", "error", err)
	} else {
		defer watcher.Close()
		if err := watcher.Add(q.Dir(host)); err != nil {
			logger.Debug("queue watcher unavailable, polling only", "error", err)
		} else {
			events, errs = watcher.Events, watcher.Errors
		}
	}

	dots := isTerminal(q.out)
	printed := false
	defer func() {
		if printed {
			fmt.Fprintln(q.out)
		}
	}()

	waitingOn := 0
	for {
		entries, err := q.Entries(host)
		if err != nil {
			return err
		}
		if len(entries) == 0 || entries[0].PID == q.pid {
			return nil
		}

		front := entries[0]
		if !q.checker.IsAlive(front.PID) {
			logger.Info("removing state file of finished process", "pid", front.PID)
			if err := os.Remove(front.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return NewQueueError("WaitTurn", host, front.PID, "failed to delete stale state file", err)
			}
			continue
		}

		if front.PID != waitingOn {
			waitingOn = front.PID
			attrs := []any{"pid", front.PID, "queue_length", len(entries) - 1}
			if state, err := q.ReadState(host, front.PID); err == nil {
				attrs = append(attrs,
					"action", state.Action,
					"environment", state.Environment,
					"data_center", state.DataCenter,
				)
			}
			logger.Info("waiting for dispatch to complete", attrs...)
		}

		if dots {
			fmt.Fprint(q.out, ".")
			printed = true
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-events:
		case err := <-errs:
			logger.Debug("queue watcher error", "error", err)
		}
	}
}

// Release deletes this process's state file for host. Releasing twice is
// not an error.
func (q *Queue) Release(host string) error {
	path := q.statePath(host, q.pid)
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return NewQueueError("Release", host, q.pid, "failed to delete state file", err)
	}
	q.logger.Debug("state file deleted", "host", host, "path", path)
	return nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
