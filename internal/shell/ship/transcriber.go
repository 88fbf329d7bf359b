package ship

import (
	"context"
	"os/signal"
	"sync"
	"syscall"

	"github.com/docker/docker/pkg/stdcopy"

	"github.com/artpar/freighter/internal/core/service"
)

// transcribed reports whether the log driver keeps no logs the engine can
// read back, so output has to be captured while the container runs.
func transcribed(logDriver string) bool {
	switch logDriver {
	case "", "json-file", "journald", "local":
		return false
	}
	return true
}

// transcript is the bounded output of one container. Only the last limit
// bytes are kept.
type transcript struct {
	mu     sync.Mutex
	buf    []byte
	limit  int
	cancel context.CancelFunc
}

func (t *transcript) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *transcript) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

// transcribe attaches to c in the background and records its output until
// the container exits, the ship closes or the process is signalled.
func (s *Ship) transcribe(c service.Container) {
	ctx, cancel := signal.NotifyContext(s.ctx, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT)
	t := &transcript{limit: s.cfg.TranscriptLimit, cancel: cancel}

	s.mu.Lock()
	if old, ok := s.transcripts[c.ID]; ok {
		old.cancel()
	}
	s.transcripts[c.ID] = t
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()

		stream, err := s.client.AttachContainer(ctx, c.ID)
		if err != nil {
			s.logger.Warn("failed to attach transcriber", "container", c.Name, "error", err)
			return
		}
		defer stream.Close()

		go func() {
			<-ctx.Done()
			stream.Close()
		}()

		if _, err := stdcopy.StdCopy(t, t, stream); err != nil && ctx.Err() == nil {
			s.logger.Debug("transcriber stopped", "container", c.Name, "error", err)
		}
	}()
}

func (s *Ship) transcriptOf(id string) (string, bool) {
	s.mu.Lock()
	t, ok := s.transcripts[id]
	s.mu.Unlock()
	if !ok {
		return "", false
	}
	return t.String(), true
}

func (s *Ship) stopTranscript(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.transcripts[id]; ok {
		t.cancel()
		delete(s.transcripts, id)
	}
}
