package poller

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pollbridge/pollbridge/pkg/dispatch"
	"github.com/pollbridge/pollbridge/pkg/log"
	"github.com/pollbridge/pollbridge/pkg/metrics"
	"github.com/pollbridge/pollbridge/pkg/storage"
	"github.com/pollbridge/pollbridge/pkg/upstream"
)

const (
	// restartBackoffMin and restartBackoffMax bound the supervised restart
	// delay after a panicking task
	restartBackoffMin = 30 * time.Second
	restartBackoffMax = 300 * time.Second
)

// task is the per-connection bulkhead: its own HTTP clients, its own
// upstream session. A hung peer consumes only this task's resources.
type task struct {
	cancel       context.CancelFunc
	upstreamHTTP *http.Client
	webhookHTTP  *http.Client

	mu     sync.Mutex
	client *upstream.Client
	creds  credentials
}

type credentials struct {
	url, db, user, apiKey string
}

// Scheduler runs one supervised polling task per active connection
type Scheduler struct {
	store  storage.Store
	logger zerolog.Logger

	mu    sync.Mutex
	tasks map[string]*task
	wg    sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler creates a scheduler over the shared store handle
func NewScheduler(store storage.Store) *Scheduler {
	return &Scheduler{
		store:  store,
		logger: log.WithComponent("scheduler"),
		tasks:  make(map[string]*task),
	}
}

// Start spawns one task per active connection
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	conns, err := s.store.ListActiveConnections()
	if err != nil {
		return err
	}
	for _, conn := range conns {
		s.AddConnection(conn.ID)
	}
	s.logger.Info().Int("connections", len(conns)).Msg("scheduler started")
	return nil
}

// Stop cancels all tasks and waits for them to exit. Each task finishes its
// in-flight HTTP call (bounded by the client timeout) before stopping.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info().Msg("scheduler stopped")
}

// AddConnection spawns a polling task for the connection if none is running
func (s *Scheduler) AddConnection(connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[connID]; exists {
		return
	}

	taskCtx, cancel := context.WithCancel(s.ctx)
	t := &task{
		cancel:       cancel,
		upstreamHTTP: &http.Client{Timeout: upstream.DefaultTimeout},
		webhookHTTP:  &http.Client{Timeout: dispatch.DefaultTimeout},
	}
	s.tasks[connID] = t
	metrics.ConnectionsActive.Set(float64(len(s.tasks)))

	s.wg.Add(1)
	go s.supervise(taskCtx, connID, t)
}

// RemoveConnection stops the connection's task. The task exits at its next
// suspension point.
func (s *Scheduler) RemoveConnection(connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, exists := s.tasks[connID]
	if !exists {
		return
	}
	t.cancel()
	delete(s.tasks, connID)
	metrics.ConnectionsActive.Set(float64(len(s.tasks)))
}

// Running reports whether a task exists for the connection
func (s *Scheduler) Running(connID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[connID]
	return ok
}

// supervise restarts a panicking poll loop with exponential backoff
func (s *Scheduler) supervise(ctx context.Context, connID string, t *task) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		if s.tasks[connID] == t {
			delete(s.tasks, connID)
			metrics.ConnectionsActive.Set(float64(len(s.tasks)))
		}
		s.mu.Unlock()
	}()

	delay := restartBackoffMin
	for {
		panicked := s.pollLoop(ctx, connID, t)
		if ctx.Err() != nil || !panicked {
			return
		}

		metrics.TaskRestarts.WithLabelValues(connID).Inc()
		s.logger.Error().Str("connection_id", connID).Dur("restart_in", delay).
			Msg("poll task panicked, restarting")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		delay *= 2
		if delay > restartBackoffMax {
			delay = restartBackoffMax
		}
	}
}

// pollLoop runs cycles until the connection goes away, is deactivated, or the
// context is cancelled. Returns true when it ended in a panic.
func (s *Scheduler) pollLoop(ctx context.Context, connID string, t *task) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			s.logger.Error().Str("connection_id", connID).Any("panic", r).
				Msg("panic in poll loop")
		}
	}()

	for {
		if ctx.Err() != nil {
			return false
		}

		// Refresh the connection row each cycle: operator edits, breaker
		// resets and deactivation all take effect at the next cycle.
		conn, err := s.store.GetConnection(connID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				s.logger.Info().Str("connection_id", connID).Msg("connection deleted, stopping task")
				return false
			}
			s.logger.Error().Err(err).Str("connection_id", connID).Msg("failed to load connection")
			if !sleepCtx(ctx, restartBackoffMin) {
				return false
			}
			continue
		}
		if !conn.Active {
			s.logger.Info().Str("connection_id", connID).Msg("connection deactivated, stopping task")
			return false
		}

		client := t.upstreamClient(conn.UpstreamURL, conn.UpstreamDB, conn.UpstreamUser, conn.APIKey, conn.SessionUID)
		worker := NewWorker(conn, client, dispatch.NewDispatcher(t.webhookHTTP), s.store)
		if _, err := worker.Execute(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error().Err(err).Str("connection_id", connID).Msg("cycle error")
		}

		if !sleepCtx(ctx, time.Duration(conn.PollInterval)*time.Second) {
			return false
		}
	}
}

// upstreamClient returns the task's cached client, rebuilding it when the
// operator edited the credentials
func (t *task) upstreamClient(url, db, user, apiKey string, sessionUID int64) *upstream.Client {
	t.mu.Lock()
	defer t.mu.Unlock()
	creds := credentials{url: url, db: db, user: user, apiKey: apiKey}
	if t.client == nil || t.creds != creds {
		t.client = upstream.NewClient(url, db, user, apiKey, t.upstreamHTTP)
		if sessionUID != 0 {
			t.client.SeedSession(sessionUID)
		}
		t.creds = creds
	}
	return t.client
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
