package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marchenkov/audience-os/internal/config"
	"github.com/marchenkov/audience-os/internal/logger"
)

// Run lifecycle states.
type RunState string

const (
	RunStateRunning   RunState = "running"
	RunStateCompleted RunState = "completed"
	RunStateCancelled RunState = "cancelled"
)

var (
	ErrRunInProgress     = errors.New("a collection run is already in progress")
	ErrRunNotFound       = errors.New("run not found")
	ErrRunFinished       = errors.New("run already finished")
	ErrUnknownCredential = errors.New("unknown credential")
)

// Run is a snapshot of a collection run's state.
type Run struct {
	ID          uuid.UUID           `json:"id"`
	Date        string              `json:"date"`
	State       RunState            `json:"state"`
	StartedAt   time.Time           `json:"started_at"`
	FinishedAt  *time.Time          `json:"finished_at,omitempty"`
	Credentials []CredentialSummary `json:"credentials,omitempty"`
}

type activeRun struct {
	run    Run
	cancel context.CancelFunc
	done   chan struct{}
}

// historyLimit bounds how many finished runs stay queryable by id.
const historyLimit = 20

// Registry owns run execution. At most one run may be active at a time;
// finished runs remain queryable by their handle, oldest evicted first.
type Registry struct {
	service *Service
	log     *logger.Logger

	mu      sync.Mutex
	current *activeRun
	history map[uuid.UUID]Run
	order   []uuid.UUID
}

func NewRegistry(service *Service, log *logger.Logger) *Registry {
	return &Registry{
		service: service,
		log:     log,
		history: make(map[uuid.UUID]Run),
	}
}

// StartRun launches a run for the given calendar day. credentialIDs narrows
// the run to a subset of the configured credentials; empty means all. It
// returns ErrRunInProgress while a previous run is still active.
func (r *Registry) StartRun(date time.Time, credentialIDs ...string) (uuid.UUID, error) {
	credentials, err := r.selectCredentials(credentialIDs)
	if err != nil {
		return uuid.Nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current != nil && r.current.run.State == RunStateRunning {
		return uuid.Nil, ErrRunInProgress
	}
	if r.current != nil {
		r.retireLocked(r.current)
	}

	ctx, cancel := context.WithCancel(context.Background())
	run := &activeRun{
		run: Run{
			ID:        uuid.New(),
			Date:      date.Format("2006-01-02"),
			State:     RunStateRunning,
			StartedAt: time.Now(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	r.current = run

	go r.execute(ctx, run, date, credentials)

	return run.run.ID, nil
}

// selectCredentials resolves the requested credential ids, defaulting to the
// whole configured set.
func (r *Registry) selectCredentials(ids []string) ([]config.Credential, error) {
	all := r.service.Credentials()
	if len(ids) == 0 {
		return all, nil
	}

	byID := make(map[string]config.Credential, len(all))
	for _, cred := range all {
		byID[cred.ID] = cred
	}

	selected := make([]config.Credential, 0, len(ids))
	for _, id := range ids {
		cred, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownCredential, id)
		}
		selected = append(selected, cred)
	}
	return selected, nil
}

func (r *Registry) execute(ctx context.Context, run *activeRun, date time.Time, credentials []config.Credential) {
	defer close(run.done)
	defer run.cancel()

	r.log.Info().Str("run_id", run.run.ID.String()).Str("date", run.run.Date).
		Int("credentials", len(credentials)).
		Msg("registry: run started")

	// Credentials run sequentially; the bounded fan-out lives inside each
	// credential's chat traversal.
	for _, cred := range credentials {
		summary := r.service.RunCredential(ctx, run.run.ID, cred, date)

		r.mu.Lock()
		run.run.Credentials = append(run.run.Credentials, summary)
		r.mu.Unlock()

		if ctx.Err() != nil {
			break
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	run.run.FinishedAt = &now
	if ctx.Err() != nil {
		run.run.State = RunStateCancelled
	} else {
		run.run.State = RunStateCompleted
	}

	r.log.Info().Str("run_id", run.run.ID.String()).Str("state", string(run.run.State)).
		Msg("registry: run finished")
}

// Cancel requests cancellation of a running run and waits for it to drain.
// Records from chats that completed before cancellation are already
// persisted by the time this returns.
func (r *Registry) Cancel(id uuid.UUID) error {
	r.mu.Lock()
	run := r.current
	if run == nil || run.run.ID != id {
		_, retired := r.history[id]
		r.mu.Unlock()
		if retired {
			return ErrRunFinished
		}
		return ErrRunNotFound
	}
	if run.run.State != RunStateRunning {
		r.mu.Unlock()
		return ErrRunFinished
	}
	r.mu.Unlock()

	run.cancel()
	<-run.done
	return nil
}

// Get returns a snapshot of the run with the given id, searching the active
// run first and retained finished runs second.
func (r *Registry) Get(id uuid.UUID) (Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current != nil && r.current.run.ID == id {
		return snapshotRun(&r.current.run), nil
	}
	if run, ok := r.history[id]; ok {
		return snapshotRun(&run), nil
	}
	return Run{}, ErrRunNotFound
}

// Current returns the latest run, if any.
func (r *Registry) Current() (Run, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current == nil {
		return Run{}, false
	}
	return snapshotRun(&r.current.run), true
}

// retireLocked moves a finished run into the bounded history.
func (r *Registry) retireLocked(run *activeRun) {
	snap := snapshotRun(&run.run)
	r.history[snap.ID] = snap
	r.order = append(r.order, snap.ID)
	for len(r.order) > historyLimit {
		delete(r.history, r.order[0])
		r.order = r.order[1:]
	}
}

func snapshotRun(run *Run) Run {
	snap := *run
	snap.Credentials = append([]CredentialSummary(nil), run.Credentials...)
	return snap
}
