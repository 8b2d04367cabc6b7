package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/marchenkov/audience-os/internal/config"
	"github.com/marchenkov/audience-os/internal/logger"
	"github.com/marchenkov/audience-os/internal/persist"
	"github.com/marchenkov/audience-os/internal/repository"
	"github.com/marchenkov/audience-os/internal/telegram"
)

// Persister commits a collected identity set to the store.
type Persister interface {
	Persist(ctx context.Context, records []repository.Identity) (*persist.Result, []repository.Identity, error)
}

// EventPublisher publishes run lifecycle events for downstream collaborators.
type EventPublisher interface {
	PublishCredentialDone(ctx context.Context, event CredentialDoneEvent) error
}

// CredentialDoneEvent is emitted once a credential's persistence step
// completes.
type CredentialDoneEvent struct {
	RunID          uuid.UUID `json:"run_id"`
	CredentialID   string    `json:"credential_id"`
	Date           string    `json:"date"`
	ChatsAttempted int       `json:"chats_attempted"`
	ChatsFailed    int       `json:"chats_failed"`
	Inserted       int       `json:"inserted"`
	Duplicates     int       `json:"duplicates"`
	FailedBatches  int       `json:"failed_batches"`
	NeedsReauth    bool      `json:"needs_reauth"`
	CompletedAt    time.Time `json:"completed_at"`
}

// CredentialSummary is the per-credential outcome of one run. Partial
// success is the normal outcome, not a failure mode.
type CredentialSummary struct {
	CredentialID   string               `json:"credential_id"`
	ChatsAttempted int                  `json:"chats_attempted"`
	ChatsFailed    int                  `json:"chats_failed"`
	ChatFailures   []ChatFailure        `json:"chat_failures,omitempty"`
	Inserted       int                  `json:"inserted"`
	Duplicates     int                  `json:"duplicates"`
	BatchErrors    []persist.BatchError `json:"batch_errors,omitempty"`
	NeedsReauth    bool                 `json:"needs_reauth,omitempty"`
	Error          string               `json:"error,omitempty"`
	CompletedAt    time.Time            `json:"completed_at"`

	// NewRecords is handed to the export collaborator; it is not part of
	// the serialized summary.
	NewRecords []repository.Identity `json:"-"`
}

// Service runs the collection pipeline for credentials.
type Service struct {
	clients     map[string]TelegramClient
	credentials []config.Credential
	engine      Persister
	publisher   EventPublisher
	concurrency int
	loc         *time.Location
	log         *logger.Logger
}

// NewService creates a collector service. clients must hold one entry per
// credential id; publisher may be nil.
func NewService(
	clients map[string]TelegramClient,
	credentials []config.Credential,
	engine Persister,
	publisher EventPublisher,
	concurrency int,
	loc *time.Location,
	log *logger.Logger,
) *Service {
	return &Service{
		clients:     clients,
		credentials: credentials,
		engine:      engine,
		publisher:   publisher,
		concurrency: concurrency,
		loc:         loc,
		log:         log,
	}
}

// Credentials returns the credentials this service can run.
func (s *Service) Credentials() []config.Credential {
	return s.credentials
}

// RunCredential executes the full pipeline for one credential: bounded chat
// traversal, then deduplicating batch persistence. A summary is always
// produced, even on failure.
func (s *Service) RunCredential(ctx context.Context, runID uuid.UUID, cred config.Credential, date time.Time) CredentialSummary {
	summary := CredentialSummary{CredentialID: cred.ID}
	defer func() {
		summary.CompletedAt = time.Now()
		s.publish(runID, date, &summary)
	}()

	client, ok := s.clients[cred.ID]
	if !ok {
		summary.Error = fmt.Sprintf("no client for credential %s", cred.ID)
		return summary
	}

	s.log.Info().Str("credential", cred.ID).Str("date", date.Format("2006-01-02")).
		Msg("run: starting collection")

	processor := NewProcessor(client, s.concurrency, s.loc, s.log)
	collected, err := processor.Collect(ctx, date)
	if err != nil {
		if telegram.IsAuthError(err) {
			s.log.Error().Str("credential", cred.ID).
				Msg("run: credential needs reauthorization")
			summary.NeedsReauth = true
			return summary
		}
		summary.Error = err.Error()
		return summary
	}

	summary.ChatsAttempted = collected.ChatsAttempted
	summary.ChatsFailed = collected.ChatsFailed
	summary.ChatFailures = collected.Failures

	// Records from completed chats are persisted even when the run was
	// cancelled part-way; cancelled chats contributed nothing.
	result, committed, err := s.engine.Persist(ctx, collected.Records)
	if err != nil {
		summary.Error = fmt.Sprintf("persist: %s", err.Error())
		return summary
	}

	summary.Inserted = result.Inserted
	summary.Duplicates = result.Duplicates
	summary.BatchErrors = result.BatchErrors
	summary.NewRecords = committed

	s.log.Info().Str("credential", cred.ID).
		Int("inserted", summary.Inserted).
		Int("duplicates", summary.Duplicates).
		Msg("run: credential completed")

	return summary
}

// publish emits the credential-done event when a publisher is wired.
func (s *Service) publish(runID uuid.UUID, date time.Time, summary *CredentialSummary) {
	if s.publisher == nil {
		return
	}

	event := CredentialDoneEvent{
		RunID:          runID,
		CredentialID:   summary.CredentialID,
		Date:           date.Format("2006-01-02"),
		ChatsAttempted: summary.ChatsAttempted,
		ChatsFailed:    summary.ChatsFailed,
		Inserted:       summary.Inserted,
		Duplicates:     summary.Duplicates,
		FailedBatches:  len(summary.BatchErrors),
		NeedsReauth:    summary.NeedsReauth,
		CompletedAt:    summary.CompletedAt,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.publisher.PublishCredentialDone(ctx, event); err != nil {
		s.log.Warn().Err(err).Str("credential", summary.CredentialID).
			Msg("run: failed to publish event")
	}
}
