package collector

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/marchenkov/audience-os/internal/logger"
	"github.com/marchenkov/audience-os/internal/repository"
	"github.com/marchenkov/audience-os/internal/telegram"
)

// TelegramClient defines the remote read operations the processor needs.
type TelegramClient interface {
	ChatReader
	ListGroupChats(ctx context.Context) ([]telegram.Chat, error)
	GetMessages(ctx context.Context, chat *telegram.Chat, offsetID int64, limit int) ([]telegram.Message, error)
}

// minParticipants is the eligibility threshold: a chat is processed only
// when its participant count is strictly greater than this.
const minParticipants = 10

// historyPageSize is the api page size for history traversal.
const historyPageSize = 100

// ChatFailure records one chat that could not be processed.
type ChatFailure struct {
	ChatID int64  `json:"chat_id"`
	Title  string `json:"title"`
	Reason string `json:"reason"`
}

// CollectResult is the outcome of traversing one credential's chats.
type CollectResult struct {
	Records        []repository.Identity
	ChatsAttempted int
	ChatsFailed    int
	Failures       []ChatFailure
}

// Processor traverses a credential's group chats under a concurrency cap and
// extracts the distinct sender identities for one calendar date.
type Processor struct {
	client      TelegramClient
	resolver    *WindowResolver
	concurrency int
	loc         *time.Location
	log         *logger.Logger
}

// NewProcessor creates a processor for one credential's client.
func NewProcessor(client TelegramClient, concurrency int, loc *time.Location, log *logger.Logger) *Processor {
	return &Processor{
		client:      client,
		resolver:    NewWindowResolver(client, loc, log),
		concurrency: concurrency,
		loc:         loc,
		log:         log,
	}
}

// Collect gathers the distinct sender identity set across all eligible chats
// for the target date.
//
// Chats run independently under the concurrency cap; a failed chat is
// recorded and does not abort the others. An authorization failure is fatal
// for the whole credential and returned as an error. On cancellation the
// already-completed chats' records are kept and in-flight chats are
// discarded, reported as failures.
func (p *Processor) Collect(ctx context.Context, date time.Time) (*CollectResult, error) {
	chats, err := p.client.ListGroupChats(ctx)
	if err != nil {
		return nil, err
	}

	eligible := make([]telegram.Chat, 0, len(chats))
	for _, chat := range chats {
		if chat.Participants <= minParticipants {
			continue
		}
		eligible = append(eligible, chat)
	}
	p.log.Info().Int("eligible", len(eligible)).Int("total", len(chats)).
		Msg("processor: filtered group chats")

	result := &CollectResult{}
	merged := make(map[int64]repository.Identity)
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	for _, chat := range eligible {
		chat := chat
		g.Go(func() error {
			found, err := p.processChat(gctx, &chat, date)

			mu.Lock()
			defer mu.Unlock()
			result.ChatsAttempted++

			if err != nil {
				if telegram.IsAuthError(err) {
					// fatal for the credential, cancels the remaining chats
					return err
				}
				result.ChatsFailed++
				result.Failures = append(result.Failures, ChatFailure{
					ChatID: chat.ID,
					Title:  chat.Title,
					Reason: err.Error(),
				})
				return nil
			}

			for id, rec := range found {
				if _, ok := merged[id]; !ok {
					merged[id] = rec
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	result.Records = make([]repository.Identity, 0, len(merged))
	for _, rec := range merged {
		result.Records = append(result.Records, rec)
	}
	sort.Slice(result.Records, func(i, j int) bool {
		return result.Records[i].UserID < result.Records[j].UserID
	})

	p.log.Info().
		Int("identities", len(result.Records)).
		Int("attempted", result.ChatsAttempted).
		Int("failed", result.ChatsFailed).
		Msg("processor: collection completed")

	return result, nil
}

// processChat resolves the chat's window for the date and pages through it,
// collecting one identity per distinct sender. Cancellation is observed
// between page fetches; a cancelled chat yields nothing.
func (p *Processor) processChat(ctx context.Context, chat *telegram.Chat, date time.Time) (map[int64]repository.Identity, error) {
	win, err := p.resolver.Resolve(ctx, chat, date)
	if err != nil {
		return nil, err
	}

	found := make(map[int64]repository.Identity)
	if win.Empty() {
		p.log.Debug().Int64("chat_id", chat.ID).Str("title", chat.Title).
			Msg("processor: no messages for target date")
		return found, nil
	}

	offset := win.End + 1
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		messages, err := p.client.GetMessages(ctx, chat, offset, historyPageSize)
		if err != nil {
			return nil, err
		}
		if len(messages) == 0 {
			break
		}

		reachedStart := false
		for _, msg := range messages {
			if msg.ID < win.Start {
				reachedStart = true
				break
			}
			if msg.ID > win.End || msg.Sender == nil {
				continue
			}
			if _, ok := found[msg.Sender.ID]; ok {
				// later sightings merge into the first
				continue
			}
			found[msg.Sender.ID] = p.identityFrom(msg, chat)
		}
		if reachedStart {
			break
		}

		offset = messages[len(messages)-1].ID
		if offset <= win.Start {
			break
		}
	}

	p.log.Info().Int64("chat_id", chat.ID).Str("title", chat.Title).
		Int("senders", len(found)).Msg("processor: chat processed")
	return found, nil
}

// identityFrom builds the identity record for a sender's first sighting.
func (p *Processor) identityFrom(msg telegram.Message, chat *telegram.Chat) repository.Identity {
	sender := msg.Sender
	return repository.Identity{
		UserID:          sender.ID,
		Username:        normalizeUsername(sender.Username),
		FirstName:       sender.FirstName,
		LastName:        sender.LastName,
		Phone:           sender.Phone,
		IsPremium:       sender.Premium,
		IsVerified:      sender.Verified,
		IsBot:           sender.Bot,
		CollectedAt:     time.Now().In(p.loc),
		SourceChatID:    chat.ID,
		SourceChatTitle: chat.Title,
	}
}

// normalizeUsername adds the @ marker when the username is present.
func normalizeUsername(username string) string {
	if username == "" {
		return ""
	}
	if strings.HasPrefix(username, "@") {
		return username
	}
	return "@" + username
}
