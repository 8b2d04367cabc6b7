package collector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/marchenkov/audience-os/internal/logger"
	"github.com/marchenkov/audience-os/internal/telegram"
)

// fakeTelegramClient serves a fixed set of chats and their histories.
type fakeTelegramClient struct {
	chats   []telegram.Chat
	history map[int64][]telegram.Message // ascending by id

	listErr error
	readErr map[int64]error // per-chat NewestMessage failure

	mu         sync.Mutex
	inFlight   int
	maxInUse   int
	chatDelay  time.Duration
	processing chan struct{} // closed externally to release chats
}

func (f *fakeTelegramClient) ListGroupChats(_ context.Context) ([]telegram.Chat, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.chats, nil
}

func (f *fakeTelegramClient) NewestMessage(ctx context.Context, chat *telegram.Chat) (*telegram.Message, error) {
	if err := f.readErr[chat.ID]; err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxInUse {
		f.maxInUse = f.inFlight
	}
	f.mu.Unlock()

	if f.chatDelay > 0 {
		time.Sleep(f.chatDelay)
	}
	if f.processing != nil {
		select {
		case <-f.processing:
		case <-ctx.Done():
		}
	}

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()

	msgs := f.history[chat.ID]
	if len(msgs) == 0 {
		return nil, nil
	}
	m := msgs[len(msgs)-1]
	return &m, nil
}

func (f *fakeTelegramClient) MessageBefore(_ context.Context, chat *telegram.Chat, id int64) (*telegram.Message, error) {
	msgs := f.history[chat.ID]
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].ID <= id {
			m := msgs[i]
			return &m, nil
		}
	}
	return nil, nil
}

func (f *fakeTelegramClient) GetMessages(_ context.Context, chat *telegram.Chat, offsetID int64, limit int) ([]telegram.Message, error) {
	msgs := f.history[chat.ID]
	var page []telegram.Message
	for i := len(msgs) - 1; i >= 0 && len(page) < limit; i-- {
		if msgs[i].ID < offsetID {
			page = append(page, msgs[i])
		}
	}
	return page, nil
}

func sent(id int64, date time.Time, sender *telegram.Sender) telegram.Message {
	return telegram.Message{ID: id, Date: date, Sender: sender}
}

func newProcessor(client TelegramClient, concurrency int) *Processor {
	return NewProcessor(client, concurrency, time.UTC, logger.Get())
}

func TestProcessor_Collect(t *testing.T) {
	target := func(t *testing.T) time.Time { return day(t, "2026-03-10") }

	t.Run("skips chats at or below the participant threshold", func(t *testing.T) {
		alice := &telegram.Sender{ID: 1, Username: "alice"}
		client := &fakeTelegramClient{
			chats: []telegram.Chat{
				{ID: 1, Title: "small", Participants: 10},
				{ID: 2, Title: "big", Participants: 11},
			},
			history: map[int64][]telegram.Message{
				1: {sent(1, at(t, "2026-03-10 10:00"), &telegram.Sender{ID: 99})},
				2: {sent(1, at(t, "2026-03-10 10:00"), alice)},
			},
		}

		result, err := newProcessor(client, 3).Collect(context.Background(), target(t))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.ChatsAttempted != 1 {
			t.Errorf("ChatsAttempted = %d, want 1", result.ChatsAttempted)
		}
		if len(result.Records) != 1 || result.Records[0].UserID != 1 {
			t.Fatalf("records = %+v, want only user 1", result.Records)
		}
	})

	t.Run("merges distinct senders across chats", func(t *testing.T) {
		alice := &telegram.Sender{ID: 1, Username: "alice", FirstName: "Alice"}
		bob := &telegram.Sender{ID: 2, Username: "@bob"}
		carol := &telegram.Sender{ID: 3}

		client := &fakeTelegramClient{
			chats: []telegram.Chat{
				{ID: 1, Title: "one", Participants: 50},
				{ID: 2, Title: "two", Participants: 50},
			},
			history: map[int64][]telegram.Message{
				1: {
					sent(1, at(t, "2026-03-10 09:00"), alice),
					sent(2, at(t, "2026-03-10 10:00"), bob),
					sent(3, at(t, "2026-03-10 11:00"), alice),
				},
				2: {
					sent(1, at(t, "2026-03-10 12:00"), alice),
					sent(2, at(t, "2026-03-10 13:00"), carol),
				},
			},
		}

		result, err := newProcessor(client, 3).Collect(context.Background(), target(t))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(result.Records) != 3 {
			t.Fatalf("records = %d, want 3 distinct senders", len(result.Records))
		}

		// sorted by user id
		if result.Records[0].UserID != 1 || result.Records[1].UserID != 2 || result.Records[2].UserID != 3 {
			t.Errorf("records not sorted by user id: %+v", result.Records)
		}
		if result.Records[0].Username != "@alice" {
			t.Errorf("username = %q, want @alice", result.Records[0].Username)
		}
		if result.Records[1].Username != "@bob" {
			t.Errorf("username = %q, want @bob", result.Records[1].Username)
		}
		if result.Records[2].Username != "" {
			t.Errorf("username = %q, want empty for anonymous sender", result.Records[2].Username)
		}
	})

	t.Run("honors the concurrency cap", func(t *testing.T) {
		chats := make([]telegram.Chat, 9)
		history := make(map[int64][]telegram.Message, 9)
		for i := range chats {
			id := int64(i + 1)
			chats[i] = telegram.Chat{ID: id, Title: "chat", Participants: 100}
			history[id] = []telegram.Message{
				sent(1, at(t, "2026-03-10 10:00"), &telegram.Sender{ID: id}),
			}
		}
		client := &fakeTelegramClient{
			chats:     chats,
			history:   history,
			chatDelay: 20 * time.Millisecond,
		}

		result, err := newProcessor(client, 3).Collect(context.Background(), target(t))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.ChatsAttempted != 9 {
			t.Errorf("ChatsAttempted = %d, want 9", result.ChatsAttempted)
		}
		if client.maxInUse > 3 {
			t.Errorf("max concurrent chats = %d, want <= 3", client.maxInUse)
		}
		if client.maxInUse < 2 {
			t.Errorf("max concurrent chats = %d, expected parallelism", client.maxInUse)
		}
	})

	t.Run("records chat failures without aborting others", func(t *testing.T) {
		client := &fakeTelegramClient{
			chats: []telegram.Chat{
				{ID: 1, Title: "broken", Participants: 50},
				{ID: 2, Title: "ok", Participants: 50},
			},
			history: map[int64][]telegram.Message{
				2: {sent(1, at(t, "2026-03-10 10:00"), &telegram.Sender{ID: 7, Username: "grace"})},
			},
			readErr: map[int64]error{1: errors.New("CHANNEL_PRIVATE")},
		}

		result, err := newProcessor(client, 2).Collect(context.Background(), target(t))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.ChatsFailed != 1 {
			t.Fatalf("ChatsFailed = %d, want 1", result.ChatsFailed)
		}
		if result.Failures[0].ChatID != 1 || result.Failures[0].Reason == "" {
			t.Errorf("failure = %+v, want chat 1 with reason", result.Failures[0])
		}
		if len(result.Records) != 1 || result.Records[0].UserID != 7 {
			t.Errorf("records = %+v, want user 7 from the healthy chat", result.Records)
		}
	})

	t.Run("auth failure is fatal for the credential", func(t *testing.T) {
		client := &fakeTelegramClient{
			chats: []telegram.Chat{
				{ID: 1, Title: "any", Participants: 50},
			},
			readErr: map[int64]error{1: telegram.ErrAuthRequired},
		}

		_, err := newProcessor(client, 2).Collect(context.Background(), target(t))
		if !telegram.IsAuthError(err) {
			t.Fatalf("error = %v, want auth error", err)
		}
	})

	t.Run("cancelled context discards in-flight chats", func(t *testing.T) {
		client := &fakeTelegramClient{
			chats: []telegram.Chat{
				{ID: 1, Title: "any", Participants: 50},
			},
			history: map[int64][]telegram.Message{
				1: {sent(1, at(t, "2026-03-10 10:00"), &telegram.Sender{ID: 5})},
			},
		}

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		result, err := newProcessor(client, 2).Collect(ctx, target(t))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(result.Records) != 0 {
			t.Errorf("records = %+v, want none after cancellation", result.Records)
		}
		if result.ChatsFailed != 1 {
			t.Errorf("ChatsFailed = %d, want 1", result.ChatsFailed)
		}
	})
}
