// Package telegram provides the Telegram MTProto access layer.
package telegram

import (
	"context"
	"fmt"
	"time"

	"github.com/gotd/td/tg"

	"github.com/marchenkov/audience-os/internal/logger"
)

// dialogsPageSize is the api page size for dialog listing.
const dialogsPageSize = 100

// Client wraps one credential's gotgproto client and provides the high-level
// read operations the collector needs. All remote calls go through the
// rate-limited fetch wrapper.
type Client struct {
	manager *Manager
	fetcher *Fetcher
	log     *logger.Logger
}

// NewClient creates a telegram client wrapper for one credential.
func NewClient(manager *Manager) *Client {
	return &Client{
		manager: manager,
		fetcher: NewFetcher(DefaultRateLimiter(), logger.Get()),
		log:     logger.Get(),
	}
}

// Close stops the client via the manager.
func (c *Client) Close() {
	if c.manager != nil {
		c.manager.Stop()
	}
}

// api returns the raw tg.Client for direct calls.
func (c *Client) api() (*tg.Client, error) {
	proto := c.manager.GetClient()
	if proto == nil {
		return nil, ErrAuthRequired
	}
	return proto.API(), nil
}

// ListGroupChats returns all non-archived group chats the credential can
// enumerate, with their participant counts.
func (c *Client) ListGroupChats(ctx context.Context) ([]Chat, error) {
	api, err := c.api()
	if err != nil {
		return nil, err
	}

	byID := make(map[int64]Chat)
	var order []int64

	offsetDate := 0
	offsetPeer := tg.InputPeerClass(&tg.InputPeerEmpty{})

	for {
		var resp tg.MessagesDialogsClass
		err := c.fetcher.Do(ctx, "messages.getDialogs", func(ctx context.Context) error {
			var err error
			resp, err = api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
				OffsetDate: offsetDate,
				OffsetPeer: offsetPeer,
				Limit:      dialogsPageSize,
			})
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("get dialogs: %w", err)
		}

		var dialogs []tg.DialogClass
		var messages []tg.MessageClass
		var chats []tg.ChatClass
		complete := true

		switch d := resp.(type) {
		case *tg.MessagesDialogs:
			dialogs, messages, chats = d.Dialogs, d.Messages, d.Chats
		case *tg.MessagesDialogsSlice:
			dialogs, messages, chats = d.Dialogs, d.Messages, d.Chats
			complete = len(dialogs) < dialogsPageSize
		default:
			return nil, fmt.Errorf("unexpected dialogs type %T", resp)
		}

		// archived dialogs live in folder 1 and are skipped, like the
		// rest of the collection pipeline expects
		visible := make(map[int64]bool)
		for _, d := range dialogs {
			dlg, ok := d.(*tg.Dialog)
			if !ok || dlg.FolderID != 0 {
				continue
			}
			switch p := dlg.Peer.(type) {
			case *tg.PeerChat:
				visible[p.ChatID] = true
			case *tg.PeerChannel:
				visible[p.ChannelID] = true
			}
		}

		for _, raw := range chats {
			chat, ok := c.parseGroupChat(raw)
			if !ok || !visible[chat.ID] {
				continue
			}
			if _, seen := byID[chat.ID]; !seen {
				byID[chat.ID] = chat
				order = append(order, chat.ID)
			}
		}

		if complete {
			break
		}

		next := nextDialogsOffset(messages)
		if next == 0 || next == offsetDate {
			break
		}
		offsetDate = next
	}

	out := make([]Chat, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}

	c.log.Info().Int("chats", len(out)).Msg("telegram: listed group chats")
	return out, nil
}

// parseGroupChat converts a raw chat into a Chat, keeping legacy small
// groups and megagroup channels only.
func (c *Client) parseGroupChat(raw tg.ChatClass) (Chat, bool) {
	switch ch := raw.(type) {
	case *tg.Chat:
		if _, migrated := ch.GetMigratedTo(); migrated || ch.Deactivated {
			return Chat{}, false
		}
		return Chat{
			ID:           ch.ID,
			Title:        ch.Title,
			Participants: ch.ParticipantsCount,
		}, true
	case *tg.Channel:
		if !ch.Megagroup {
			// broadcast channels have no sender variety to collect
			return Chat{}, false
		}
		count, _ := ch.GetParticipantsCount()
		return Chat{
			ID:           ch.ID,
			AccessHash:   ch.AccessHash,
			Title:        ch.Title,
			Participants: count,
			IsChannel:    true,
		}, true
	default:
		return Chat{}, false
	}
}

// nextDialogsOffset returns the oldest top-message date in the page, which
// is the offset for the next dialogs request.
func nextDialogsOffset(messages []tg.MessageClass) int {
	oldest := 0
	for _, raw := range messages {
		var date int
		switch m := raw.(type) {
		case *tg.Message:
			date = m.Date
		case *tg.MessageService:
			date = m.Date
		default:
			continue
		}
		if oldest == 0 || date < oldest {
			oldest = date
		}
	}
	return oldest
}

// NewestMessage returns the newest message of the chat, or nil when the chat
// has no messages.
func (c *Client) NewestMessage(ctx context.Context, chat *Chat) (*Message, error) {
	msgs, err := c.GetMessages(ctx, chat, 0, 1)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return &msgs[0], nil
}

// MessageBefore returns the message with the greatest id <= id, or nil when
// no such message exists.
func (c *Client) MessageBefore(ctx context.Context, chat *Chat, id int64) (*Message, error) {
	msgs, err := c.GetMessages(ctx, chat, id+1, 1)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return &msgs[0], nil
}

// GetMessages fetches up to limit messages strictly older than offsetID,
// newest first. offsetID 0 means newest messages.
func (c *Client) GetMessages(ctx context.Context, chat *Chat, offsetID int64, limit int) ([]Message, error) {
	if limit > 100 {
		limit = 100 // telegram api limit
	}

	api, err := c.api()
	if err != nil {
		return nil, err
	}

	var history tg.MessagesMessagesClass
	err = c.fetcher.Do(ctx, "messages.getHistory", func(ctx context.Context) error {
		var err error
		history, err = api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
			Peer:     chat.InputPeer(),
			OffsetID: int(offsetID),
			Limit:    limit,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}

	return c.extractMessages(history, chat), nil
}

// extractMessages converts an api history response into Messages with their
// senders resolved from the response's user list.
func (c *Client) extractMessages(history tg.MessagesMessagesClass, chat *Chat) []Message {
	var rawMsgs []tg.MessageClass
	var rawUsers []tg.UserClass

	switch h := history.(type) {
	case *tg.MessagesChannelMessages:
		rawMsgs, rawUsers = h.Messages, h.Users
	case *tg.MessagesMessagesSlice:
		rawMsgs, rawUsers = h.Messages, h.Users
	case *tg.MessagesMessages:
		rawMsgs, rawUsers = h.Messages, h.Users
	}

	senders := make(map[int64]*Sender, len(rawUsers))
	for _, raw := range rawUsers {
		if u, ok := raw.(*tg.User); ok {
			senders[u.ID] = parseSender(u)
		}
	}

	var messages []Message
	for _, raw := range rawMsgs {
		switch m := raw.(type) {
		case *tg.Message:
			msg := Message{
				ID:     int64(m.ID),
				ChatID: chat.ID,
				Date:   time.Unix(int64(m.Date), 0).UTC(),
			}
			if peer, ok := m.FromID.(*tg.PeerUser); ok {
				msg.Sender = senders[peer.UserID]
			}
			messages = append(messages, msg)
		case *tg.MessageService:
			// joins, pins and the like keep their id and date so history
			// paging and boundary probes see them; there is no sender to
			// collect
			messages = append(messages, Message{
				ID:     int64(m.ID),
				ChatID: chat.ID,
				Date:   time.Unix(int64(m.Date), 0).UTC(),
			})
		}
	}

	return messages
}

func parseSender(u *tg.User) *Sender {
	username, _ := u.GetUsername()
	firstName, _ := u.GetFirstName()
	lastName, _ := u.GetLastName()
	phone, _ := u.GetPhone()

	return &Sender{
		ID:        u.ID,
		Username:  username,
		FirstName: firstName,
		LastName:  lastName,
		Phone:     phone,
		Premium:   u.Premium,
		Verified:  u.Verified,
		Bot:       u.Bot,
	}
}
