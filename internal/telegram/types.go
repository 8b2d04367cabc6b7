package telegram

import (
	"time"

	"github.com/gotd/td/tg"
)

// Chat represents a Telegram group chat reachable by one credential.
type Chat struct {
	ID           int64  // chat id
	AccessHash   int64  // access hash for api calls (channels only)
	Title        string // chat title
	Participants int    // participant count reported by the dialog list
	IsChannel    bool   // megagroup channel vs legacy small group
}

// InputPeer builds the api peer for this chat.
func (c *Chat) InputPeer() tg.InputPeerClass {
	if c.IsChannel {
		return &tg.InputPeerChannel{ChannelID: c.ID, AccessHash: c.AccessHash}
	}
	return &tg.InputPeerChat{ChatID: c.ID}
}

// Sender describes the author of a message as reported by the api.
type Sender struct {
	ID        int64
	Username  string // raw username, without marker
	FirstName string
	LastName  string
	Phone     string
	Premium   bool
	Verified  bool
	Bot       bool
}

// Message represents a message fetched from a chat. Sender is nil for
// service messages and for senders the api did not expand.
type Message struct {
	ID     int64
	ChatID int64
	Date   time.Time
	Sender *Sender
}
