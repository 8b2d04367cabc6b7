package collector

import (
	"context"
	"time"

	"github.com/marchenkov/audience-os/internal/logger"
	"github.com/marchenkov/audience-os/internal/telegram"
)

// ChatReader is the point-lookup capability the resolver needs. Implemented
// by the production telegram client and by deterministic test fakes.
type ChatReader interface {
	// NewestMessage returns the newest message of the chat, nil when empty.
	NewestMessage(ctx context.Context, chat *telegram.Chat) (*telegram.Message, error)
	// MessageBefore returns the message with the greatest id <= id, nil when
	// no such message exists.
	MessageBefore(ctx context.Context, chat *telegram.Chat, id int64) (*telegram.Message, error)
}

// Window is the contiguous message-id range whose messages were all posted
// on one calendar date. The zero Window is empty.
type Window struct {
	Start int64
	End   int64
}

// Empty reports whether the window contains no messages.
func (w Window) Empty() bool {
	return w.Start == 0 || w.End == 0 || w.Start > w.End
}

// WindowResolver finds, per chat, the message-id window for a target date.
//
// Message ids grow monotonically with post time but the correlation is not
// strictly linear (remote clock jitter), so the boundaries found by binary
// search are re-validated with one extra probe per end. Disagreement is
// resolved by narrowing, never widening; if a boundary still disagrees after
// narrowing the chat is treated as having no messages for that date.
type WindowResolver struct {
	reader ChatReader
	loc    *time.Location
	log    *logger.Logger
}

// NewWindowResolver creates a resolver for the given timezone.
func NewWindowResolver(reader ChatReader, loc *time.Location, log *logger.Logger) *WindowResolver {
	return &WindowResolver{
		reader: reader,
		loc:    loc,
		log:    log,
	}
}

// Resolve returns the message-id window of the target date, or an empty
// Window when the chat has no messages that day. An empty window is not an
// error.
func (r *WindowResolver) Resolve(ctx context.Context, chat *telegram.Chat, date time.Time) (Window, error) {
	dayStart := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, r.loc)
	dayEnd := dayStart.AddDate(0, 0, 1)

	newest, err := r.reader.NewestMessage(ctx, chat)
	if err != nil {
		return Window{}, err
	}
	if newest == nil || newest.Date.Before(dayStart) {
		return Window{}, nil
	}

	last, err := r.searchLast(ctx, chat, newest.ID, dayEnd)
	if err != nil {
		return Window{}, err
	}
	first, err := r.searchFirst(ctx, chat, newest.ID, dayStart)
	if err != nil {
		return Window{}, err
	}

	if first == 0 || last == 0 || first > last {
		return Window{}, nil
	}

	win := Window{Start: first, End: last}
	return r.validate(ctx, chat, win, dayStart, dayEnd)
}

// searchLast finds the largest message id whose date is before dayEnd.
func (r *WindowResolver) searchLast(ctx context.Context, chat *telegram.Chat, top int64, dayEnd time.Time) (int64, error) {
	var last int64
	lo, hi := int64(1), top
	for lo <= hi {
		mid := lo + (hi-lo)/2
		m, err := r.reader.MessageBefore(ctx, chat, mid)
		if err != nil {
			return 0, err
		}
		if m == nil {
			// no messages at or below mid
			lo = mid + 1
			continue
		}
		if m.Date.Before(dayEnd) {
			last = m.ID
			lo = mid + 1
		} else {
			hi = m.ID - 1
		}
	}
	return last, nil
}

// searchFirst finds the smallest message id whose date is not before dayStart.
func (r *WindowResolver) searchFirst(ctx context.Context, chat *telegram.Chat, top int64, dayStart time.Time) (int64, error) {
	var first int64
	lo, hi := int64(1), top
	for lo <= hi {
		mid := lo + (hi-lo)/2
		m, err := r.reader.MessageBefore(ctx, chat, mid)
		if err != nil {
			return 0, err
		}
		if m == nil {
			lo = mid + 1
			continue
		}
		if m.Date.Before(dayStart) {
			lo = mid + 1
		} else {
			first = m.ID
			hi = m.ID - 1
		}
	}
	return first, nil
}

// validate re-probes both window ends. A boundary whose message falls outside
// the target day is narrowed once; if it still disagrees, the window is
// reported empty and logged as an anomaly.
func (r *WindowResolver) validate(ctx context.Context, chat *telegram.Chat, win Window, dayStart, dayEnd time.Time) (Window, error) {
	inDay := func(m *telegram.Message) bool {
		return m != nil && !m.Date.Before(dayStart) && m.Date.Before(dayEnd)
	}

	startMsg, err := r.reader.MessageBefore(ctx, chat, win.Start)
	if err != nil {
		return Window{}, err
	}
	if !inDay(startMsg) {
		// narrow from below: try the next identifier up
		win.Start++
		startMsg, err = r.reader.MessageBefore(ctx, chat, win.Start)
		if err != nil {
			return Window{}, err
		}
		if !inDay(startMsg) || startMsg.ID < win.Start {
			r.log.Warn().Int64("chat_id", chat.ID).Int64("start", win.Start).
				Msg("window: start boundary disagrees after narrowing, treating as empty")
			return Window{}, nil
		}
		win.Start = startMsg.ID
	}

	endMsg, err := r.reader.MessageBefore(ctx, chat, win.End)
	if err != nil {
		return Window{}, err
	}
	if endMsg == nil || endMsg.ID != win.End || !inDay(endMsg) {
		// narrow from above
		win.End--
		endMsg, err = r.reader.MessageBefore(ctx, chat, win.End)
		if err != nil {
			return Window{}, err
		}
		if !inDay(endMsg) {
			r.log.Warn().Int64("chat_id", chat.ID).Int64("end", win.End).
				Msg("window: end boundary disagrees after narrowing, treating as empty")
			return Window{}, nil
		}
		win.End = endMsg.ID
	}

	if win.Empty() {
		return Window{}, nil
	}
	return win, nil
}
