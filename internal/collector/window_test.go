package collector

import (
	"context"
	"testing"
	"time"

	"github.com/marchenkov/audience-os/internal/logger"
	"github.com/marchenkov/audience-os/internal/telegram"
)

// fakeReader serves a fixed ascending-by-id message history.
type fakeReader struct {
	msgs []telegram.Message
}

func (f *fakeReader) NewestMessage(_ context.Context, _ *telegram.Chat) (*telegram.Message, error) {
	if len(f.msgs) == 0 {
		return nil, nil
	}
	m := f.msgs[len(f.msgs)-1]
	return &m, nil
}

func (f *fakeReader) MessageBefore(_ context.Context, _ *telegram.Chat, id int64) (*telegram.Message, error) {
	for i := len(f.msgs) - 1; i >= 0; i-- {
		if f.msgs[i].ID <= id {
			m := f.msgs[i]
			return &m, nil
		}
	}
	return nil, nil
}

func day(t *testing.T, value string) time.Time {
	t.Helper()
	d, err := time.ParseInLocation("2006-01-02", value, time.UTC)
	if err != nil {
		t.Fatalf("parse date: %v", err)
	}
	return d
}

func at(t *testing.T, value string) time.Time {
	t.Helper()
	ts, err := time.ParseInLocation("2006-01-02 15:04", value, time.UTC)
	if err != nil {
		t.Fatalf("parse time: %v", err)
	}
	return ts
}

func msg(id int64, date time.Time) telegram.Message {
	return telegram.Message{ID: id, Date: date}
}

func resolver(reader ChatReader) *WindowResolver {
	return NewWindowResolver(reader, time.UTC, logger.Get())
}

func TestWindowResolver_Resolve(t *testing.T) {
	chat := &telegram.Chat{ID: 1, Title: "test"}

	t.Run("window inside multi-day history", func(t *testing.T) {
		reader := &fakeReader{msgs: []telegram.Message{
			msg(10, at(t, "2026-03-09 23:50")),
			msg(11, at(t, "2026-03-10 00:05")),
			msg(12, at(t, "2026-03-10 09:00")),
			msg(13, at(t, "2026-03-10 23:59")),
			msg(14, at(t, "2026-03-11 00:01")),
			msg(15, at(t, "2026-03-11 12:00")),
		}}

		win, err := resolver(reader).Resolve(context.Background(), chat, day(t, "2026-03-10"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if win.Start != 11 || win.End != 13 {
			t.Errorf("window = [%d, %d], want [11, 13]", win.Start, win.End)
		}
	})

	t.Run("empty chat", func(t *testing.T) {
		reader := &fakeReader{}

		win, err := resolver(reader).Resolve(context.Background(), chat, day(t, "2026-03-10"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !win.Empty() {
			t.Errorf("window = [%d, %d], want empty", win.Start, win.End)
		}
	})

	t.Run("newest message older than target date", func(t *testing.T) {
		reader := &fakeReader{msgs: []telegram.Message{
			msg(5, at(t, "2026-03-01 10:00")),
		}}

		win, err := resolver(reader).Resolve(context.Background(), chat, day(t, "2026-03-10"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !win.Empty() {
			t.Errorf("window = [%d, %d], want empty", win.Start, win.End)
		}
	})

	t.Run("no messages on target date between active days", func(t *testing.T) {
		reader := &fakeReader{msgs: []telegram.Message{
			msg(10, at(t, "2026-03-09 12:00")),
			msg(11, at(t, "2026-03-11 12:00")),
		}}

		win, err := resolver(reader).Resolve(context.Background(), chat, day(t, "2026-03-10"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !win.Empty() {
			t.Errorf("window = [%d, %d], want empty", win.Start, win.End)
		}
	})

	t.Run("all messages on target date", func(t *testing.T) {
		reader := &fakeReader{msgs: []telegram.Message{
			msg(1, at(t, "2026-03-10 08:00")),
			msg(2, at(t, "2026-03-10 12:00")),
			msg(3, at(t, "2026-03-10 20:00")),
		}}

		win, err := resolver(reader).Resolve(context.Background(), chat, day(t, "2026-03-10"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if win.Start != 1 || win.End != 3 {
			t.Errorf("window = [%d, %d], want [1, 3]", win.Start, win.End)
		}
	})

	t.Run("id gaps from deleted messages", func(t *testing.T) {
		reader := &fakeReader{msgs: []telegram.Message{
			msg(10, at(t, "2026-03-09 23:00")),
			msg(40, at(t, "2026-03-10 10:00")),
			msg(70, at(t, "2026-03-10 15:00")),
			msg(100, at(t, "2026-03-11 08:00")),
		}}

		win, err := resolver(reader).Resolve(context.Background(), chat, day(t, "2026-03-10"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if win.Start != 40 || win.End != 70 {
			t.Errorf("window = [%d, %d], want [40, 70]", win.Start, win.End)
		}
	})

	t.Run("single message on target date", func(t *testing.T) {
		reader := &fakeReader{msgs: []telegram.Message{
			msg(10, at(t, "2026-03-09 12:00")),
			msg(11, at(t, "2026-03-10 12:00")),
			msg(12, at(t, "2026-03-11 12:00")),
		}}

		win, err := resolver(reader).Resolve(context.Background(), chat, day(t, "2026-03-10"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if win.Start != 11 || win.End != 11 {
			t.Errorf("window = [%d, %d], want [11, 11]", win.Start, win.End)
		}
	})

	t.Run("target date is the newest day", func(t *testing.T) {
		reader := &fakeReader{msgs: []telegram.Message{
			msg(20, at(t, "2026-03-09 22:00")),
			msg(21, at(t, "2026-03-10 06:00")),
			msg(22, at(t, "2026-03-10 18:00")),
		}}

		win, err := resolver(reader).Resolve(context.Background(), chat, day(t, "2026-03-10"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if win.Start != 21 || win.End != 22 {
			t.Errorf("window = [%d, %d], want [21, 22]", win.Start, win.End)
		}
	})
}

func TestWindowResolver_Validate(t *testing.T) {
	chat := &telegram.Chat{ID: 1, Title: "test"}
	dayStart := day(t, "2026-03-10")
	dayEnd := dayStart.AddDate(0, 0, 1)

	t.Run("stale start narrows up one step", func(t *testing.T) {
		reader := &fakeReader{msgs: []telegram.Message{
			msg(10, at(t, "2026-03-09 23:00")),
			msg(11, at(t, "2026-03-10 08:00")),
			msg(13, at(t, "2026-03-10 12:00")),
		}}

		win, err := resolver(reader).validate(context.Background(), chat,
			Window{Start: 10, End: 13}, dayStart, dayEnd)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if win.Start != 11 || win.End != 13 {
			t.Errorf("window = [%d, %d], want [11, 13]", win.Start, win.End)
		}
	})

	t.Run("start still outside after narrowing reports empty", func(t *testing.T) {
		reader := &fakeReader{msgs: []telegram.Message{
			msg(10, at(t, "2026-03-09 23:00")),
			msg(13, at(t, "2026-03-10 12:00")),
		}}

		win, err := resolver(reader).validate(context.Background(), chat,
			Window{Start: 10, End: 13}, dayStart, dayEnd)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !win.Empty() {
			t.Errorf("window = [%d, %d], want empty", win.Start, win.End)
		}
	})

	t.Run("deleted end id narrows to its floor", func(t *testing.T) {
		reader := &fakeReader{msgs: []telegram.Message{
			msg(11, at(t, "2026-03-10 08:00")),
			msg(13, at(t, "2026-03-10 12:00")),
			msg(15, at(t, "2026-03-11 09:00")),
		}}

		win, err := resolver(reader).validate(context.Background(), chat,
			Window{Start: 11, End: 14}, dayStart, dayEnd)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if win.Start != 11 || win.End != 13 {
			t.Errorf("window = [%d, %d], want [11, 13]", win.Start, win.End)
		}
	})

	t.Run("end still outside after narrowing reports empty", func(t *testing.T) {
		reader := &fakeReader{msgs: []telegram.Message{
			msg(11, at(t, "2026-03-10 22:00")),
			msg(12, at(t, "2026-03-11 00:01")),
			msg(13, at(t, "2026-03-11 00:05")),
		}}

		win, err := resolver(reader).validate(context.Background(), chat,
			Window{Start: 11, End: 13}, dayStart, dayEnd)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !win.Empty() {
			t.Errorf("window = [%d, %d], want empty", win.Start, win.End)
		}
	})
}

// driftReader answers the first flipAfter point lookups from before, the rest
// from after. Models boundary probes whose answers shift between the binary
// searches and the validation pass.
type driftReader struct {
	before    *fakeReader
	after     *fakeReader
	flipAfter int
	calls     int
}

func (d *driftReader) NewestMessage(ctx context.Context, chat *telegram.Chat) (*telegram.Message, error) {
	return d.before.NewestMessage(ctx, chat)
}

func (d *driftReader) MessageBefore(ctx context.Context, chat *telegram.Chat, id int64) (*telegram.Message, error) {
	d.calls++
	if d.calls > d.flipAfter {
		return d.after.MessageBefore(ctx, chat, id)
	}
	return d.before.MessageBefore(ctx, chat, id)
}

func TestWindowResolver_DriftingProbes(t *testing.T) {
	chat := &telegram.Chat{ID: 1, Title: "test"}

	// history as the searches see it: both binary searches finish in four
	// MessageBefore probes, settling on [2, 3]
	searchMsgs := []telegram.Message{
		msg(1, at(t, "2026-03-09 23:00")),
		msg(2, at(t, "2026-03-10 10:00")),
		msg(3, at(t, "2026-03-10 20:00")),
	}

	t.Run("drifted start boundary narrows once", func(t *testing.T) {
		reader := &driftReader{
			before:    &fakeReader{msgs: searchMsgs},
			flipAfter: 4,
			after: &fakeReader{msgs: []telegram.Message{
				msg(1, at(t, "2026-03-09 23:00")),
				msg(2, at(t, "2026-03-09 23:30")),
				msg(3, at(t, "2026-03-10 20:00")),
			}},
		}

		win, err := resolver(reader).Resolve(context.Background(), chat, day(t, "2026-03-10"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if win.Start != 3 || win.End != 3 {
			t.Errorf("window = [%d, %d], want [3, 3]", win.Start, win.End)
		}
	})

	t.Run("drift past both narrowing steps reports empty", func(t *testing.T) {
		reader := &driftReader{
			before:    &fakeReader{msgs: searchMsgs},
			flipAfter: 4,
			after: &fakeReader{msgs: []telegram.Message{
				msg(1, at(t, "2026-03-09 23:00")),
				msg(2, at(t, "2026-03-11 01:00")),
				msg(3, at(t, "2026-03-11 02:00")),
			}},
		}

		win, err := resolver(reader).Resolve(context.Background(), chat, day(t, "2026-03-10"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !win.Empty() {
			t.Errorf("window = [%d, %d], want empty", win.Start, win.End)
		}
	})
}
