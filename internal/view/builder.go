package view

import (
	"sort"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/store"
)

// User is a chat participant, used to label incoming messages.
type User struct {
	ID   string
	Name string
}

// Builder turns stored messages into display items.
type Builder interface {
	BuildItems(msgs []store.Message, users map[string]User, unsent []store.UnsentMessage) []Item
	BuildOutgoingItem(msg store.Message) (Item, bool)
}

// DefaultBuilder renders messages for the user UserID. Day boundaries are
// computed in Location, or time.Local when nil.
type DefaultBuilder struct {
	UserID   string
	Location *time.Location
}

// BuildItems renders msgs and unsent in one date order, unsent messages
// after stored ones at equal times, with a divider before each new day.
func (b DefaultBuilder) BuildItems(msgs []store.Message, users map[string]User, unsent []store.UnsentMessage) []Item {
	sorted := make([]store.Message, len(msgs))
	copy(sorted, msgs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedOn.Before(sorted[j].CreatedOn)
	})
	pending := make([]store.UnsentMessage, len(unsent))
	copy(pending, unsent)
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})

	items := make([]Item, 0, len(sorted)+len(pending))
	var lastDay time.Time
	emit := func(it Item) {
		if day := b.day(it.Date()); !day.Equal(lastDay) {
			items = append(items, Divider{Day: day})
			lastDay = day
		}
		items = append(items, it)
	}

	i, j := 0, 0
	for i < len(sorted) || j < len(pending) {
		if j == len(pending) || (i < len(sorted) && !pending[j].CreatedAt.Before(sorted[i].CreatedOn)) {
			emit(b.messageItem(sorted[i], users))
			i++
			continue
		}
		u := pending[j]
		emit(OutgoingText{
			ItemID: u.LocalID,
			At:     u.CreatedAt,
			Text:   u.Text,
			Status: StatusError,
		})
		j++
	}
	return items
}

func (b DefaultBuilder) BuildOutgoingItem(msg store.Message) (Item, bool) {
	if strings.TrimSpace(msg.Text) == "" {
		return nil, false
	}
	return b.messageItem(msg, nil), true
}

func (b DefaultBuilder) messageItem(m store.Message, users map[string]User) Item {
	switch {
	case m.Type == store.MessageTypeModeration:
		return System{
			ItemID:         m.ID,
			At:             m.CreatedOn,
			Text:           m.Text,
			ShowAsIncoming: m.SenderID != b.UserID,
			IsRead:         m.IsRead,
		}
	case m.SenderID == b.UserID:
		status := StatusDelivered
		if m.IsRead {
			status = StatusRead
		}
		return OutgoingText{ItemID: m.ID, At: m.CreatedOn, Text: m.Text, Status: status}
	default:
		name := m.SenderID
		if u, ok := users[m.SenderID]; ok && u.Name != "" {
			name = u.Name
		}
		return IncomingText{
			ItemID:     m.ID,
			At:         m.CreatedOn,
			SenderID:   m.SenderID,
			SenderName: name,
			Text:       m.Text,
			IsRead:     m.IsRead,
			Removed:    m.Deleted,
		}
	}
}

func (b DefaultBuilder) day(t time.Time) time.Time {
	loc := b.Location
	if loc == nil {
		loc = time.Local
	}
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}
