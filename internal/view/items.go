// Package view holds the display items a chat renders and the reconciled,
// ordered list they live in.
package view

import "time"

// Item is one row of the chat list. The concrete type is one of
// OutgoingText, IncomingText, System or Divider.
type Item interface {
	ID() string
	Date() time.Time
	Kind() string
	isItem()
}

// OutgoingStatus is the delivery state of a message composed locally.
type OutgoingStatus string

const (
	StatusPending   OutgoingStatus = "PENDING"
	StatusError     OutgoingStatus = "ERROR"
	StatusDelivered OutgoingStatus = "DELIVERED"
	StatusRead      OutgoingStatus = "READ"
)

// Item kinds, as reported by Kind.
const (
	KindOutgoingText = "outgoing_text"
	KindIncomingText = "incoming_text"
	KindSystem       = "system"
	KindDivider      = "divider"
)

// OutgoingText is a message sent by the local user. ItemID is the local id
// until the server confirms the message.
type OutgoingText struct {
	ItemID string
	At     time.Time
	Text   string
	Status OutgoingStatus
}

// IncomingText is a message from another participant.
type IncomingText struct {
	ItemID         string
	At             time.Time
	SenderID       string
	SenderName     string
	Text           string
	IsRead         bool
	Removed        bool
	BeingModerated bool
}

// System is a moderation or service notice.
type System struct {
	ItemID         string
	At             time.Time
	Text           string
	ShowAsIncoming bool
	IsRead         bool
}

// Divider separates two calendar days.
type Divider struct {
	Day time.Time
}

func (o OutgoingText) ID() string      { return o.ItemID }
func (o OutgoingText) Date() time.Time { return o.At }
func (OutgoingText) Kind() string      { return KindOutgoingText }
func (OutgoingText) isItem()           {}

func (i IncomingText) ID() string      { return i.ItemID }
func (i IncomingText) Date() time.Time { return i.At }
func (IncomingText) Kind() string      { return KindIncomingText }
func (IncomingText) isItem()           {}

func (s System) ID() string      { return s.ItemID }
func (s System) Date() time.Time { return s.At }
func (System) Kind() string      { return KindSystem }
func (System) isItem()           {}

func (d Divider) ID() string      { return "divider:" + d.Day.Format(time.DateOnly) }
func (d Divider) Date() time.Time { return d.Day }
func (Divider) Kind() string      { return KindDivider }
func (Divider) isItem()           {}

// ReadEligible reports whether it is an unread item that read receipts apply to.
func ReadEligible(it Item) bool {
	switch v := it.(type) {
	case IncomingText:
		return !v.IsRead
	case System:
		return v.ShowAsIncoming && !v.IsRead
	default:
		return false
	}
}

// MarkedRead returns a copy of it flagged as read. The second result is false
// when it is not read-eligible.
func MarkedRead(it Item) (Item, bool) {
	if !ReadEligible(it) {
		return it, false
	}
	switch v := it.(type) {
	case IncomingText:
		v.IsRead = true
		return v, true
	case System:
		v.IsRead = true
		return v, true
	}
	return it, false
}

func isRead(it Item) bool {
	switch v := it.(type) {
	case IncomingText:
		return v.IsRead
	case System:
		return v.IsRead
	default:
		return false
	}
}
