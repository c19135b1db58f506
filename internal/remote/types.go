package remote

import "time"

// RawMessage is a message as the chat API returns it.
type RawMessage struct {
	ID        string    `json:"id"`
	SenderID  string    `json:"sender_id"`
	CreatedOn time.Time `json:"created_on"`
	Text      string    `json:"text"`
	Type      string    `json:"type,omitempty"`
	Deleted   bool      `json:"deleted,omitempty"`
}

// Page is one step of a tag-paginated history fetch. LastReadTimestamp is
// nil when the server has no read watermark for the caller.
type Page struct {
	Items             []RawMessage `json:"items"`
	NextTag           string       `json:"next_tag"`
	HasMoreItems      bool         `json:"has_more_items"`
	LastReadTimestamp *time.Time   `json:"last_read_timestamp,omitempty"`
}

// User is a chat participant.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type sendRequest struct {
	Items []sendItem `json:"items"`
}

type sendItem struct {
	Text string `json:"text"`
}

type markReadRequest struct {
	LastReadTimestamp time.Time `json:"last_read_timestamp"`
}

type reportRequest struct {
	Reason string `json:"reason"`
}

type usersResponse struct {
	Items []User `json:"items"`
}
