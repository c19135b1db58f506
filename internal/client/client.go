// Package client talks to a running chatsyncd over its Unix socket.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client wraps the gRPC connection to the daemon.
type Client struct {
	conn *grpc.ClientConn
}

// State is the session state reported by GetState.
type State struct {
	ChatID          string `json:"chat_id"`
	State           string `json:"state"`
	Loading         bool   `json:"loading"`
	Error           string `json:"error"`
	CanSend         bool   `json:"can_send"`
	ItemCount       int    `json:"item_count"`
	PendingReceipts int    `json:"pending_receipts"`
}

// Item is one row of the chat list.
type Item struct {
	ID             string    `json:"id"`
	Kind           string    `json:"kind"`
	Date           time.Time `json:"date"`
	Text           string    `json:"text,omitempty"`
	Status         string    `json:"status,omitempty"`
	SenderID       string    `json:"sender_id,omitempty"`
	SenderName     string    `json:"sender_name,omitempty"`
	IsRead         bool      `json:"is_read,omitempty"`
	Removed        bool      `json:"removed,omitempty"`
	BeingModerated bool      `json:"being_moderated,omitempty"`
	ShowAsIncoming bool      `json:"show_as_incoming,omitempty"`
}

// Event is a session event streamed by WatchEvents.
type Event struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	ChatID     string    `json:"chat_id"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    any       `json:"payload,omitempty"`
}

// New dials the daemon's Unix domain socket.
func New(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) GetState(ctx context.Context) (*State, error) {
	out, err := c.call(ctx, api.MethodGetState, nil)
	if err != nil {
		return nil, err
	}
	f := out.GetFields()
	return &State{
		ChatID:          f[api.FieldChatID].GetStringValue(),
		State:           f[api.FieldState].GetStringValue(),
		Loading:         f[api.FieldLoading].GetBoolValue(),
		Error:           f[api.FieldError].GetStringValue(),
		CanSend:         f[api.FieldCanSend].GetBoolValue(),
		ItemCount:       int(f[api.FieldItemCount].GetNumberValue()),
		PendingReceipts: int(f[api.FieldPendingReceipt].GetNumberValue()),
	}, nil
}

func (c *Client) ListItems(ctx context.Context) ([]Item, error) {
	out, err := c.call(ctx, api.MethodListItems, nil)
	if err != nil {
		return nil, err
	}
	values := out.GetFields()[api.FieldItems].GetListValue().GetValues()
	items := make([]Item, 0, len(values))
	for _, v := range values {
		items = append(items, decodeItem(v.GetStructValue()))
	}
	return items, nil
}

// SetInput reports the composer text and returns whether it can be sent.
func (c *Client) SetInput(ctx context.Context, text string) (bool, error) {
	out, err := c.call(ctx, api.MethodSetInput, map[string]any{api.FieldText: text})
	if err != nil {
		return false, err
	}
	return out.GetFields()[api.FieldCanSend].GetBoolValue(), nil
}

// Send queues text and returns the local id, or "" when text was blank.
func (c *Client) Send(ctx context.Context, text string) (string, error) {
	out, err := c.call(ctx, api.MethodSend, map[string]any{api.FieldText: text})
	if err != nil {
		return "", err
	}
	return out.GetFields()[api.FieldID].GetStringValue(), nil
}

func (c *Client) Retry(ctx context.Context, id string) error {
	_, err := c.call(ctx, api.MethodRetry, map[string]any{api.FieldID: id})
	return err
}

func (c *Client) Cancel(ctx context.Context, id string) error {
	_, err := c.call(ctx, api.MethodCancel, map[string]any{api.FieldID: id})
	return err
}

// MarkDisplayed reports an item as shown. It returns whether the item was
// queued for a read receipt.
func (c *Client) MarkDisplayed(ctx context.Context, id string) (bool, error) {
	out, err := c.call(ctx, api.MethodMarkDisplayed, map[string]any{api.FieldID: id})
	if err != nil {
		return false, err
	}
	return out.GetFields()[api.FieldQueued].GetBoolValue(), nil
}

func (c *Client) Resync(ctx context.Context) error {
	_, err := c.call(ctx, api.MethodResync, nil)
	return err
}

func (c *Client) Report(ctx context.Context, id, reason string) error {
	_, err := c.call(ctx, api.MethodReport, map[string]any{api.FieldID: id, api.FieldReason: reason})
	return err
}

// Pause suspends the session and returns its new state.
func (c *Client) Pause(ctx context.Context) (string, error) {
	out, err := c.call(ctx, api.MethodPause, nil)
	if err != nil {
		return "", err
	}
	return out.GetFields()[api.FieldState].GetStringValue(), nil
}

// Resume reactivates a paused session and returns its new state.
func (c *Client) Resume(ctx context.Context) (string, error) {
	out, err := c.call(ctx, api.MethodResume, nil)
	if err != nil {
		return "", err
	}
	return out.GetFields()[api.FieldState].GetStringValue(), nil
}

// WatchEvents calls fn for every session event until ctx is done or fn
// returns an error.
func (c *Client) WatchEvents(ctx context.Context, fn func(Event) error) error {
	stream, err := c.conn.NewStream(ctx, api.WatchEventsStreamDesc, api.FullMethod(api.MethodWatchEvents))
	if err != nil {
		return err
	}
	if err := stream.SendMsg(&structpb.Struct{}); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		f := msg.GetFields()
		evt := Event{
			ID:         f[api.FieldEventID].GetStringValue(),
			Kind:       f[api.FieldKind].GetStringValue(),
			ChatID:     f[api.FieldChatID].GetStringValue(),
			OccurredAt: time.UnixMilli(int64(f[api.FieldOccurredAt].GetNumberValue())),
		}
		if p, ok := f[api.FieldPayload]; ok {
			evt.Payload = p.AsInterface()
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
}

func (c *Client) call(ctx context.Context, method string, req map[string]any) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, api.FullMethod(method), in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeItem(s *structpb.Struct) Item {
	f := s.GetFields()
	return Item{
		ID:             f[api.FieldID].GetStringValue(),
		Kind:           f[api.FieldKind].GetStringValue(),
		Date:           time.UnixMilli(int64(f[api.FieldDateUnixMs].GetNumberValue())),
		Text:           f[api.FieldText].GetStringValue(),
		Status:         f[api.FieldStatus].GetStringValue(),
		SenderID:       f[api.FieldSenderID].GetStringValue(),
		SenderName:     f[api.FieldSenderName].GetStringValue(),
		IsRead:         f[api.FieldIsRead].GetBoolValue(),
		Removed:        f[api.FieldRemoved].GetBoolValue(),
		BeingModerated: f[api.FieldBeingModerated].GetBoolValue(),
		ShowAsIncoming: f[api.FieldShowAsIncoming].GetBoolValue(),
	}
}
