package api

import (
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/receipts"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/view"
	"google.golang.org/protobuf/types/known/structpb"
)

// Field names shared by server and client.
const (
	FieldID             = "id"
	FieldKind           = "kind"
	FieldText           = "text"
	FieldReason         = "reason"
	FieldStatus         = "status"
	FieldDateUnixMs     = "date_unix_ms"
	FieldSenderID       = "sender_id"
	FieldSenderName     = "sender_name"
	FieldIsRead         = "is_read"
	FieldRemoved        = "removed"
	FieldBeingModerated = "being_moderated"
	FieldShowAsIncoming = "show_as_incoming"
	FieldItems          = "items"
	FieldState          = "state"
	FieldChatID         = "chat_id"
	FieldLoading        = "loading"
	FieldError          = "error"
	FieldCanSend        = "can_send"
	FieldItemCount      = "item_count"
	FieldPendingReceipt = "pending_receipts"
	FieldAccepted       = "accepted"
	FieldQueued         = "queued"
	FieldEventID        = "event_id"
	FieldOccurredAt     = "occurred_at_unix_ms"
	FieldPayload        = "payload"
)

func itemFields(it view.Item) map[string]any {
	m := map[string]any{
		FieldID:         it.ID(),
		FieldKind:       it.Kind(),
		FieldDateUnixMs: it.Date().UnixMilli(),
	}
	switch v := it.(type) {
	case view.OutgoingText:
		m[FieldText] = v.Text
		m[FieldStatus] = string(v.Status)
	case view.IncomingText:
		m[FieldText] = v.Text
		m[FieldSenderID] = v.SenderID
		m[FieldSenderName] = v.SenderName
		m[FieldIsRead] = v.IsRead
		m[FieldRemoved] = v.Removed
		m[FieldBeingModerated] = v.BeingModerated
	case view.System:
		m[FieldText] = v.Text
		m[FieldShowAsIncoming] = v.ShowAsIncoming
		m[FieldIsRead] = v.IsRead
	case view.Divider:
	}
	return m
}

func itemsStruct(items []view.Item) (*structpb.Struct, error) {
	list := make([]any, 0, len(items))
	for _, it := range items {
		list = append(list, itemFields(it))
	}
	return structpb.NewStruct(map[string]any{FieldItems: list})
}

// payloadValue converts a bus payload to a structpb-compatible value.
func payloadValue(p any) any {
	switch v := p.(type) {
	case nil, string, bool, int, int64, float64:
		return v
	case outbox.SendResult:
		return map[string]any{"local_id": v.LocalID, "message_id": v.MessageID, "error": v.Error}
	case receipts.Flushed:
		ids := make([]any, len(v.IDs))
		for i, id := range v.IDs {
			ids[i] = id
		}
		return map[string]any{"ids": ids, "watermark": v.Watermark.Format(time.RFC3339Nano)}
	case status.StatusChange:
		return map[string]any{"from": string(v.From), "to": string(v.To)}
	default:
		return fmt.Sprint(v)
	}
}

func eventStruct(id string, evt bus.Event) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		FieldEventID:    id,
		FieldKind:       evt.Kind,
		FieldChatID:     evt.ChatID,
		FieldOccurredAt: evt.Timestamp.UnixMilli(),
		FieldPayload:    payloadValue(evt.Payload),
	})
}

func stringField(req *structpb.Struct, key string) string {
	return req.GetFields()[key].GetStringValue()
}
