package api

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/view"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Session is the chat session as exposed over the API.
type Session interface {
	Items() []view.Item
	Loading() bool
	LoadError() chat.LoadError
	CanSend() bool
	State() status.State
	PendingReceipts() int

	SetInput(text string)
	Send(text string) (string, error)
	Retry(id string) error
	Cancel(id string) error
	OnItemDisplayed(id string) bool
	Resync(ctx context.Context, trigger string) error
	Report(id, reason string) error
	Pause() error
	Resume() error
}

// ChatService implements ChatServer on top of a Session.
type ChatService struct {
	chatID  string
	session Session
	bus     *bus.Bus
}

// NewChatService creates a new chat service.
func NewChatService(chatID string, s Session, b *bus.Bus) *ChatService {
	return &ChatService{chatID: chatID, session: s, bus: b}
}

func (s *ChatService) GetState(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		FieldChatID:         s.chatID,
		FieldState:          string(s.session.State()),
		FieldLoading:        s.session.Loading(),
		FieldError:          string(s.session.LoadError()),
		FieldCanSend:        s.session.CanSend(),
		FieldItemCount:      len(s.session.Items()),
		FieldPendingReceipt: s.session.PendingReceipts(),
	})
}

func (s *ChatService) ListItems(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	out, err := itemsStruct(s.session.Items())
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode items: %v", err)
	}
	return out, nil
}

func (s *ChatService) SetInput(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	s.session.SetInput(stringField(req, FieldText))
	return structpb.NewStruct(map[string]any{FieldCanSend: s.session.CanSend()})
}

func (s *ChatService) Send(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := s.session.Send(stringField(req, FieldText))
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{FieldID: id, FieldAccepted: id != ""})
}

func (s *ChatService) Retry(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.session.Retry(stringField(req, FieldID)); err != nil {
		return nil, toStatus(err)
	}
	return &structpb.Struct{}, nil
}

func (s *ChatService) Cancel(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.session.Cancel(stringField(req, FieldID)); err != nil {
		return nil, toStatus(err)
	}
	return &structpb.Struct{}, nil
}

func (s *ChatService) MarkDisplayed(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	queued := s.session.OnItemDisplayed(stringField(req, FieldID))
	return structpb.NewStruct(map[string]any{FieldQueued: queued})
}

func (s *ChatService) Resync(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.session.Resync(ctx, metrics.TriggerManual); err != nil {
		return nil, toStatus(err)
	}
	return &structpb.Struct{}, nil
}

func (s *ChatService) Report(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.session.Report(stringField(req, FieldID), stringField(req, FieldReason)); err != nil {
		return nil, toStatus(err)
	}
	return &structpb.Struct{}, nil
}

// Pause stops resync triggers until Resume; pending read receipts are flushed.
func (s *ChatService) Pause(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.session.Pause(); err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{FieldState: string(s.session.State())})
}

// Resume reactivates a paused session, which resyncs.
func (s *ChatService) Resume(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.session.Resume(); err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{FieldState: string(s.session.State())})
}

func (s *ChatService) WatchEvents(_ *structpb.Struct, stream grpc.ServerStream) error {
	ch, unsub := s.bus.Subscribe("chat.", 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			msg, err := eventStruct(uuid.New().String(), evt)
			if err != nil {
				return grpcstatus.Errorf(codes.Internal, "encode event: %v", err)
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, chat.ErrUnknownItem):
		return grpcstatus.Error(codes.NotFound, err.Error())
	case errors.Is(err, chat.ErrNotRetryable), errors.Is(err, chat.ErrNotReportable),
		errors.Is(err, status.ErrInvalidTransition):
		return grpcstatus.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, chat.ErrClosed):
		return grpcstatus.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return grpcstatus.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return grpcstatus.Error(codes.DeadlineExceeded, err.Error())
	case remote.IsUnreachable(err):
		return grpcstatus.Error(codes.Unavailable, err.Error())
	default:
		return grpcstatus.Error(codes.Internal, err.Error())
	}
}
