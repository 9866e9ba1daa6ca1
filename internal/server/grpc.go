package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	togglrv1 "github.com/matt-riley/togglr/api/proto/v1"
	"github.com/matt-riley/togglr/internal/core"
	"github.com/matt-riley/togglr/internal/logging"
	"github.com/matt-riley/togglr/internal/repository"
	"github.com/matt-riley/togglr/internal/service"
)

const (
	defaultGRPCStreamPollInterval = time.Second
	transportGRPC                 = "grpc"
)

// GRPCServer implements togglr.v1.EvaluationService on top of Service.
type GRPCServer struct {
	service            Service
	streamPollInterval time.Duration
	observer           Observer
}

var _ togglrv1.EvaluationServiceServer = (*GRPCServer)(nil)

// GRPCOption configures a GRPCServer.
type GRPCOption func(*GRPCServer)

// WithWatchPollInterval sets how often WatchFlags polls for new events.
func WithWatchPollInterval(d time.Duration) GRPCOption {
	return func(s *GRPCServer) {
		if d > 0 {
			s.streamPollInterval = d
		}
	}
}

// WithGRPCObserver reports open WatchFlags streams to o.
func WithGRPCObserver(o Observer) GRPCOption {
	return func(s *GRPCServer) {
		if o != nil {
			s.observer = o
		}
	}
}

type userContextMessage struct {
	UserID    string `json:"userId"`
	UserEmail string `json:"userEmail"`
	Country   string `json:"country"`
}

func (m userContextMessage) userContext() core.UserContext {
	return core.UserContext{UserID: m.UserID, UserEmail: m.UserEmail, Country: m.Country}
}

type evaluateFlagMessage struct {
	userContextMessage
	FlagName string `json:"flagName"`
}

type analyticsMessage struct {
	FlagID string `json:"flagId"`
	Hours  int    `json:"hours"`
}

type watchFlagsMessage struct {
	LastEventID int64  `json:"lastEventId"`
	FlagName    string `json:"flagName"`
}

func NewGRPCServer(svc Service, opts ...GRPCOption) *GRPCServer {
	if svc == nil {
		panic("service is nil")
	}

	s := &GRPCServer{
		service:            svc,
		streamPollInterval: defaultGRPCStreamPollInterval,
		observer:           nopObserver{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *GRPCServer) EvaluateAll(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var msg userContextMessage
	if err := decodeStruct(req, &msg); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}

	result, err := s.service.EvaluateAll(ctx, msg.userContext())
	if err != nil {
		return nil, rpcError(ctx, err)
	}

	return encodeStruct(result)
}

func (s *GRPCServer) EvaluateFlag(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var msg evaluateFlagMessage
	if err := decodeStruct(req, &msg); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	name := strings.TrimSpace(msg.FlagName)
	if name == "" {
		return nil, status.Error(codes.InvalidArgument, "flagName is required")
	}

	detail, found, err := s.service.EvaluateFlag(ctx, name, msg.userContext())
	if err != nil {
		return nil, rpcError(ctx, err)
	}

	result := core.Evaluation{
		Flags:   map[string]bool{},
		Details: map[string]core.EvaluationDetail{},
	}
	if found {
		result.Flags[name] = detail.Result
		result.Details[name] = detail
	}

	return encodeStruct(result)
}

func (s *GRPCServer) GetAnalytics(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var msg analyticsMessage
	if err := decodeStruct(req, &msg); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	if msg.Hours == 0 {
		msg.Hours = defaultAnalyticsHours
	}

	report, err := s.service.Analytics(ctx, msg.FlagID, msg.Hours)
	if err != nil {
		return nil, rpcError(ctx, err)
	}

	return encodeStruct(report)
}

func (s *GRPCServer) WatchFlags(req *structpb.Struct, stream togglrv1.WatchFlagsServer) error {
	var msg watchFlagsMessage
	if err := decodeStruct(req, &msg); err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	if msg.LastEventID < 0 {
		return status.Error(codes.InvalidArgument, "lastEventId must be non-negative")
	}

	lastEventID := msg.LastEventID
	listEventsSince := s.service.ListEventsSince
	if name := strings.TrimSpace(msg.FlagName); name != "" {
		listEventsSince = func(ctx context.Context, eventID int64) ([]repository.FlagEvent, error) {
			return s.service.ListEventsSinceForFlag(ctx, eventID, name)
		}
	}

	sendEvents := func(ctx context.Context) error {
		events, err := listEventsSince(ctx, lastEventID)
		if err != nil {
			return rpcError(ctx, err)
		}

		for _, event := range events {
			lastEventID = event.EventID
			if toSSEEventName(event.EventType) == "" {
				continue
			}

			out, err := encodeStruct(event)
			if err != nil {
				return err
			}
			if err := stream.Send(out); err != nil {
				return err
			}
		}

		return nil
	}

	s.observer.StreamOpened(transportGRPC)
	defer s.observer.StreamClosed(transportGRPC)

	if err := sendEvents(stream.Context()); err != nil {
		return err
	}

	ticker := time.NewTicker(s.streamPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stream.Context().Done():
			return nil
		case <-ticker.C:
			if err := sendEvents(stream.Context()); err != nil {
				if stream.Context().Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

// rpcError converts err to a status and logs failures the caller cannot act on.
func rpcError(ctx context.Context, err error) error {
	st := toGRPCError(err)
	switch status.Code(st) {
	case codes.Internal, codes.Unavailable:
		logging.FromContext(ctx).ErrorContext(ctx, "rpc failed", slog.Any("error", err))
	}
	return st
}

func toGRPCError(err error) error {
	if err == nil {
		return nil
	}

	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case isInvalidRequest(err):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, service.ErrFlagNotFound), errors.Is(err, service.ErrRuleNotFound):
		return status.Error(codes.NotFound, serviceErrorMessage(err))
	case errors.Is(err, service.ErrDuplicateFlag), errors.Is(err, service.ErrDuplicateRule):
		return status.Error(codes.AlreadyExists, serviceErrorMessage(err))
	case errors.Is(err, service.ErrSnapshotUnavailable), errors.Is(err, service.ErrAnalyticsUnavailable):
		return status.Error(codes.Unavailable, serviceErrorMessage(err))
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "request canceled")
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "deadline exceeded")
	default:
		return status.Error(codes.Internal, "internal server error")
	}
}

// decodeStruct converts a JSON-shaped struct into dst, rejecting unknown
// fields the same way the HTTP API does.
func decodeStruct(in *structpb.Struct, dst any) error {
	if in == nil {
		return nil
	}

	payload, err := in.MarshalJSON()
	if err != nil {
		return err
	}

	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.DisallowUnknownFields()
	return decoder.Decode(dst)
}

func encodeStruct(v any) (*structpb.Struct, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, fmt.Sprintf("encode response: %v", err))
	}

	out := &structpb.Struct{}
	if err := out.UnmarshalJSON(payload); err != nil {
		return nil, status.Error(codes.Internal, fmt.Sprintf("encode response: %v", err))
	}
	return out, nil
}
