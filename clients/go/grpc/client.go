// Package grpc provides a gRPC client for the togglr evaluation service.
package grpc

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	togglrv1 "github.com/matt-riley/togglr/api/proto/v1"
	togglr "github.com/matt-riley/togglr/clients/go"
)

// Config holds configuration for the gRPC client.
type Config struct {
	// Address is the host:port of the togglr gRPC server, e.g. "localhost:9090".
	Address string
	// APIKey is the bearer token in "id.secret" format.
	APIKey string
	// DialOpts are additional gRPC dial options (e.g. TLS credentials).
	// If empty, insecure credentials are used.
	DialOpts []grpc.DialOption
}

// Client implements togglr.Evaluator, togglr.AnalyticsReader, and
// togglr.Streamer over gRPC. Flag management is only exposed over HTTP.
type Client struct {
	cfg  Config
	stub *togglrv1.EvaluationServiceClient
	conn *grpc.ClientConn
}

var (
	_ togglr.Evaluator       = (*Client)(nil)
	_ togglr.AnalyticsReader = (*Client)(nil)
	_ togglr.Streamer        = (*Client)(nil)
)

// NewGRPCClient dials the togglr gRPC server and returns a new client.
// Call Close() when done.
func NewGRPCClient(cfg Config) (*Client, error) {
	opts := []grpc.DialOption{}
	if len(cfg.DialOpts) > 0 {
		opts = append(opts, cfg.DialOpts...)
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("togglr: grpc dial: %w", err)
	}
	return &Client{cfg: cfg, stub: togglrv1.NewEvaluationServiceClient(conn), conn: conn}, nil
}

// Close closes the underlying gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// authCtx injects the bearer token into outgoing gRPC metadata.
func (c *Client) authCtx(ctx context.Context) context.Context {
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.cfg.APIKey)
}

// -- wire helpers ------------------------------------------------------------

type evaluateFlagRequest struct {
	togglr.UserContext
	FlagName string `json:"flagName"`
}

type analyticsRequest struct {
	FlagID string `json:"flagId"`
	Hours  int    `json:"hours,omitempty"`
}

type watchFlagsRequest struct {
	LastEventID int64  `json:"lastEventId,omitempty"`
	FlagName    string `json:"flagName,omitempty"`
}

// toStruct converts a JSON-tagged value into a protobuf Struct.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("togglr: encode request: %w", err)
	}
	out := &structpb.Struct{}
	if err := out.UnmarshalJSON(b); err != nil {
		return nil, fmt.Errorf("togglr: encode request: %w", err)
	}
	return out, nil
}

// fromStruct decodes a protobuf Struct into a JSON-tagged value.
func fromStruct(in *structpb.Struct, dst any) error {
	if in == nil {
		return fmt.Errorf("togglr: decode response: empty message")
	}
	b, err := in.MarshalJSON()
	if err != nil {
		return fmt.Errorf("togglr: decode response: %w", err)
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return fmt.Errorf("togglr: decode response: %w", err)
	}
	return nil
}

// -- Evaluator ---------------------------------------------------------------

func (c *Client) EvaluateAll(ctx context.Context, user togglr.UserContext) (togglr.Evaluation, error) {
	req, err := toStruct(user)
	if err != nil {
		return togglr.Evaluation{}, err
	}
	resp, err := c.stub.EvaluateAll(c.authCtx(ctx), req)
	if err != nil {
		return togglr.Evaluation{}, fmt.Errorf("togglr: EvaluateAll: %w", err)
	}
	var out togglr.Evaluation
	if err := fromStruct(resp, &out); err != nil {
		return togglr.Evaluation{}, err
	}
	return out, nil
}

func (c *Client) EvaluateFlag(ctx context.Context, name string, user togglr.UserContext) (togglr.EvaluationDetail, bool, error) {
	req, err := toStruct(evaluateFlagRequest{UserContext: user, FlagName: name})
	if err != nil {
		return togglr.EvaluationDetail{}, false, err
	}
	resp, err := c.stub.EvaluateFlag(c.authCtx(ctx), req)
	if err != nil {
		return togglr.EvaluationDetail{}, false, fmt.Errorf("togglr: EvaluateFlag: %w", err)
	}
	var out togglr.Evaluation
	if err := fromStruct(resp, &out); err != nil {
		return togglr.EvaluationDetail{}, false, err
	}
	detail, ok := out.Details[name]
	return detail, ok, nil
}

// -- AnalyticsReader ---------------------------------------------------------

func (c *Client) Analytics(ctx context.Context, flagID string, hours int) (togglr.Analytics, error) {
	if hours < 0 {
		hours = 0
	}
	req, err := toStruct(analyticsRequest{FlagID: flagID, Hours: hours})
	if err != nil {
		return togglr.Analytics{}, err
	}
	resp, err := c.stub.GetAnalytics(c.authCtx(ctx), req)
	if err != nil {
		return togglr.Analytics{}, fmt.Errorf("togglr: GetAnalytics: %w", err)
	}
	var out togglr.Analytics
	if err := fromStruct(resp, &out); err != nil {
		return togglr.Analytics{}, err
	}
	return out, nil
}

// -- Streamer ----------------------------------------------------------------

// Stream opens a WatchFlags stream and emits FlagEvents on the returned channel.
// The channel is closed when ctx is cancelled or the stream ends.
func (c *Client) Stream(ctx context.Context, opts togglr.StreamOptions) (<-chan togglr.FlagEvent, error) {
	req, err := toStruct(watchFlagsRequest{LastEventID: opts.LastEventID, FlagName: opts.FlagName})
	if err != nil {
		return nil, err
	}
	stream, err := c.stub.WatchFlags(c.authCtx(ctx), req)
	if err != nil {
		return nil, fmt.Errorf("togglr: WatchFlags: %w", err)
	}

	ch := make(chan togglr.FlagEvent, 16)
	go func() {
		defer close(ch)
		for {
			msg, err := stream.Recv()
			if err != nil {
				return
			}
			var ev togglr.FlagEvent
			if err := fromStruct(msg, &ev); err != nil {
				continue
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}
