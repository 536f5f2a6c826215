// Package analysis is the client of the external schema review service. The
// service speaks gRPC; messages are carried with a JSON codec so no generated
// stubs are needed.
package analysis

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"github.com/dreadew/taskiq-scheduler/internal/retry"
)

const (
	ServiceName      = "schema_review.SchemaReviewService"
	ReviewSchemaName = "ReviewSchema"
	reviewMethod     = "/" + ServiceName + "/" + ReviewSchemaName
	codecName        = "json"
)

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type DDLStatement struct {
	Statement string `json:"statement"`
}

type Query struct {
	QueryID       string `json:"query_id"`
	Query         string `json:"query"`
	RunQuantity   int    `json:"runquantity,omitempty"`
	ExecutionTime int    `json:"executiontime,omitempty"`
}

type ReviewRequest struct {
	URL      string         `json:"url"`
	DDL      []DDLStatement `json:"ddl"`
	Queries  []Query        `json:"queries"`
	ThreadID string         `json:"thread_id,omitempty"`
}

type ReviewResponse struct {
	Success    bool           `json:"success"`
	Message    string         `json:"message"`
	DDL        []DDLStatement `json:"ddl"`
	Migrations []DDLStatement `json:"migrations"`
	Queries    []Query        `json:"queries"`
	Warnings   []string       `json:"warnings"`
	Error      string         `json:"error,omitempty"`
}

// Reviewer is what the executor needs from the service.
type Reviewer interface {
	ReviewSchema(ctx context.Context, req ReviewRequest) (*ReviewResponse, error)
}

type Options struct {
	Addr    string
	Timeout time.Duration
	Retry   retry.Policy
	Logger  *slog.Logger
	// DialOptions are appended to the defaults; tests use them to dial
	// in-memory listeners.
	DialOptions []grpc.DialOption
}

type Client struct {
	conn    *grpc.ClientConn
	timeout time.Duration
	policy  retry.Policy
	logger  *slog.Logger
}

var _ Reviewer = (*Client)(nil)

// Dial creates the client. The connection is established lazily on the first
// call.
func Dial(opts Options) (*Client, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.Default()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	dial := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}, opts.DialOptions...)
	conn, err := grpc.NewClient(opts.Addr, dial...)
	if err != nil {
		return nil, err
	}
	return &Client{
		conn:    conn,
		timeout: opts.Timeout,
		policy:  opts.Retry,
		logger:  opts.Logger.With("component", "analysis", "addr", opts.Addr),
	}, nil
}

func (c *Client) ReviewSchema(ctx context.Context, req ReviewRequest) (*ReviewResponse, error) {
	c.logger.Info("sending schema for review", "ddl", len(req.DDL), "queries", len(req.Queries))
	var resp ReviewResponse
	err := c.policy.Do(ctx, "review_schema", c.logger, func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		resp = ReviewResponse{}
		return classify(c.conn.Invoke(cctx, reviewMethod, &req, &resp))
	})
	if err != nil {
		return nil, err
	}
	c.logger.Info("schema review finished", "success", resp.Success)
	return &resp, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.ResourceExhausted, codes.Aborted:
		return retry.Connection(err)
	case codes.DeadlineExceeded:
		return retry.Timeout(err)
	}
	return err
}
