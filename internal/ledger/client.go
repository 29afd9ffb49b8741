package ledger

import (
	"context"
	"fmt"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const serviceName = "trustmesh.ledger.v1.TrustService"

func fullMethod(method string) string {
	return "/" + serviceName + "/" + method
}

var _ Service = (*Client)(nil)

// Client calls a remote trust ledger over gRPC.
type Client struct {
	conn grpc.ClientConnInterface
	own  *grpc.ClientConn
}

// Dial connects to the ledger at target. Extra options are appended after
// the defaults, so callers may override transport credentials.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}
	conn, err := grpc.NewClient(target, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("dial trust ledger %s: %w", target, err)
	}
	return &Client{conn: conn, own: conn}, nil
}

// NewClient wraps an existing connection. The caller keeps ownership of conn.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func (c *Client) Close() error {
	if c == nil || c.own == nil {
		return nil
	}
	return c.own.Close()
}

func invoke[Req, Resp any](ctx context.Context, c *Client, method string, req Req) (Resp, error) {
	var resp Resp
	err := c.conn.Invoke(ctx, fullMethod(method), &req, &resp, grpc.CallContentSubtype(codecName))
	if err != nil {
		return resp, fromStatus(err)
	}
	return resp, nil
}

func (c *Client) Establish(ctx context.Context, req EstablishRequest) (EstablishResponse, error) {
	return invoke[EstablishRequest, EstablishResponse](ctx, c, "Establish", req)
}

func (c *Client) Join(ctx context.Context, req JoinRequest) (JoinResponse, error) {
	return invoke[JoinRequest, JoinResponse](ctx, c, "Join", req)
}

func (c *Client) Update(ctx context.Context, req UpdateRequest) (UpdateResponse, error) {
	return invoke[UpdateRequest, UpdateResponse](ctx, c, "Update", req)
}

func (c *Client) FetchChanges(ctx context.Context, req FetchChangesRequest) (FetchChangesResponse, error) {
	return invoke[FetchChangesRequest, FetchChangesResponse](ctx, c, "FetchChanges", req)
}

func (c *Client) FetchRecoverableShares(ctx context.Context, req FetchSharesRequest) (FetchSharesResponse, error) {
	return invoke[FetchSharesRequest, FetchSharesResponse](ctx, c, "FetchRecoverableShares", req)
}

func (c *Client) Reset(ctx context.Context, req ResetRequest) (ResetResponse, error) {
	return invoke[ResetRequest, ResetResponse](ctx, c, "Reset", req)
}

func (c *Client) HealthCheck(ctx context.Context, req HealthCheckRequest) (HealthCheckResponse, error) {
	return invoke[HealthCheckRequest, HealthCheckResponse](ctx, c, "HealthCheck", req)
}

func (c *Client) Preflight(ctx context.Context, req PreflightRequest) (PreflightResponse, error) {
	return invoke[PreflightRequest, PreflightResponse](ctx, c, "Preflight", req)
}

func (c *Client) EnrollRecoverySecret(ctx context.Context, req EnrollRecoverySecretRequest) (EnrollRecoverySecretResponse, error) {
	return invoke[EnrollRecoverySecretRequest, EnrollRecoverySecretResponse](ctx, c, "EnrollRecoverySecret", req)
}

func (c *Client) RemoveRecoverySecret(ctx context.Context, req RemoveRecoverySecretRequest) (RemoveRecoverySecretResponse, error) {
	return invoke[RemoveRecoverySecretRequest, RemoveRecoverySecretResponse](ctx, c, "RemoveRecoverySecret", req)
}

func (c *Client) FetchViableBottles(ctx context.Context, req FetchViableBottlesRequest) (FetchViableBottlesResponse, error) {
	return invoke[FetchViableBottlesRequest, FetchViableBottlesResponse](ctx, c, "FetchViableBottles", req)
}
