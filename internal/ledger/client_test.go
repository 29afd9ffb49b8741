package ledger

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"trustmesh"
)

// stubService answers the handful of calls the transport tests make.
type stubService struct {
	Service

	healthErr   error
	lastRequest FetchChangesRequest
}

func (s *stubService) HealthCheck(_ context.Context, req HealthCheckRequest) (HealthCheckResponse, error) {
	if s.healthErr != nil {
		return HealthCheckResponse{}, s.healthErr
	}
	kind := trustmesh.DirectiveNoAction
	if req.RequiresEscrowCheck {
		kind = trustmesh.DirectiveRepairEscrow
	}
	return HealthCheckResponse{Directive: trustmesh.HealthDirective{Kind: kind}}, nil
}

func (s *stubService) FetchChanges(_ context.Context, req FetchChangesRequest) (FetchChangesResponse, error) {
	s.lastRequest = req
	return FetchChangesResponse{Snapshot: Snapshot{
		ChangeToken: "token-2",
		Peers:       []trustmesh.Peer{{PeerID: "p1", MachineID: "m1"}},
		Trusted:     []string{"p1"},
	}}, nil
}

func startBufconn(t *testing.T, svc Service) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	Register(srv, svc)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	c, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClient_RoundTrip(t *testing.T) {
	svc := &stubService{}
	c := startBufconn(t, svc)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	acct := Account{Container: "c", Context: "ctx", AccountID: "a"}
	resp, err := c.FetchChanges(ctx, FetchChangesRequest{Account: acct, ChangeToken: "token-1"})
	if err != nil {
		t.Fatalf("FetchChanges() error = %v", err)
	}
	if resp.ChangeToken != "token-2" || !resp.IsTrusted("p1") {
		t.Fatalf("FetchChanges() = %+v", resp)
	}
	if diff := cmp.Diff(FetchChangesRequest{Account: acct, ChangeToken: "token-1"}, svc.lastRequest); diff != "" {
		t.Fatalf("server saw request mismatch (-want +got):\n%s", diff)
	}

	hc, err := c.HealthCheck(ctx, HealthCheckRequest{Account: acct, PeerID: "p1", RequiresEscrowCheck: true})
	if err != nil {
		t.Fatalf("HealthCheck() error = %v", err)
	}
	if hc.Directive.Kind != trustmesh.DirectiveRepairEscrow {
		t.Fatalf("directive = %v, want repairEscrow", hc.Directive.Kind)
	}
}

func TestClient_StructuredErrorsCrossTheWire(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantCode  Code
		transient bool
	}{
		{name: "revoked", err: Errorf(CodeUntrustedRecoveryKeys, "owner excluded"), wantCode: CodeUntrustedRecoveryKeys},
		{name: "uuid exists", err: Errorf(CodeCustodianRecoveryKeyUUIDExists, "dup"), wantCode: CodeCustodianRecoveryKeyUUIDExists},
		{name: "transient", err: Errorf(CodeServerTransient, "try later"), wantCode: CodeServerTransient, transient: true},
		{name: "network", err: Errorf(CodeNetworkUnavailable, "offline"), wantCode: CodeNetworkUnavailable, transient: true},
		{name: "plain error", err: errors.New("boom"), wantCode: CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := startBufconn(t, &stubService{healthErr: tt.err})
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			_, err := c.HealthCheck(ctx, HealthCheckRequest{})
			if got := CodeOf(err); got != tt.wantCode {
				t.Fatalf("CodeOf(%v) = %q, want %q", err, got, tt.wantCode)
			}
			if IsTransient(err) != tt.transient {
				t.Fatalf("IsTransient(%v) = %v, want %v", err, IsTransient(err), tt.transient)
			}
		})
	}
}

func TestError_Is(t *testing.T) {
	err := Errorf(CodeRecoveryKeysNotEnrolled, "uuid %s", "x")
	if !errors.Is(err, ErrRecoveryKeysNotEnrolled) {
		t.Fatal("expected errors.Is to match sentinel by code")
	}
	if errors.Is(err, ErrUntrustedRecoveryKeys) {
		t.Fatal("unexpected match across codes")
	}
	if errors.Is(err, &Error{Domain: DomainNetwork, Code: CodeRecoveryKeysNotEnrolled}) {
		t.Fatal("unexpected match across domains")
	}
}
