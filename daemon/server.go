package daemon

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"

	"trustmesh/internal/ledger"
)

// Server exposes a trust ledger over gRPC.
type Server struct {
	svc ledger.Service

	mu   sync.Mutex
	addr net.Addr
}

func NewServer(svc ledger.Service) *Server {
	return &Server{svc: svc}
}

// Addr returns the bound address once the server is listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// ListenAndServe serves on addr until ctx is cancelled. An address starting
// with "unix://" or "/" is a Unix socket path.
func (s *Server) ListenAndServe(ctx context.Context, addr string, ready chan<- net.Addr) error {
	network, address := "tcp", addr
	if path, ok := strings.CutPrefix(addr, "unix://"); ok || strings.HasPrefix(addr, "/") {
		if !ok {
			path = addr
		}
		network, address = "unix", path
		// Remove stale socket from a previous run (may not exist).
		_ = os.Remove(path)
		defer func() { _ = os.Remove(path) }()
	}

	ln, err := net.Listen(network, address)
	if err != nil {
		return fmt.Errorf("listen %s %s: %w", network, address, err)
	}
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()
	if ready != nil {
		ready <- ln.Addr()
	}

	srv := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	ledger.Register(srv, s.svc)

	// Shut down when ctx is cancelled.
	go func() {
		<-ctx.Done()
		srv.GracefulStop()
	}()

	if err := srv.Serve(ln); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}
