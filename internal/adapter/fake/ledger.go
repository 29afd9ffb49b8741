package fake

import (
	"context"

	"trustmesh/internal/adapter/fake/fault"
	"trustmesh/internal/ledger"
	"trustmesh/internal/ledger/memory"
)

// Ledger is an in-memory trust ledger with call recording and per-method
// fault points. "ledger.<Method>" fails a call before the ledger sees it;
// "ledger.<Method>.reply" fails a mutating call after the ledger applied it,
// as when the response is lost in transit.
type Ledger struct {
	CallRecorder
	*memory.Ledger
	Faults *fault.Injector
}

func NewLedger(opts ...memory.Option) *Ledger {
	return &Ledger{Ledger: memory.New(opts...), Faults: fault.NewInjector()}
}

func (l *Ledger) before(method string, args ...any) error {
	l.record(method, args...)
	return l.Faults.Eval("ledger."+method, args...)
}

func reply[T any](l *Ledger, method string, resp T, err error, args ...any) (T, error) {
	if err != nil {
		return resp, err
	}
	if err := l.Faults.Eval("ledger."+method+".reply", args...); err != nil {
		var zero T
		return zero, err
	}
	return resp, nil
}

func (l *Ledger) Establish(ctx context.Context, req ledger.EstablishRequest) (ledger.EstablishResponse, error) {
	if err := l.before("Establish", req.Peer.PeerID); err != nil {
		return ledger.EstablishResponse{}, err
	}
	resp, err := l.Ledger.Establish(ctx, req)
	return reply(l, "Establish", resp, err, req.Peer.PeerID)
}

func (l *Ledger) Join(ctx context.Context, req ledger.JoinRequest) (ledger.JoinResponse, error) {
	if err := l.before("Join", req.Peer.PeerID); err != nil {
		return ledger.JoinResponse{}, err
	}
	resp, err := l.Ledger.Join(ctx, req)
	return reply(l, "Join", resp, err, req.Peer.PeerID)
}

func (l *Ledger) Update(ctx context.Context, req ledger.UpdateRequest) (ledger.UpdateResponse, error) {
	if err := l.before("Update", req.PeerID, req.Dynamic); err != nil {
		return ledger.UpdateResponse{}, err
	}
	resp, err := l.Ledger.Update(ctx, req)
	return reply(l, "Update", resp, err, req.PeerID, req.Dynamic)
}

func (l *Ledger) FetchChanges(ctx context.Context, req ledger.FetchChangesRequest) (ledger.FetchChangesResponse, error) {
	if err := l.before("FetchChanges", req.ChangeToken); err != nil {
		return ledger.FetchChangesResponse{}, err
	}
	return l.Ledger.FetchChanges(ctx, req)
}

func (l *Ledger) FetchRecoverableShares(ctx context.Context, req ledger.FetchSharesRequest) (ledger.FetchSharesResponse, error) {
	if err := l.before("FetchRecoverableShares", req.PeerID); err != nil {
		return ledger.FetchSharesResponse{}, err
	}
	return l.Ledger.FetchRecoverableShares(ctx, req)
}

func (l *Ledger) Reset(ctx context.Context, req ledger.ResetRequest) (ledger.ResetResponse, error) {
	if err := l.before("Reset", req.Reason); err != nil {
		return ledger.ResetResponse{}, err
	}
	resp, err := l.Ledger.Reset(ctx, req)
	return reply(l, "Reset", resp, err, req.Reason)
}

func (l *Ledger) HealthCheck(ctx context.Context, req ledger.HealthCheckRequest) (ledger.HealthCheckResponse, error) {
	if err := l.before("HealthCheck", req.PeerID); err != nil {
		return ledger.HealthCheckResponse{}, err
	}
	return l.Ledger.HealthCheck(ctx, req)
}

func (l *Ledger) Preflight(ctx context.Context, req ledger.PreflightRequest) (ledger.PreflightResponse, error) {
	if err := l.before("Preflight", req.Secret); err != nil {
		return ledger.PreflightResponse{}, err
	}
	return l.Ledger.Preflight(ctx, req)
}

func (l *Ledger) EnrollRecoverySecret(ctx context.Context, req ledger.EnrollRecoverySecretRequest) (ledger.EnrollRecoverySecretResponse, error) {
	if err := l.before("EnrollRecoverySecret", req.Secret); err != nil {
		return ledger.EnrollRecoverySecretResponse{}, err
	}
	resp, err := l.Ledger.EnrollRecoverySecret(ctx, req)
	return reply(l, "EnrollRecoverySecret", resp, err, req.Secret)
}

func (l *Ledger) RemoveRecoverySecret(ctx context.Context, req ledger.RemoveRecoverySecretRequest) (ledger.RemoveRecoverySecretResponse, error) {
	if err := l.before("RemoveRecoverySecret", req.UUID); err != nil {
		return ledger.RemoveRecoverySecretResponse{}, err
	}
	resp, err := l.Ledger.RemoveRecoverySecret(ctx, req)
	return reply(l, "RemoveRecoverySecret", resp, err, req.UUID)
}

func (l *Ledger) FetchViableBottles(ctx context.Context, req ledger.FetchViableBottlesRequest) (ledger.FetchViableBottlesResponse, error) {
	if err := l.before("FetchViableBottles"); err != nil {
		return ledger.FetchViableBottlesResponse{}, err
	}
	return l.Ledger.FetchViableBottles(ctx, req)
}
