package identity

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/uuid"

	"trustmesh"
)

func mustGenerate(t *testing.T, machineID string) *Identity {
	t.Helper()
	id, err := Generate(machineID, trustmesh.DeviceClassFull)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	return id
}

func TestFromSeed_StablePeerID(t *testing.T) {
	a := mustGenerate(t, "m1")
	b, err := FromSeed(a.Seed(), "m1", trustmesh.DeviceClassFull)
	if err != nil {
		t.Fatalf("FromSeed() error = %v", err)
	}
	if a.PeerID() != b.PeerID() {
		t.Fatalf("peer id changed across reload: %s != %s", a.PeerID(), b.PeerID())
	}
	if _, err := FromSeed([]byte("short"), "m1", trustmesh.DeviceClassFull); !errors.Is(err, ErrInvalidSeed) {
		t.Fatalf("FromSeed(short) error = %v, want ErrInvalidSeed", err)
	}
}

func TestDynamicInfo_SignVerify(t *testing.T) {
	id := mustGenerate(t, "m1")
	peer := id.Peer(trustmesh.PeerDynamicInfo{Included: []string{id.PeerID()}, Clock: 1}, "")

	if err := VerifyDynamicInfo(peer.PeerID, peer.SigningKey, peer.Dynamic); err != nil {
		t.Fatalf("VerifyDynamicInfo() error = %v", err)
	}

	tampered := peer.Dynamic.Clone()
	tampered.Excluded = []string{"someone"}
	if err := VerifyDynamicInfo(peer.PeerID, peer.SigningKey, tampered); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("tampered VerifyDynamicInfo() error = %v, want ErrInvalidSignature", err)
	}

	other := mustGenerate(t, "m2")
	if err := VerifyDynamicInfo(peer.PeerID, other.PublicKey(), peer.Dynamic); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("wrong key VerifyDynamicInfo() error = %v, want ErrInvalidSignature", err)
	}
}

func TestVoucher(t *testing.T) {
	sponsor := mustGenerate(t, "m1")
	joiner := mustGenerate(t, "m2")

	v, err := sponsor.Vouch(joiner.PublicKey())
	if err != nil {
		t.Fatalf("Vouch() error = %v", err)
	}
	if v.Beneficiary != joiner.PeerID() {
		t.Fatalf("beneficiary = %s, want %s", v.Beneficiary, joiner.PeerID())
	}
	if err := VerifyVoucher(v, sponsor.PublicKey()); err != nil {
		t.Fatalf("VerifyVoucher() error = %v", err)
	}
	if err := VerifyVoucher(v, joiner.PublicKey()); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("VerifyVoucher(wrong sponsor) error = %v", err)
	}
}

func TestBottle_RoundTrip(t *testing.T) {
	owner := mustGenerate(t, "m1")
	entropy := []byte("escrow entropy from the sync-key layer")

	b, err := SealBottle(owner, entropy, uuid.NewString())
	if err != nil {
		t.Fatalf("SealBottle() error = %v", err)
	}
	got, err := OpenBottle(b, entropy)
	if err != nil {
		t.Fatalf("OpenBottle() error = %v", err)
	}
	if got.PeerID() != owner.PeerID() || !bytes.Equal(got.Seed(), owner.Seed()) {
		t.Fatal("opened bottle does not reproduce owner identity")
	}

	if _, err := OpenBottle(b, []byte("wrong")); !errors.Is(err, ErrBottleOpen) {
		t.Fatalf("OpenBottle(wrong entropy) error = %v, want ErrBottleOpen", err)
	}
	b.MachineID = "m9"
	if _, err := OpenBottle(b, entropy); !errors.Is(err, ErrBottleOpen) {
		t.Fatalf("OpenBottle(tampered) error = %v, want ErrBottleOpen", err)
	}
}

func TestRecoveryKey_WrapUnwrapRoundTrip(t *testing.T) {
	secret, err := GenerateRecoverySecret()
	if err != nil {
		t.Fatalf("GenerateRecoverySecret() error = %v", err)
	}
	id := uuid.NewString()
	wrapping := []byte("custodian wrapping key")

	for _, kind := range []trustmesh.RecoverySecretKind{trustmesh.SecretCustodianRecoveryKey, trustmesh.SecretInheritanceKey} {
		t.Run(kind.String(), func(t *testing.T) {
			k, err := DeriveRecoveryKey(kind, id, secret)
			if err != nil {
				t.Fatalf("DeriveRecoveryKey() error = %v", err)
			}
			w, err := k.Wrap(wrapping)
			if err != nil {
				t.Fatalf("Wrap() error = %v", err)
			}
			got, err := UnwrapRecoveryKey(w, wrapping)
			if err != nil {
				t.Fatalf("UnwrapRecoveryKey() error = %v", err)
			}
			if !got.Equal(k) {
				t.Fatal("unwrapped key differs from original")
			}
			if got.UUID() != id {
				t.Fatalf("uuid = %s, want %s", got.UUID(), id)
			}
			if _, err := UnwrapRecoveryKey(w, []byte("other")); !errors.Is(err, ErrUnwrap) {
				t.Fatalf("UnwrapRecoveryKey(wrong key) error = %v, want ErrUnwrap", err)
			}
		})
	}
}

func TestDeriveRecoveryKey_Deterministic(t *testing.T) {
	id := uuid.NewString()
	a, err := DeriveRecoveryKey(trustmesh.SecretCustodianRecoveryKey, id, "abcd-efgh-ijkl-mnop-qrst")
	if err != nil {
		t.Fatalf("DeriveRecoveryKey() error = %v", err)
	}
	b, err := DeriveRecoveryKey(trustmesh.SecretCustodianRecoveryKey, id, "ABCDEFGHIJKLMNOPQRST")
	if err != nil {
		t.Fatalf("DeriveRecoveryKey() error = %v", err)
	}
	if !a.Equal(b) {
		t.Fatal("normalised secrets derived different keys")
	}

	inh, err := DeriveRecoveryKey(trustmesh.SecretInheritanceKey, id, "ABCDEFGHIJKLMNOPQRST")
	if err != nil {
		t.Fatalf("DeriveRecoveryKey() error = %v", err)
	}
	if bytes.Equal(inh.PublicKey(), a.PublicKey()) {
		t.Fatal("custodian and inheritance keys collide for the same secret")
	}
}

func TestDeriveRecoveryKey_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		kind   trustmesh.RecoverySecretKind
		uuid   string
		secret string
	}{
		{name: "bottle kind", kind: trustmesh.SecretBottle, uuid: uuid.NewString(), secret: "ABCDEFGHIJKLMNOPQRST"},
		{name: "bad uuid", kind: trustmesh.SecretCustodianRecoveryKey, uuid: "nope", secret: "ABCDEFGHIJKLMNOPQRST"},
		{name: "short secret", kind: trustmesh.SecretCustodianRecoveryKey, uuid: uuid.NewString(), secret: "ABCD"},
		{name: "bad alphabet", kind: trustmesh.SecretCustodianRecoveryKey, uuid: uuid.NewString(), secret: "ABCDEFGHIJKLMNOP0001"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DeriveRecoveryKey(tt.kind, tt.uuid, tt.secret); !errors.Is(err, ErrInvalidRecoveryKey) {
				t.Fatalf("error = %v, want ErrInvalidRecoveryKey", err)
			}
		})
	}
}
