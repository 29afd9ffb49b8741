// Package identity holds the local peer's signing identity and the key
// material used to escrow and recover it.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"trustmesh"
)

var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrInvalidSeed      = errors.New("invalid identity seed")
)

// Identity is a peer's long-lived signing key together with the
// attributes the ledger records for it.
type Identity struct {
	peerID      string
	machineID   string
	deviceClass trustmesh.DeviceClass
	key         ed25519.PrivateKey
}

// Generate creates a fresh identity for machineID.
func Generate(machineID string, class trustmesh.DeviceClass) (*Identity, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generate identity seed: %w", err)
	}
	return FromSeed(seed, machineID, class)
}

// FromSeed rebuilds an identity from a stored seed.
func FromSeed(seed []byte, machineID string, class trustmesh.DeviceClass) (*Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidSeed, len(seed))
	}
	key := ed25519.NewKeyFromSeed(seed)
	pub := key.Public().(ed25519.PublicKey)
	return &Identity{
		peerID:      PeerIDFor(pub),
		machineID:   machineID,
		deviceClass: class,
		key:         key,
	}, nil
}

// PeerIDFor derives the stable peer identifier for a signing key.
func PeerIDFor(pub []byte) string {
	sum := sha256.Sum256(pub)
	return "SHA256:" + base64.RawStdEncoding.EncodeToString(sum[:])
}

func (i *Identity) PeerID() string                     { return i.peerID }
func (i *Identity) MachineID() string                  { return i.machineID }
func (i *Identity) DeviceClass() trustmesh.DeviceClass { return i.deviceClass }

// PublicKey returns a copy of the signing public key.
func (i *Identity) PublicKey() []byte {
	pub := i.key.Public().(ed25519.PublicKey)
	return append([]byte(nil), pub...)
}

// Seed returns a copy of the private seed, for persistence and escrow.
func (i *Identity) Seed() []byte {
	return append([]byte(nil), i.key.Seed()...)
}

func (i *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(i.key, msg)
}

// Peer returns the ledger record for this identity with signed dynamic info.
func (i *Identity) Peer(dynamic trustmesh.PeerDynamicInfo, sponsor string) trustmesh.Peer {
	return trustmesh.Peer{
		PeerID:      i.peerID,
		MachineID:   i.machineID,
		DeviceClass: i.deviceClass,
		SigningKey:  i.PublicKey(),
		Sponsor:     sponsor,
		Dynamic:     i.SignDynamicInfo(dynamic),
	}
}

// SignDynamicInfo returns d with its signature set.
func (i *Identity) SignDynamicInfo(d trustmesh.PeerDynamicInfo) trustmesh.PeerDynamicInfo {
	out := d.Clone()
	out.Signature = i.Sign(d.SigningPayload(i.peerID))
	return out
}

// VerifyDynamicInfo checks that d was signed by the holder of pub for peerID.
func VerifyDynamicInfo(peerID string, pub []byte, d trustmesh.PeerDynamicInfo) error {
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: malformed signing key", ErrInvalidSignature)
	}
	if PeerIDFor(pub) != peerID {
		return fmt.Errorf("%w: signing key does not match peer %s", ErrInvalidSignature, peerID)
	}
	if !ed25519.Verify(pub, d.SigningPayload(peerID), d.Signature) {
		return fmt.Errorf("%w: dynamic info of %s", ErrInvalidSignature, peerID)
	}
	return nil
}

// Voucher is a sponsor's signed statement admitting a new peer.
type Voucher struct {
	Sponsor        string `json:"sponsor"`
	Beneficiary    string `json:"beneficiary"`
	BeneficiaryKey []byte `json:"beneficiary_key"`
	Signature      []byte `json:"signature,omitempty"`
}

func voucherPayload(v Voucher) ([]byte, error) {
	v.Signature = nil
	return json.Marshal(v)
}

// Vouch issues a voucher admitting the peer holding beneficiaryKey.
func (i *Identity) Vouch(beneficiaryKey []byte) (Voucher, error) {
	v := Voucher{
		Sponsor:        i.peerID,
		Beneficiary:    PeerIDFor(beneficiaryKey),
		BeneficiaryKey: append([]byte(nil), beneficiaryKey...),
	}
	payload, err := voucherPayload(v)
	if err != nil {
		return Voucher{}, err
	}
	v.Signature = i.Sign(payload)
	return v, nil
}

// VerifyVoucher checks v against the sponsor's public key.
func VerifyVoucher(v Voucher, sponsorKey []byte) error {
	if len(sponsorKey) != ed25519.PublicKeySize || PeerIDFor(sponsorKey) != v.Sponsor {
		return fmt.Errorf("%w: sponsor key does not match %s", ErrInvalidSignature, v.Sponsor)
	}
	if PeerIDFor(v.BeneficiaryKey) != v.Beneficiary {
		return fmt.Errorf("%w: beneficiary key mismatch", ErrInvalidSignature)
	}
	payload, err := voucherPayload(v)
	if err != nil {
		return err
	}
	if !ed25519.Verify(sponsorKey, payload, v.Signature) {
		return fmt.Errorf("%w: voucher from %s", ErrInvalidSignature, v.Sponsor)
	}
	return nil
}

// JoinProof is the message a recovery key signs to admit a new peer.
func JoinProof(peerID string, signingKey []byte) []byte {
	msg := make([]byte, 0, len(peerID)+1+len(signingKey))
	msg = append(msg, peerID...)
	msg = append(msg, 0)
	msg = append(msg, signingKey...)
	return msg
}

// Verify reports whether sig is a valid signature of msg under pub.
func Verify(pub, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}
