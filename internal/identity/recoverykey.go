package identity

import (
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"trustmesh"
)

var (
	ErrInvalidRecoveryKey = errors.New("invalid recovery key")
	ErrUnwrap             = errors.New("recovery key cannot be unwrapped")
)

const (
	recoverySecretChars  = 28
	recoverySecretGroup  = 4
	recoveryKeyInfo      = "trustmesh recovery key v1"
	wrappedRecoveryInfo  = "trustmesh wrapped recovery key v1"
	minRecoverySecretLen = 16
)

var secretEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// GenerateRecoverySecret returns a random human-transcribable secret of
// dash-separated base32 groups.
func GenerateRecoverySecret() (string, error) {
	raw := make([]byte, 20)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate recovery secret: %w", err)
	}
	s := secretEncoding.EncodeToString(raw)[:recoverySecretChars]
	var b strings.Builder
	for i := 0; i < len(s); i += recoverySecretGroup {
		if i > 0 {
			b.WriteByte('-')
		}
		b.WriteString(s[i : i+recoverySecretGroup])
	}
	return b.String(), nil
}

func normalizeSecret(secret string) (string, error) {
	s := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(secret), "-", ""))
	if len(s) < minRecoverySecretLen {
		return "", fmt.Errorf("%w: too short", ErrInvalidRecoveryKey)
	}
	for _, r := range s {
		if !strings.ContainsRune("ABCDEFGHIJKLMNOPQRSTUVWXYZ234567", r) {
			return "", fmt.Errorf("%w: unexpected character %q", ErrInvalidRecoveryKey, r)
		}
	}
	return s, nil
}

// RecoveryKey is a custodian or inheritance key: a signing key derived
// deterministically from a (UUID, secret) pair.
type RecoveryKey struct {
	kind   trustmesh.RecoverySecretKind
	uuid   uuid.UUID
	secret string
	key    ed25519.PrivateKey
}

// DeriveRecoveryKey derives the key for kind from id and secret.
func DeriveRecoveryKey(kind trustmesh.RecoverySecretKind, id, secret string) (*RecoveryKey, error) {
	if kind != trustmesh.SecretCustodianRecoveryKey && kind != trustmesh.SecretInheritanceKey {
		return nil, fmt.Errorf("%w: kind %s has no derived key", ErrInvalidRecoveryKey, kind)
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("%w: uuid: %v", ErrInvalidRecoveryKey, err)
	}
	norm, err := normalizeSecret(secret)
	if err != nil {
		return nil, err
	}

	seed := make([]byte, ed25519.SeedSize)
	info := fmt.Sprintf("%s|%d", recoveryKeyInfo, kind)
	r := hkdf.New(sha256.New, []byte(norm), parsed[:], []byte(info))
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, fmt.Errorf("derive recovery key: %w", err)
	}
	return &RecoveryKey{
		kind:   kind,
		uuid:   parsed,
		secret: norm,
		key:    ed25519.NewKeyFromSeed(seed),
	}, nil
}

func (k *RecoveryKey) Kind() trustmesh.RecoverySecretKind { return k.kind }
func (k *RecoveryKey) UUID() string                       { return k.uuid.String() }

func (k *RecoveryKey) PublicKey() []byte {
	pub := k.key.Public().(ed25519.PublicKey)
	return append([]byte(nil), pub...)
}

func (k *RecoveryKey) Sign(msg []byte) []byte {
	return ed25519.Sign(k.key, msg)
}

// Ref returns the ledger reference for this key as owned by ownerPeerID.
func (k *RecoveryKey) Ref(ownerPeerID string) trustmesh.RecoverySecretRef {
	return trustmesh.RecoverySecretRef{Kind: k.kind, UUID: k.UUID(), OwnerPeerID: ownerPeerID}
}

// Equal reports whether k and other are the same derived key.
func (k *RecoveryKey) Equal(other *RecoveryKey) bool {
	if k == nil || other == nil {
		return k == other
	}
	return k.kind == other.kind && k.uuid == other.uuid && k.key.Equal(other.key)
}

// WrappedRecoveryKey is a recovery key sealed for storage outside the
// device, for example with a custodian.
type WrappedRecoveryKey struct {
	Kind      trustmesh.RecoverySecretKind `json:"kind"`
	UUID      string                       `json:"uuid"`
	PublicKey []byte                       `json:"public_key"`
	Sealed    []byte                       `json:"sealed"`
}

type wrappedPayload struct {
	Secret string `json:"secret"`
}

// Wrap seals k under wrappingKey.
func (k *RecoveryKey) Wrap(wrappingKey []byte) (WrappedRecoveryKey, error) {
	w := WrappedRecoveryKey{Kind: k.kind, UUID: k.UUID(), PublicKey: k.PublicKey()}
	aead, err := wrapCipher(wrappingKey, k.uuid)
	if err != nil {
		return WrappedRecoveryKey{}, err
	}
	plain, err := json.Marshal(wrappedPayload{Secret: k.secret})
	if err != nil {
		return WrappedRecoveryKey{}, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return WrappedRecoveryKey{}, fmt.Errorf("generate wrap nonce: %w", err)
	}
	w.Sealed = aead.Seal(nonce, nonce, plain, wrapAAD(w))
	return w, nil
}

// UnwrapRecoveryKey reverses Wrap and re-derives the key.
func UnwrapRecoveryKey(w WrappedRecoveryKey, wrappingKey []byte) (*RecoveryKey, error) {
	parsed, err := uuid.Parse(w.UUID)
	if err != nil {
		return nil, fmt.Errorf("%w: uuid: %v", ErrUnwrap, err)
	}
	aead, err := wrapCipher(wrappingKey, parsed)
	if err != nil {
		return nil, err
	}
	if len(w.Sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("%w: truncated", ErrUnwrap)
	}
	nonce, ct := w.Sealed[:aead.NonceSize()], w.Sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ct, wrapAAD(w))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnwrap, err)
	}
	var p wrappedPayload
	if err := json.Unmarshal(plain, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnwrap, err)
	}
	k, err := DeriveRecoveryKey(w.Kind, w.UUID, p.Secret)
	if err != nil {
		return nil, err
	}
	if !Verify(w.PublicKey, []byte(w.UUID), k.Sign([]byte(w.UUID))) {
		return nil, fmt.Errorf("%w: public key mismatch", ErrUnwrap)
	}
	return k, nil
}

func wrapCipher(wrappingKey []byte, id uuid.UUID) (cipher.AEAD, error) {
	if len(wrappingKey) == 0 {
		return nil, errors.New("wrapping key must not be empty")
	}
	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, wrappingKey, id[:], []byte(wrappedRecoveryInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive wrap key: %w", err)
	}
	return chacha20poly1305.NewX(key)
}

func wrapAAD(w WrappedRecoveryKey) []byte {
	return []byte(fmt.Sprintf("%d|%s|%x", w.Kind, w.UUID, w.PublicKey))
}
