package identity

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"trustmesh"
)

// ErrBottleOpen is returned when a bottle cannot be opened with the
// supplied entropy.
var ErrBottleOpen = errors.New("bottle cannot be opened")

const bottleInfo = "trustmesh escrow bottle v1"

// Bottle escrows a peer's identity seed under key material derived from
// escrow entropy.
type Bottle struct {
	UUID        string                `json:"uuid"`
	OwnerPeerID string                `json:"owner_peer_id"`
	MachineID   string                `json:"machine_id"`
	DeviceClass trustmesh.DeviceClass `json:"device_class"`
	Salt        []byte                `json:"salt"`
	Sealed      []byte                `json:"sealed"`
}

// SealBottle escrows owner's seed under entropy.
func SealBottle(owner *Identity, entropy []byte, uuid string) (Bottle, error) {
	if len(entropy) == 0 {
		return Bottle{}, errors.New("escrow entropy must not be empty")
	}
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return Bottle{}, fmt.Errorf("generate bottle salt: %w", err)
	}
	b := Bottle{
		UUID:        uuid,
		OwnerPeerID: owner.PeerID(),
		MachineID:   owner.MachineID(),
		DeviceClass: owner.DeviceClass(),
		Salt:        salt,
	}
	aead, err := bottleCipher(entropy, salt, uuid)
	if err != nil {
		return Bottle{}, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Bottle{}, fmt.Errorf("generate bottle nonce: %w", err)
	}
	b.Sealed = aead.Seal(nonce, nonce, owner.Seed(), bottleAAD(b))
	return b, nil
}

// OpenBottle recovers the escrowed identity.
func OpenBottle(b Bottle, entropy []byte) (*Identity, error) {
	aead, err := bottleCipher(entropy, b.Salt, b.UUID)
	if err != nil {
		return nil, err
	}
	if len(b.Sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("%w: truncated", ErrBottleOpen)
	}
	nonce, ct := b.Sealed[:aead.NonceSize()], b.Sealed[aead.NonceSize():]
	seed, err := aead.Open(nil, nonce, ct, bottleAAD(b))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBottleOpen, err)
	}
	id, err := FromSeed(seed, b.MachineID, b.DeviceClass)
	if err != nil {
		return nil, err
	}
	if id.PeerID() != b.OwnerPeerID {
		return nil, fmt.Errorf("%w: owner mismatch", ErrBottleOpen)
	}
	return id, nil
}

func bottleCipher(entropy, salt []byte, uuid string) (cipher.AEAD, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, entropy, salt, []byte(bottleInfo+"|"+uuid))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive bottle key: %w", err)
	}
	return chacha20poly1305.NewX(key)
}

func bottleAAD(b Bottle) []byte {
	return []byte(b.UUID + "|" + b.OwnerPeerID + "|" + b.MachineID)
}
