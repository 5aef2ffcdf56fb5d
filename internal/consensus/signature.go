package consensus

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"

	"golang.org/x/crypto/blake2b"
)

// SigningBytes returns the bytes a voter signs: "proposalID|voterID|decision"
func SigningBytes(proposalID, voterID string, decision bool) []byte {
	return []byte(proposalID + "|" + voterID + "|" + strconv.FormatBool(decision))
}

// SignVote signs v with key and stores the signature in the vote
func SignVote(key ed25519.PrivateKey, v *Vote) {
	v.Signature = ed25519.Sign(key, SigningBytes(v.ProposalID, v.VoterID, v.Decision))
}

// Keyring holds the public keys votes are verified against
type Keyring struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PublicKey
}

// NewKeyring creates a keyring from voter ID to public key
func NewKeyring(keys map[string]ed25519.PublicKey) *Keyring {
	k := &Keyring{keys: make(map[string]ed25519.PublicKey, len(keys))}
	for id, pub := range keys {
		k.keys[id] = pub
	}
	return k
}

// Add registers or replaces a voter's public key
func (k *Keyring) Add(voterID string, pub ed25519.PublicKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[voterID] = pub
}

// AddHex registers a hex-encoded public key
func (k *Keyring) AddHex(voterID, encoded string) error {
	raw, err := hex.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("failed to decode public key for %s: %w", voterID, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return fmt.Errorf("public key for %s has %d bytes, want %d", voterID, len(raw), ed25519.PublicKeySize)
	}
	k.Add(voterID, ed25519.PublicKey(raw))
	return nil
}

// Verify checks v's signature against the voter's registered key. Voters
// without a key never verify.
func (k *Keyring) Verify(v Vote) bool {
	if k == nil || len(v.Signature) != ed25519.SignatureSize {
		return false
	}
	k.mu.RLock()
	pub, ok := k.keys[v.VoterID]
	k.mu.RUnlock()
	if !ok {
		return false
	}
	return ed25519.Verify(pub, SigningBytes(v.ProposalID, v.VoterID, v.Decision), v.Signature)
}

// Digest returns the hex blake2b-256 digest of a proposal payload
func Digest(payload []byte) string {
	sum := blake2b.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
