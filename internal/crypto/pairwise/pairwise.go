// Package pairwise derives the per-chat and per-file key material used by
// the reference vault: X25519 agreement between the two chat identities,
// then HKDF expansion into chat and file keys.
package pairwise

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the length of X25519 keys and of every derived key.
const KeySize = 32

var curve = ecdh.X25519()

// KeyPair holds an X25519 key pair with a deterministic identifier.
type KeyPair struct {
	Public  []byte
	Private []byte
	ID      string
}

// Generate produces a fresh X25519 key pair from r (rand.Reader when nil).
func Generate(r io.Reader) (KeyPair, error) {
	if r == nil {
		r = rand.Reader
	}
	priv, err := curve.GenerateKey(r)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate x25519 key: %w", err)
	}
	pub := priv.PublicKey().Bytes()
	return KeyPair{
		Public:  append([]byte(nil), pub...),
		Private: append([]byte(nil), priv.Bytes()...),
		ID:      Identifier(pub),
	}, nil
}

// Identifier returns a stable name for a public key.
func Identifier(pub []byte) string {
	sum := sha256.Sum256(pub)
	return base64.RawURLEncoding.EncodeToString(sum[:8])
}

// ChatSecret computes the shared chat secret for a local private key and
// the peer's public key.
func ChatSecret(private, peerPublic []byte) ([]byte, error) {
	if len(private) != KeySize {
		return nil, fmt.Errorf("private key must be %d bytes (got %d)", KeySize, len(private))
	}
	priv, err := curve.NewPrivateKey(private)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	pub, err := curve.NewPublicKey(peerPublic)
	if err != nil {
		return nil, fmt.Errorf("parse peer public key: %w", err)
	}
	secret, err := priv.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("derive chat secret: %w", err)
	}
	if isZero(secret) {
		Zero(secret)
		return nil, fmt.Errorf("peer public key yielded low-entropy secret")
	}
	return secret, nil
}

// FileKey expands a chat secret into the symmetric key protecting one
// named file. The file name binds the key so renames invalidate shares.
func FileKey(chatSecret []byte, chatID, fileName string) ([]byte, error) {
	return expand(chatSecret, "privitty/file/"+chatID+"/"+fileName)
}

// VaultKey expands a chat secret into the key wrapping OTSP payloads.
func VaultKey(chatSecret []byte, chatID string) ([]byte, error) {
	return expand(chatSecret, "privitty/otsp/"+chatID)
}

func expand(secret []byte, info string) ([]byte, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("chat secret is empty")
	}
	out := make([]byte, KeySize)
	r := hkdf.New(sha256.New, secret, nil, []byte(info))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("expand key: %w", err)
	}
	return out, nil
}

// Zero overwrites key material in place.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func isZero(b []byte) bool {
	var acc byte
	for _, v := range b {
		acc |= v
	}
	return acc == 0
}
