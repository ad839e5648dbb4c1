// Copyright 2025 James Ross
package arweave

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
)

// Wallet signs transactions and exposes the owner key material.
type Wallet interface {
	// Owner is the URL-safe base64 public modulus, as written into the
	// transaction owner field.
	Owner() string
	// Address is the base64url SHA-256 of the decoded modulus.
	Address() string
	Sign(data []byte) ([]byte, error)
}

type jwk struct {
	Kty string `json:"kty"`
	N   string `json:"n"`
	E   string `json:"e"`
	D   string `json:"d"`
	P   string `json:"p"`
	Q   string `json:"q"`
	Dp  string `json:"dp"`
	Dq  string `json:"dq"`
	Qi  string `json:"qi"`
}

// JWKWallet is an RSA-PSS wallet loaded from an Arweave JWK file.
type JWKWallet struct {
	key     *rsa.PrivateKey
	owner   string
	address string
}

// LoadJWK reads a JWK wallet file from disk.
func LoadJWK(path string) (*JWKWallet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read wallet file: %w", err)
	}
	return ParseJWK(raw)
}

// ParseJWK builds a wallet from raw JWK JSON.
func ParseJWK(raw []byte) (*JWKWallet, error) {
	var k jwk
	if err := json.Unmarshal(raw, &k); err != nil {
		return nil, fmt.Errorf("parse jwk: %w", err)
	}
	if k.Kty != "RSA" {
		return nil, fmt.Errorf("unsupported jwk key type %q", k.Kty)
	}

	n, err := decodeBig(k.N)
	if err != nil {
		return nil, fmt.Errorf("jwk n: %w", err)
	}
	e, err := decodeBig(k.E)
	if err != nil {
		return nil, fmt.Errorf("jwk e: %w", err)
	}
	d, err := decodeBig(k.D)
	if err != nil {
		return nil, fmt.Errorf("jwk d: %w", err)
	}
	p, err := decodeBig(k.P)
	if err != nil {
		return nil, fmt.Errorf("jwk p: %w", err)
	}
	q, err := decodeBig(k.Q)
	if err != nil {
		return nil, fmt.Errorf("jwk q: %w", err)
	}

	key := &rsa.PrivateKey{
		PublicKey: rsa.PublicKey{N: n, E: int(e.Int64())},
		D:         d,
		Primes:    []*big.Int{p, q},
	}
	key.Precompute()
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("validate jwk key: %w", err)
	}

	modulus, _ := base64.RawURLEncoding.DecodeString(k.N)
	addr := sha256.Sum256(modulus)
	return &JWKWallet{
		key:     key,
		owner:   k.N,
		address: base64.RawURLEncoding.EncodeToString(addr[:]),
	}, nil
}

func (w *JWKWallet) Owner() string   { return w.owner }
func (w *JWKWallet) Address() string { return w.address }

func (w *JWKWallet) Sign(data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	return rsa.SignPSS(rand.Reader, w.key, crypto.SHA256, digest[:], &rsa.PSSOptions{
		SaltLength: 32,
		Hash:       crypto.SHA256,
	})
}

func decodeBig(s string) (*big.Int, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(b), nil
}
