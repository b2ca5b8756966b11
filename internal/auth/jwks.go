package auth

import (
	"crypto"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
)

// JWK is a JSON Web Key (RFC 7517). Only RSA and EC public keys are supported.
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use,omitempty"`
	Alg string `json:"alg,omitempty"`
	Kid string `json:"kid,omitempty"`

	N string `json:"n,omitempty"`
	E string `json:"e,omitempty"`

	Crv string `json:"crv,omitempty"`
	X   string `json:"x,omitempty"`
	Y   string `json:"y,omitempty"`
}

// JWKSet is a JWK Set document.
type JWKSet struct {
	Keys []JWK `json:"keys"`
}

// Key returns the key with the given kid.
func (s JWKSet) Key(kid string) (JWK, bool) {
	for _, k := range s.Keys {
		if k.Kid == kid {
			return k, true
		}
	}
	return JWK{}, false
}

// JWKSPublisher projects the registry's public key into a JWK Set.
type JWKSPublisher struct {
	keys KeySource
}

// NewJWKSPublisher returns a publisher over keys.
func NewJWKSPublisher(keys KeySource) *JWKSPublisher {
	return &JWKSPublisher{keys: keys}
}

// Publish returns a set holding exactly the current signing key.
func (p *JWKSPublisher) Publish() (JWKSet, error) {
	material, err := p.keys.LoadOrCreate()
	if err != nil {
		return JWKSet{}, err
	}
	return JWKSet{Keys: []JWK{RSAPublicJWK(material.PublicKey, material.Kid)}}, nil
}

// RSAPublicJWK encodes key as an RS256 signing JWK. Modulus and exponent are the
// minimal unsigned big-endian bytes, base64url without padding (RFC 7518 section 6.3.1).
func RSAPublicJWK(key *rsa.PublicKey, kid string) JWK {
	return JWK{
		Kty: "RSA",
		Use: "sig",
		Alg: "RS256",
		Kid: kid,
		N:   base64.RawURLEncoding.EncodeToString(unsignedBytes(key.N)),
		E:   base64.RawURLEncoding.EncodeToString(unsignedBytes(big.NewInt(int64(key.E)))),
	}
}

// unsignedBytes returns the magnitude of n without any leading zero byte.
func unsignedBytes(n *big.Int) []byte {
	b := n.Bytes()
	for len(b) > 1 && b[0] == 0 {
		b = b[1:]
	}
	return b
}

// PublicKey converts the JWK into a Go public key.
func (k JWK) PublicKey() (crypto.PublicKey, error) {
	switch k.Kty {
	case "RSA":
		return k.rsaPublicKey()
	case "EC":
		return k.ecPublicKey()
	default:
		return nil, fmt.Errorf("unsupported key type: %q", k.Kty)
	}
}

func (k JWK) rsaPublicKey() (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decode RSA modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decode RSA exponent: %w", err)
	}
	if len(nBytes) == 0 || len(eBytes) == 0 {
		return nil, errors.New("empty RSA modulus or exponent")
	}
	e := new(big.Int).SetBytes(eBytes)
	if !e.IsInt64() || e.Int64() > 1<<31-1 {
		return nil, errors.New("RSA exponent out of range")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: int(e.Int64())}, nil
}

// ecPublicKey decodes an EC JWK. Coordinates longer than the curve's field size and
// points off the curve are rejected; crypto/ecdh performs the curve check.
func (k JWK) ecPublicKey() (*ecdsa.PublicKey, error) {
	var (
		curve elliptic.Curve
		check ecdh.Curve
	)
	switch k.Crv {
	case "P-256":
		curve, check = elliptic.P256(), ecdh.P256()
	case "P-384":
		curve, check = elliptic.P384(), ecdh.P384()
	case "P-521":
		curve, check = elliptic.P521(), ecdh.P521()
	default:
		return nil, fmt.Errorf("unsupported curve: %q", k.Crv)
	}
	xBytes, err := base64.RawURLEncoding.DecodeString(k.X)
	if err != nil {
		return nil, fmt.Errorf("decode EC x: %w", err)
	}
	yBytes, err := base64.RawURLEncoding.DecodeString(k.Y)
	if err != nil {
		return nil, fmt.Errorf("decode EC y: %w", err)
	}
	size := (curve.Params().BitSize + 7) / 8
	if len(xBytes) == 0 || len(yBytes) == 0 || len(xBytes) > size || len(yBytes) > size {
		return nil, fmt.Errorf("EC coordinates must be 1..%d bytes for %s", size, k.Crv)
	}
	point := make([]byte, 1+2*size)
	point[0] = 4
	copy(point[1+size-len(xBytes):1+size], xBytes)
	copy(point[1+2*size-len(yBytes):], yBytes)
	if _, err := check.NewPublicKey(point); err != nil {
		return nil, fmt.Errorf("EC point not on %s: %w", k.Crv, err)
	}
	return &ecdsa.PublicKey{
		Curve: curve,
		X:     new(big.Int).SetBytes(xBytes),
		Y:     new(big.Int).SetBytes(yBytes),
	}, nil
}
