// Package jwtx signs and verifies the RS256 JWTs that carry AP2 mandate
// claims: three base64url segments header.payload.signature, RSASSA-PKCS1-v1_5
// over SHA-256 of the signing input. Claim-level checks (expiry, issuer,
// subject, hash binding) belong to the validator, not this package.
package jwtx

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMalformedToken   = errors.New("malformed token")
	ErrSignatureInvalid = errors.New("signature invalid")
)

const rs256Header = `{"alg":"RS256","typ":"JWT"}`

// Sign encodes claims as the payload of an RS256 JWT signed with key.
func Sign(key *rsa.PrivateKey, claims any) (string, error) {
	if key == nil {
		return "", errors.New("private key is required")
	}
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshaling claims: %w", err)
	}

	header := base64.RawURLEncoding.EncodeToString([]byte(rs256Header))
	payload := base64.RawURLEncoding.EncodeToString(claimsJSON)
	signingInput := header + "." + payload

	digest := sha256.Sum256([]byte(signingInput))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// CheckStructure fails with ErrMalformedToken unless token has exactly
// three non-empty dot-separated segments.
func CheckStructure(token string) error {
	if strings.TrimSpace(token) == "" {
		return fmt.Errorf("%w: empty token", ErrMalformedToken)
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return fmt.Errorf("%w: expected 3 segments, got %d", ErrMalformedToken, len(parts))
	}
	for i, name := range []string{"header", "payload", "signature"} {
		if strings.TrimSpace(parts[i]) == "" {
			return fmt.Errorf("%w: empty %s segment", ErrMalformedToken, name)
		}
	}
	return nil
}

// Decode unmarshals the payload segment into claims without verifying the
// signature. Structural validity is still enforced.
func Decode(token string, claims any) error {
	if err := CheckStructure(token); err != nil {
		return err
	}
	payload := strings.Split(token, ".")[1]
	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return fmt.Errorf("%w: payload segment is not base64url", ErrMalformedToken)
	}
	if err := json.Unmarshal(raw, claims); err != nil {
		return fmt.Errorf("%w: payload is not valid JSON", ErrMalformedToken)
	}
	return nil
}

// Verify checks the RS256 signature of token against pub. It does not
// inspect claims.
func Verify(token string, pub *rsa.PublicKey) error {
	if pub == nil {
		return errors.New("public key is required")
	}
	if err := CheckStructure(token); err != nil {
		return err
	}
	parts := strings.Split(token, ".")

	var header struct {
		Alg string `json:"alg"`
	}
	rawHeader, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return fmt.Errorf("%w: header segment is not base64url", ErrMalformedToken)
	}
	if err := json.Unmarshal(rawHeader, &header); err != nil {
		return fmt.Errorf("%w: header is not valid JSON", ErrMalformedToken)
	}
	if header.Alg != "RS256" {
		return fmt.Errorf("%w: unexpected algorithm %q", ErrSignatureInvalid, header.Alg)
	}

	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return fmt.Errorf("%w: signature segment is not base64url", ErrMalformedToken)
	}

	digest := sha256.Sum256([]byte(parts[0] + "." + parts[1]))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		return ErrSignatureInvalid
	}
	return nil
}
