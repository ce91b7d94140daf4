// Package keyring is the explicit key provider for mandate signing and
// verification. A Keyring is constructed once at process start and passed
// by reference into the signer, authorizer, and validator; there is no
// package-level key state.
package keyring

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const keySize = 2048

// KeyPair holds one RSA signing identity. Public is always derivable from
// Private when Private is present; verification-only keyrings carry only
// Public.
type KeyPair struct {
	Private *rsa.PrivateKey
	Public  *rsa.PublicKey
}

// Keyring carries the two signing identities of the AP2 flow: the merchant
// (CartMandates) and the user device (PaymentMandates).
type Keyring struct {
	Merchant KeyPair
	User     KeyPair
}

// Generate creates fresh ephemeral 2048-bit pairs for both identities.
// Used by tests and by demo mode when no key directory is configured.
func Generate() (*Keyring, error) {
	merchant, err := rsa.GenerateKey(rand.Reader, keySize)
	if err != nil {
		return nil, fmt.Errorf("generating merchant key: %w", err)
	}
	user, err := rsa.GenerateKey(rand.Reader, keySize)
	if err != nil {
		return nil, fmt.Errorf("generating user key: %w", err)
	}
	return &Keyring{
		Merchant: KeyPair{Private: merchant, Public: &merchant.PublicKey},
		User:     KeyPair{Private: user, Public: &user.PublicKey},
	}, nil
}

// LoadDir reads merchant_private.pem and user_private.pem from dir.
func LoadDir(dir string) (*Keyring, error) {
	merchant, err := loadPrivatePEM(filepath.Join(dir, "merchant_private.pem"))
	if err != nil {
		return nil, err
	}
	user, err := loadPrivatePEM(filepath.Join(dir, "user_private.pem"))
	if err != nil {
		return nil, err
	}
	return &Keyring{
		Merchant: KeyPair{Private: merchant, Public: &merchant.PublicKey},
		User:     KeyPair{Private: user, Public: &user.PublicKey},
	}, nil
}

// SaveDir writes both pairs to dir as PKCS8 private and PKIX public PEM
// files, creating dir if needed. Private keys are written 0600.
func (k *Keyring) SaveDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating key directory: %w", err)
	}
	pairs := []struct {
		name string
		pair KeyPair
	}{
		{"merchant", k.Merchant},
		{"user", k.User},
	}
	for _, p := range pairs {
		if p.pair.Private == nil {
			return fmt.Errorf("%s private key missing", p.name)
		}
		if err := writePrivatePEM(filepath.Join(dir, p.name+"_private.pem"), p.pair.Private); err != nil {
			return err
		}
		if err := writePublicPEM(filepath.Join(dir, p.name+"_public.pem"), p.pair.Public); err != nil {
			return err
		}
	}
	return nil
}

func loadPrivatePEM(path string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return ParsePrivatePEM(raw)
}

// ParsePrivatePEM decodes an RSA private key from PEM, accepting PKCS8 and
// falling back to PKCS1; both formats occur depending on the tool that
// generated the key.
func ParsePrivatePEM(raw []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("keyring: no PEM block found in private key")
	}
	keyAny, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err == nil {
		key, ok := keyAny.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("keyring: private key is not RSA")
		}
		return key, nil
	}
	key, pkcs1Err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if pkcs1Err != nil {
		return nil, fmt.Errorf("keyring: parsing private key: %w (also tried PKCS1: %v)", err, pkcs1Err)
	}
	return key, nil
}

// ParsePublicPEM decodes an RSA public key from PKIX PEM.
func ParsePublicPEM(raw []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("keyring: no PEM block found in public key")
	}
	keyAny, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("keyring: parsing public key: %w", err)
	}
	key, ok := keyAny.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("keyring: public key is not RSA")
	}
	return key, nil
}

func writePrivatePEM(path string, key *rsa.PrivateKey) error {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshaling private key: %w", err)
	}
	b := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

func writePublicPEM(path string, key *rsa.PublicKey) error {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return fmt.Errorf("marshaling public key: %w", err)
	}
	b := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
