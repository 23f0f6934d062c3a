package reference

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	minisign "github.com/jedisct1/go-minisign"
)

// ErrSignatureInvalid is returned when a sample file does not match its signature.
var ErrSignatureInvalid = errors.New("signature verification failed")

// Verifier checks minisign signatures against one trusted public key.
type Verifier struct {
	publicKey minisign.PublicKey
}

// NewVerifier parses a minisign public key, comment line included.
func NewVerifier(pubKey string) (*Verifier, error) {
	pubKey = strings.TrimSpace(pubKey)
	if pubKey == "" {
		return nil, errors.New("minisign public key is required")
	}
	publicKey, err := minisign.DecodePublicKey(pubKey)
	if err != nil {
		return nil, fmt.Errorf("parse minisign public key: %w", err)
	}
	return &Verifier{publicKey: publicKey}, nil
}

// Verify checks the detached signature at sigPath against the file at path.
func (v *Verifier) Verify(ctx context.Context, path, sigPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := os.ReadFile(sigPath)
	if err != nil {
		return fmt.Errorf("read signature %q: %w", sigPath, err)
	}
	signature, err := minisign.DecodeSignature(string(raw))
	if err != nil {
		return fmt.Errorf("decode signature %q: %w", sigPath, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %q: %w", path, err)
	}
	ok, err := v.publicKey.Verify(data, signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	if !ok {
		return ErrSignatureInvalid
	}
	return nil
}
