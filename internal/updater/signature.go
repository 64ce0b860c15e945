package updater

import (
	"fmt"

	"github.com/jedisct1/go-minisign"
)

// VerifySignature verifies the archive signature using minisign
func VerifySignature(archivePath, signaturePath string, pubKey minisign.PublicKey) error {
	sig, err := minisign.NewSignatureFromFile(signaturePath)
	if err != nil {
		return fmt.Errorf("read signature file: %w", err)
	}

	valid, err := pubKey.VerifyFromFile(archivePath, sig)
	if err != nil {
		return fmt.Errorf("verify signature: %w", err)
	}
	if !valid {
		return fmt.Errorf("invalid signature")
	}
	return nil
}

// ParsePublicKey parses a base64 minisign public key
func ParsePublicKey(keyStr string) (minisign.PublicKey, error) {
	return minisign.NewPublicKey(keyStr)
}
