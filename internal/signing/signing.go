// Package signing implements the updater's hashing and signature
// verification primitives: SHA-256 file hashing, and RSA-PKCS1v15-SHA256
// verification of a patch hash against a base64-DER-encoded public key.
package signing

import (
	"bufio"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/shorebirdtech/updater-sub000/internal/updatererr"
)

// HashFile returns the lowercase hex-encoded SHA-256 hash of the file at
// path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, bufio.NewReader(f)); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// CheckSignature verifies that signatureB64 is a valid RSA-PKCS1v15-SHA256
// signature, by the key encoded in publicKeyB64DER, over the raw UTF-8
// bytes of messageHex.
//
// publicKeyB64DER is expected in the RSAPublicKey (PKCS#1) DER form, base64
// standard-encoded, the same form produced by
// `openssl rsa -pubin -RSAPublicKey_out -outform DER | base64`.
//
// Decode failures (malformed base64/DER) are returned as distinguishable
// errors from verification failures: a failed verification always
// collapses to the same non-informative "invalid signature" error,
// because the underlying verifier intentionally does not distinguish why
// a signature failed.
func CheckSignature(messageHex, signatureB64, publicKeyB64DER string) error {
	pubKeyBytes, err := base64.StdEncoding.DecodeString(publicKeyB64DER)
	if err != nil {
		return fmt.Errorf("decode public key: %w", err)
	}
	pubKey, err := x509.ParsePKCS1PublicKey(pubKeyBytes)
	if err != nil {
		return fmt.Errorf("parse public key: %w", err)
	}

	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}

	digest := sha256.Sum256([]byte(messageHex))
	if err := rsa.VerifyPKCS1v15(pubKey, crypto.SHA256, digest[:], sig); err != nil {
		return updatererr.New(updatererr.KindSignatureInvalid, "patch signature is invalid")
	}
	return nil
}
