// Package kms encrypts and decrypts OAuth token material with Cloud KMS.
//
// Direct KMS encryption, not envelope encryption. Every call goes to the KMS
// API, which is fine at token-refresh volumes.
package kms

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"

	kmsapi "cloud.google.com/go/kms/apiv1"
	"cloud.google.com/go/kms/apiv1/kmspb"
)

// KMSAdapter implements shared.KeyManager against a single crypto key.
type KMSAdapter struct {
	Client *kmsapi.KeyManagementClient
	// KeyName is the full resource path:
	// projects/{project}/locations/{location}/keyRings/{ring}/cryptoKeys/{key}
	KeyName string
}

func NewKMSAdapter(client *kmsapi.KeyManagementClient, keyName string) *KMSAdapter {
	return &KMSAdapter{Client: client, KeyName: keyName}
}

// aadFor binds a ciphertext to the athlete that owns it. Decrypting one
// athlete's token under another's id fails the KMS integrity check.
func aadFor(athleteID int64) []byte {
	return []byte(fmt.Sprintf("athlete_id:%d", athleteID))
}

// Encrypt returns base64-encoded ciphertext bound to the athlete id.
func (k *KMSAdapter) Encrypt(ctx context.Context, plaintext string, athleteID int64) (string, error) {
	resp, err := k.Client.Encrypt(ctx, &kmspb.EncryptRequest{
		Name:                        k.KeyName,
		Plaintext:                   []byte(plaintext),
		AdditionalAuthenticatedData: aadFor(athleteID),
	})
	if err != nil {
		return "", fmt.Errorf("kms encrypt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(resp.Ciphertext), nil
}

// Decrypt decodes base64 ciphertext and decrypts it with the athlete AAD.
// Records written before AAD binding were encrypted without it, so on
// failure it retries once with empty AAD.
func (k *KMSAdapter) Decrypt(ctx context.Context, ciphertext string, athleteID int64) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("ciphertext base64 decode: %w", err)
	}

	resp, err := k.Client.Decrypt(ctx, &kmspb.DecryptRequest{
		Name:                        k.KeyName,
		Ciphertext:                  raw,
		AdditionalAuthenticatedData: aadFor(athleteID),
	})
	if err == nil {
		return string(resp.Plaintext), nil
	}

	slog.Warn("Decryption with AAD failed, attempting legacy fallback",
		"component", "kms", "athlete_id", athleteID)
	resp, ferr := k.Client.Decrypt(ctx, &kmspb.DecryptRequest{
		Name:       k.KeyName,
		Ciphertext: raw,
	})
	if ferr != nil {
		// Report the original AAD failure, the more likely real cause.
		return "", fmt.Errorf("kms decrypt: %w", err)
	}
	return string(resp.Plaintext), nil
}

// PlaintextKeyManager is a stand-in for local development without KMS
// access. It base64-wraps the plaintext with the AAD prefixed so mismatched
// athlete ids still fail, mirroring real KMS behavior.
type PlaintextKeyManager struct{}

func (p *PlaintextKeyManager) Encrypt(_ context.Context, plaintext string, athleteID int64) (string, error) {
	data := fmt.Sprintf("%s:%s", aadFor(athleteID), plaintext)
	return base64.StdEncoding.EncodeToString([]byte(data)), nil
}

func (p *PlaintextKeyManager) Decrypt(_ context.Context, ciphertext string, athleteID int64) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("ciphertext base64 decode: %w", err)
	}
	prefix := string(aadFor(athleteID)) + ":"
	if len(raw) < len(prefix) || string(raw[:len(prefix)]) != prefix {
		return "", fmt.Errorf("integrity check failed: AAD mismatch")
	}
	return string(raw[len(prefix):]), nil
}
