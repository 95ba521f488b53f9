// Package common provides shared utilities for CloakPoll CLI commands.
//
// This package contains helper functions used across the standalone service
// binaries (survey server, oracle, demo CLI) to reduce code duplication:
//
//   - Key loading and generation for Ed25519 signing keys
//   - Oracle key material fetching
//   - Structured logger construction
package common

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/niclabs/tcpaillier"

	"github.com/cloakpoll/cloakpoll/crypto"
	"github.com/cloakpoll/cloakpoll/services"
)

// LoadOrGenerateSigningKey loads an Ed25519 private key from a hex string,
// or generates a new key pair if hexKey is empty.
func LoadOrGenerateSigningKey(hexKey string) (crypto.PrivateKey, error) {
	if hexKey != "" {
		keyBytes, err := hex.DecodeString(hexKey)
		if err != nil {
			return nil, fmt.Errorf("invalid hex: %w", err)
		}
		return crypto.NewPrivateKeyFromBytes(keyBytes), nil
	}
	_, privKey, err := crypto.GenerateKeyPair()
	return privKey, err
}

// NewLogger creates the standard structured logger for CLI binaries.
func NewLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// FetchOracleKey retrieves the oracle's key material from its /key endpoint:
// the threshold Paillier public key and the Ed25519 proof-verification key.
func FetchOracleKey(oracleURL string) (*tcpaillier.PubKey, crypto.PublicKey, error) {
	resp, err := http.Get(oracleURL + "/key")
	if err != nil {
		return nil, nil, fmt.Errorf("fetch oracle key: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("oracle returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read oracle key: %w", err)
	}

	var keyResp services.OracleKeyResponse
	if err := json.Unmarshal(body, &keyResp); err != nil {
		return nil, nil, fmt.Errorf("decode oracle key: %w", err)
	}

	paillierKey, err := crypto.UnmarshalPaillierPublicKey(keyResp.PaillierKey)
	if err != nil {
		return nil, nil, err
	}
	signingKey, err := crypto.NewPublicKeyFromString(keyResp.SigningKey)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid oracle signing key: %w", err)
	}
	return paillierKey, signingKey, nil
}
