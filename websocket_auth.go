package main

import (
	"time"

	"github.com/mustafarec/KulturaX-sub003/internal/auth"
	"github.com/mustafarec/KulturaX-sub003/internal/config"
	"github.com/mustafarec/KulturaX-sub003/internal/logging"
	"github.com/mustafarec/KulturaX-sub003/internal/relay"
)

type allowAllVerifier struct{}

func (allowAllVerifier) Verify(int64, string) error { return nil }

type hmacCredentialVerifier struct {
	verifier *auth.HMACTokenVerifier
}

// Verify checks that the presented token is valid and was minted for userID.
func (v *hmacCredentialVerifier) Verify(userID int64, token string) error {
	return v.verifier.VerifyFor(userID, token)
}

// newCredentialVerifier selects the handshake verifier.
// 1.- With a configured secret, handshakes require a signed token whose subject matches the claimed user.
// 2.- Without one, every credential is accepted; this keeps local development friction-free.
func newCredentialVerifier(cfg *config.Config, log *logging.Logger) (relay.CredentialVerifier, error) {
	if cfg.AuthSecret == "" {
		log.Warn("auth secret not configured; accepting all handshake credentials")
		return allowAllVerifier{}, nil
	}
	verifier, err := auth.NewHMACTokenVerifier(cfg.AuthSecret, 2*time.Second)
	if err != nil {
		return nil, err
	}
	return &hmacCredentialVerifier{verifier: verifier}, nil
}
