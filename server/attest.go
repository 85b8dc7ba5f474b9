package server

import (
	"context"
	"errors"
)

// ErrAttestationFailed is returned when a configured AttestationVerifier
// rejects a presented token, or when one is configured but no token
// was presented.
var ErrAttestationFailed = errors.New("server: attestation failed")

// checkAttestation runs cfg.Attest against token if configured. A nil
// verifier means attestation is disabled entirely, per §4.7.
func checkAttestation(ctx context.Context, cfg Config, token string) error {
	if cfg.Attest == nil {
		return nil
	}
	if token == "" {
		return ErrAttestationFailed
	}
	return cfg.Attest.Verify(ctx, token)
}
