package app

import "errors"

// minJWTSecretBytes is the floor for HMAC-SHA256 signing keys. Measured in
// bytes, not runes, because the key is used as raw bytes.
const minJWTSecretBytes = 32

// ValidateSecurityConfig enforces the token signing policy at startup.
// Fail-fast is intentional: silently running with a weak or missing signing
// secret in production is unacceptable.
func ValidateSecurityConfig(cfg Config) error {
	if cfg.JWTSecret == "" {
		return errors.New("security policy: RELAY_JWT_SECRET is required")
	}
	if !cfg.RequireStrongSecret {
		return nil
	}
	if len(cfg.JWTSecret) < minJWTSecretBytes {
		return errors.New("security policy: RELAY_REQUIRE_STRONG_SECRET=true but RELAY_JWT_SECRET is too short (min 32 bytes)")
	}
	return nil
}
