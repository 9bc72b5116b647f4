// Package protect provides field-level AES-256-GCM encryption for sensitive
// values inside persisted payloads. Without a configured key both transforms
// are identity, so callers never branch on whether protection is enabled.
package protect

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// EnvelopeMarker flags an encrypted leaf inside a document.
const EnvelopeMarker = "__oarsEncrypted"

// sensitiveKeys are matched case-insensitively against map keys. A leaf
// string under a matching key is encrypted at rest.
var sensitiveKeys = []string{
	"password", "secret", "token", "apikey", "credential",
	"connection", "privatekey", "authorization", "x-api-key",
}

// Protector encrypts and restores sensitive leaves of a document.
type Protector struct {
	aead cipher.AEAD
}

// New derives an AES-256-GCM protector from the configured encryption key via
// HKDF-SHA256. An empty key yields an identity protector.
func New(encryptionKey string) (*Protector, error) {
	if encryptionKey == "" {
		return &Protector{}, nil
	}
	kdf := hkdf.New(sha256.New, []byte(encryptionKey), nil, []byte("oars/data-protection/v1"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("protect: key derivation failed: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("protect: cipher init failed: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("protect: gcm init failed: %w", err)
	}
	return &Protector{aead: aead}, nil
}

// Enabled reports whether an encryption key is configured.
func (p *Protector) Enabled() bool { return p.aead != nil }

// Protect returns a deep copy of value with every sensitive leaf string
// replaced by an encryption envelope. Identity when no key is configured.
func (p *Protector) Protect(value any) (any, error) {
	if !p.Enabled() {
		return value, nil
	}
	return p.walk(value, false, p.encryptLeaf)
}

// Restore reverses Protect. A restored document is structurally equal to the
// original. Identity when no key is configured.
func (p *Protector) Restore(value any) (any, error) {
	if !p.Enabled() {
		return value, nil
	}
	return p.walkRestore(value)
}

// ProtectString encrypts a single value regardless of key context, returning
// the envelope as a JSON string. Identity when no key is configured.
func (p *Protector) ProtectString(value string) (string, error) {
	if !p.Enabled() {
		return value, nil
	}
	env, err := p.encryptLeaf(value)
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("protect: marshal envelope: %w", err)
	}
	return string(raw), nil
}

// RestoreString reverses ProtectString. Non-envelope input passes through,
// so documents written before encryption was enabled remain readable.
func (p *Protector) RestoreString(value string) (string, error) {
	if !p.Enabled() {
		return value, nil
	}
	var env map[string]any
	if err := json.Unmarshal([]byte(value), &env); err != nil {
		return value, nil
	}
	if marked, ok := env[EnvelopeMarker].(bool); !ok || !marked {
		return value, nil
	}
	plain, err := p.decryptEnvelope(env)
	if err != nil {
		return "", err
	}
	return plain.(string), nil
}

// IsSensitiveKey reports whether a map key names a sensitive field.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if lower == s {
			return true
		}
	}
	return false
}

type leafFn func(plaintext string) (any, error)

func (p *Protector) walk(value any, sensitive bool, fn leafFn) (any, error) {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, child := range v {
			transformed, err := p.walk(child, IsSensitiveKey(k), fn)
			if err != nil {
				return nil, err
			}
			out[k] = transformed
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			transformed, err := p.walk(child, sensitive, fn)
			if err != nil {
				return nil, err
			}
			out[i] = transformed
		}
		return out, nil
	case string:
		if sensitive {
			return fn(v)
		}
		return v, nil
	default:
		return v, nil
	}
}

func (p *Protector) encryptLeaf(plaintext string) (any, error) {
	iv := make([]byte, p.aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("protect: nonce generation failed: %w", err)
	}
	sealed := p.aead.Seal(nil, iv, []byte(plaintext), nil)
	tagStart := len(sealed) - 16
	return map[string]any{
		EnvelopeMarker: true,
		"iv":           base64.StdEncoding.EncodeToString(iv),
		"ciphertext":   base64.StdEncoding.EncodeToString(sealed[:tagStart]),
		"tag":          base64.StdEncoding.EncodeToString(sealed[tagStart:]),
	}, nil
}

func (p *Protector) walkRestore(value any) (any, error) {
	switch v := value.(type) {
	case map[string]any:
		if marked, ok := v[EnvelopeMarker].(bool); ok && marked {
			return p.decryptEnvelope(v)
		}
		out := make(map[string]any, len(v))
		for k, child := range v {
			restored, err := p.walkRestore(child)
			if err != nil {
				return nil, err
			}
			out[k] = restored
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			restored, err := p.walkRestore(child)
			if err != nil {
				return nil, err
			}
			out[i] = restored
		}
		return out, nil
	default:
		return v, nil
	}
}

func (p *Protector) decryptEnvelope(env map[string]any) (any, error) {
	iv, err := envelopeField(env, "iv")
	if err != nil {
		return nil, err
	}
	ciphertext, err := envelopeField(env, "ciphertext")
	if err != nil {
		return nil, err
	}
	tag, err := envelopeField(env, "tag")
	if err != nil {
		return nil, err
	}
	plaintext, err := p.aead.Open(nil, iv, append(ciphertext, tag...), nil)
	if err != nil {
		return nil, fmt.Errorf("protect: decryption failed: %w", err)
	}
	return string(plaintext), nil
}

func envelopeField(env map[string]any, name string) ([]byte, error) {
	raw, ok := env[name].(string)
	if !ok {
		return nil, fmt.Errorf("protect: malformed envelope, missing %s", name)
	}
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("protect: malformed envelope field %s: %w", name, err)
	}
	return decoded, nil
}
