// Package secrets encrypts the sensitive subset of integration settings at
// rest. Each sensitive field is sealed independently with XChaCha20-Poly1305
// under a random nonce, with the field name bound as associated data, so a
// ciphertext moved between fields or altered in place fails to open.
package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/sells-group/credit-broker/internal/apperr"
	"github.com/sells-group/credit-broker/internal/model"
)

const (
	// Prefix marks a field value as ciphertext.
	Prefix = "enc:v1:"

	// MinKeySize is the minimum accepted master key length in bytes.
	MinKeySize = 32

	hkdfInfo = "credit-broker/integration-settings/v1"
)

// Field names used as associated data.
const (
	FieldClientID     = "client_id"
	FieldClientSecret = "client_secret"
	FieldAPIKey       = "api_key"
	FieldToken        = "token"
)

// Codec encrypts and decrypts model.Settings.
type Codec struct {
	keyID string
	keys  map[string]keyAEAD
}

type keyAEAD interface {
	NonceSize() int
	Overhead() int
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

// Option configures a Codec.
type Option func(*Codec) error

// WithPreviousKey registers a retired key that can still decrypt values
// written under keyID. New values are always sealed with the primary key.
func WithPreviousKey(keyID string, masterKey []byte) Option {
	return func(c *Codec) error {
		aead, err := deriveAEAD(masterKey)
		if err != nil {
			return eris.Wrapf(err, "secrets: previous key %s", keyID)
		}
		c.keys[keyID] = aead
		return nil
	}
}

// NewCodec creates a Codec whose primary key is identified by keyID.
func NewCodec(keyID string, masterKey []byte, opts ...Option) (*Codec, error) {
	if keyID == "" || strings.Contains(keyID, ":") {
		return nil, eris.Errorf("secrets: invalid key id %q", keyID)
	}
	aead, err := deriveAEAD(masterKey)
	if err != nil {
		return nil, err
	}
	c := &Codec{
		keyID: keyID,
		keys:  map[string]keyAEAD{keyID: aead},
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// ParseKey decodes a base64 (standard or URL alphabet) master key.
func ParseKey(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if key, err := enc.DecodeString(encoded); err == nil {
			if len(key) < MinKeySize {
				return nil, eris.Errorf("secrets: master key must be at least %d bytes, got %d", MinKeySize, len(key))
			}
			return key, nil
		}
	}
	return nil, eris.New("secrets: master key is not valid base64")
}

func deriveAEAD(masterKey []byte) (keyAEAD, error) {
	if len(masterKey) < MinKeySize {
		return nil, eris.Errorf("secrets: master key must be at least %d bytes, got %d", MinKeySize, len(masterKey))
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, masterKey, nil, []byte(hkdfInfo)), key); err != nil {
		return nil, eris.Wrap(err, "secrets: derive key")
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, eris.Wrap(err, "secrets: create aead")
	}
	return aead, nil
}

// IsEncrypted reports whether v carries the ciphertext prefix.
func IsEncrypted(v string) bool {
	return strings.HasPrefix(v, Prefix)
}

type sealedField struct {
	name   string
	clear  *string
	sealed *string
}

func sensitiveFields(s *model.Settings) []sealedField {
	return []sealedField{
		{FieldClientID, &s.ClientID, &s.EncryptedClientID},
		{FieldClientSecret, &s.ClientSecret, &s.EncryptedClientSecret},
		{FieldAPIKey, &s.APIKey, &s.EncryptedAPIKey},
	}
}

// Encrypt returns a copy of s with every clear sensitive value moved into
// its Encrypted* field. Values that are only present in sealed form are left
// untouched, so Encrypt is safe to repeat.
func (c *Codec) Encrypt(s model.Settings) (model.Settings, error) {
	out := s.Clone()

	for _, f := range sensitiveFields(&out) {
		if *f.clear == "" {
			continue
		}
		sealed, err := c.seal(f.name, []byte(*f.clear))
		if err != nil {
			return model.Settings{}, err
		}
		*f.sealed = sealed
		*f.clear = ""
	}

	if out.Token != nil {
		raw, err := json.Marshal(out.Token)
		if err != nil {
			return model.Settings{}, eris.Wrap(err, "secrets: marshal token")
		}
		sealed, err := c.seal(FieldToken, raw)
		if err != nil {
			return model.Settings{}, err
		}
		out.EncryptedToken = sealed
		out.Token = nil
	}

	return out, nil
}

// Decrypt returns a copy of s with every Encrypted* field opened into its
// clear counterpart. A clear value that is already present is newer than
// the sealed one it replaces and is kept. Any failure to open a sealed value
// yields a *apperr.DecryptionError.
func (c *Codec) Decrypt(s model.Settings) (model.Settings, error) {
	out := s.Clone()

	for _, f := range sensitiveFields(&out) {
		if *f.sealed == "" {
			continue
		}
		if *f.clear == "" {
			plain, err := c.open(f.name, *f.sealed)
			if err != nil {
				return model.Settings{}, err
			}
			*f.clear = string(plain)
		}
		*f.sealed = ""
	}

	if out.EncryptedToken != "" {
		if out.Token == nil {
			plain, err := c.open(FieldToken, out.EncryptedToken)
			if err != nil {
				return model.Settings{}, err
			}
			var tok model.TokenSet
			if err := json.Unmarshal(plain, &tok); err != nil {
				return model.Settings{}, &apperr.DecryptionError{Field: FieldToken, Err: err}
			}
			out.Token = &tok
		}
		out.EncryptedToken = ""
	}

	return out, nil
}

func (c *Codec) seal(field string, plaintext []byte) (string, error) {
	aead := c.keys[c.keyID]
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", eris.Wrap(err, "secrets: generate nonce")
	}
	sealed := aead.Seal(nonce, nonce, plaintext, []byte(field))
	return Prefix + c.keyID + ":" + base64.RawURLEncoding.EncodeToString(sealed), nil
}

func (c *Codec) open(field, value string) ([]byte, error) {
	rest, ok := strings.CutPrefix(value, Prefix)
	if !ok {
		return nil, &apperr.DecryptionError{Field: field, Err: eris.New("missing ciphertext prefix")}
	}
	keyID, payload, ok := strings.Cut(rest, ":")
	if !ok {
		return nil, &apperr.DecryptionError{Field: field, Err: eris.New("malformed ciphertext")}
	}
	aead, ok := c.keys[keyID]
	if !ok {
		return nil, &apperr.DecryptionError{Field: field, Err: eris.Errorf("unknown key id %q", keyID)}
	}
	raw, err := base64.RawURLEncoding.Strict().DecodeString(payload)
	if err != nil {
		return nil, &apperr.DecryptionError{Field: field, Err: err}
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return nil, &apperr.DecryptionError{Field: field, Err: eris.New("ciphertext too short")}
	}
	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, []byte(field))
	if err != nil {
		return nil, &apperr.DecryptionError{Field: field, Err: err}
	}
	return plain, nil
}
