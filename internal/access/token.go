package access

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
)

const (
	tokenType = "patient_access"
	keyInfo   = "clinicq patient access v1"
)

var ErrInvalidToken = errors.New("invalid access token")

// Issuer signs and validates patient access tokens. A token grants read
// access to exactly one patient's status page until it expires.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

type claims struct {
	Type string `json:"typ"`
	jwt.RegisteredClaims
}

// NewIssuer builds an issuer. An empty secret is replaced by random bytes,
// which means tokens are invalidated by a restart. The signing key is
// derived from the secret, so operators may pass a passphrase.
func NewIssuer(secret string, ttl time.Duration) (*Issuer, error) {
	material := []byte(secret)
	if len(material) == 0 {
		material = make([]byte, 32)
		if _, err := rand.Read(material); err != nil {
			return nil, fmt.Errorf("generate access secret: %w", err)
		}
	}
	key, err := deriveKey(material)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Issuer{secret: key, ttl: ttl, now: time.Now}, nil
}

func deriveKey(material []byte) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, material, nil, []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("derive access key: %w", err)
	}
	return key, nil
}

func (i *Issuer) Issue(patientID int64) (string, error) {
	issuedAt := i.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Type: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(patientID, 10),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(i.ttl)),
		},
	})
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

// Validate checks signature, expiry and that the token was issued for
// patientID.
func (i *Issuer) Validate(raw string, patientID int64) error {
	parsed := &claims{}
	_, err := jwt.ParseWithClaims(raw, parsed, func(t *jwt.Token) (interface{}, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed.Type != tokenType {
		return fmt.Errorf("%w: unexpected token type %q", ErrInvalidToken, parsed.Type)
	}
	if parsed.Subject != strconv.FormatInt(patientID, 10) {
		return fmt.Errorf("%w: token not issued for patient %d", ErrInvalidToken, patientID)
	}
	return nil
}
