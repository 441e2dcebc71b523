package payment

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/mr-tron/base58/base58"
)

var (
	ErrCallbackMalformed        = errors.New("payment callback is malformed")
	ErrCallbackIssuerInvalid    = errors.New("payment callback issuer is invalid")
	ErrCallbackClaimsInvalid    = errors.New("payment callback claims are invalid")
	ErrCallbackSignatureInvalid = errors.New("payment callback signature is invalid")
	ErrCallbackExpired          = errors.New("payment callback is expired")
)

const (
	PurposeSuccess = "success"
	PurposeFailure = "failure"
	PurposeCancel  = "cancel"
)

const (
	DefaultCallbackBase = "idwallet://payment"
	DefaultCallbackTTL  = time.Hour
)

// Claims is the signed body of a callback reference.
type Claims struct {
	TransactionID string    `json:"tid"`
	Issuer        string    `json:"iss"`
	Subject       string    `json:"sub"`
	Purpose       string    `json:"purpose"`
	IssuedAt      time.Time `json:"iat"`
	ExpiresAt     time.Time `json:"exp"`
	Nonce         string    `json:"nonce"`
	KeyID         string    `json:"kid"`
}

func validPurpose(p string) bool {
	return p == PurposeSuccess || p == PurposeFailure || p == PurposeCancel
}

func newNonce() (string, error) {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}
	return base58.Encode(buf), nil
}

func EncodeSignedToken(claims Claims, privateKey ed25519.PrivateKey) (string, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return "", errors.New("invalid signing key")
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	signature := ed25519.Sign(privateKey, payload)
	return base64.RawURLEncoding.EncodeToString(payload) + "." + base64.RawURLEncoding.EncodeToString(signature), nil
}

// CallbackURL embeds token in a deep link the payment service redirects back to.
func CallbackURL(base, purpose, token string) string {
	if strings.TrimSpace(base) == "" {
		base = DefaultCallbackBase
	}
	return strings.TrimRight(base, "/") + "/" + purpose + "?" + url.Values{"token": {token}}.Encode()
}

// Verifier checks callback references signed by the wallet's own legal key.
type Verifier struct {
	Issuer    string
	PublicKey ed25519.PublicKey
	Now       func() time.Time
}

func (v Verifier) Verify(token string) (Claims, error) {
	now := time.Now().UTC()
	if v.Now != nil {
		now = v.Now().UTC()
	}
	claims, payload, signature, err := decodeToken(token)
	if err != nil {
		return Claims{}, err
	}
	if err := validateClaims(claims, v.Issuer); err != nil {
		return Claims{}, err
	}
	if len(v.PublicKey) != ed25519.PublicKeySize || !ed25519.Verify(v.PublicKey, payload, signature) {
		return Claims{}, ErrCallbackSignatureInvalid
	}
	if !claims.ExpiresAt.After(now) {
		return Claims{}, ErrCallbackExpired
	}
	return claims, nil
}

// ParseCallbackURL extracts the purpose and token from a callback deep link.
func ParseCallbackURL(raw string) (purpose, token string, err error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", "", ErrCallbackMalformed
	}
	path := strings.Trim(u.Path, "/")
	if path == "" {
		path = u.Host
	} else if i := strings.LastIndexByte(path, '/'); i >= 0 {
		path = path[i+1:]
	}
	token = u.Query().Get("token")
	if !validPurpose(path) || token == "" {
		return "", "", ErrCallbackMalformed
	}
	return path, token, nil
}

func validateClaims(claims Claims, requiredIssuer string) error {
	if requiredIssuer != "" && !strings.EqualFold(strings.TrimSpace(claims.Issuer), requiredIssuer) {
		return ErrCallbackIssuerInvalid
	}
	if strings.TrimSpace(claims.TransactionID) == "" ||
		strings.TrimSpace(claims.Subject) == "" ||
		!validPurpose(claims.Purpose) ||
		claims.IssuedAt.IsZero() ||
		claims.ExpiresAt.IsZero() {
		return ErrCallbackClaimsInvalid
	}
	if !claims.ExpiresAt.After(claims.IssuedAt) {
		return ErrCallbackClaimsInvalid
	}
	return nil
}

func decodeToken(token string) (Claims, []byte, []byte, error) {
	parts := strings.Split(strings.TrimSpace(token), ".")
	if len(parts) != 2 {
		return Claims{}, nil, nil, ErrCallbackMalformed
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return Claims{}, nil, nil, ErrCallbackMalformed
	}
	signature, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Claims{}, nil, nil, ErrCallbackMalformed
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return Claims{}, nil, nil, ErrCallbackMalformed
	}
	return claims, payload, signature, nil
}
