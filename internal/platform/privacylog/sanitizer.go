// Package privacylog keeps key material and correlation identifiers out of
// session logs.
package privacylog

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const redactedValue = "[REDACTED]"

type policy int

const (
	keep policy = iota
	redact
	fingerprint
	// fingerprintLocal hides the local part of an XMPP address but keeps its domain.
	fingerprintLocal
)

var (
	fingerprintKey = randomKey()

	keyPolicies = map[string]policy{
		"petition_id":    fingerprint,
		"transaction_id": fingerprint,
		"object_id":      fingerprint,
		"contract_id":    fingerprint,
		"wallet":         fingerprint,
		"service_id":     fingerprint,
		"account":        fingerprintLocal,
		"requestor":      fingerprintLocal,
		"remote":         fingerprintLocal,
		"bare_address":   fingerprintLocal,
		"jid":            fingerprintLocal,
	}
	secretKeyParts = []string{"token", "secret", "password", "passphrase", "credential", "mnemonic", "seed", "private_key", "signature"}
)

// Handler rewrites record attributes before passing them to the wrapped handler.
type Handler struct {
	next slog.Handler
}

func WrapHandler(next slog.Handler) slog.Handler {
	if next == nil {
		return nil
	}
	return &Handler{next: next}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, rec slog.Record) error {
	out := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(attr slog.Attr) bool {
		out.AddAttrs(SanitizeAttr(attr))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{next: h.next.WithAttrs(sanitizeAll(attrs))}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{next: h.next.WithGroup(name)}
}

func SanitizeAttr(attr slog.Attr) slog.Attr {
	value := attr.Value.Resolve()
	if value.Kind() == slog.KindGroup {
		return slog.Attr{Key: attr.Key, Value: slog.GroupValue(sanitizeAll(value.Group())...)}
	}
	switch policyFor(attr.Key) {
	case redact:
		return slog.String(attr.Key, redactedValue)
	case fingerprint:
		return slog.String(fingerprintName(attr.Key), FingerprintID(value.String()))
	case fingerprintLocal:
		return slog.String(fingerprintName(attr.Key), FingerprintAddress(value.String()))
	default:
		return slog.Attr{Key: attr.Key, Value: value}
	}
}

// SanitizeArgs applies SanitizeAttr to alternating key/value arguments as
// accepted by slog.Logger.Info and friends.
func SanitizeArgs(args ...any) []any {
	if len(args) == 0 {
		return nil
	}
	out := make([]any, 0, len(args))
	for i := 0; i < len(args); i++ {
		key, ok := args[i].(string)
		if !ok || i+1 >= len(args) {
			out = append(out, args[i])
			continue
		}
		attr := SanitizeAttr(slog.Any(key, args[i+1]))
		out = append(out, attr.Key, attr.Value.Any())
		i++
	}
	return out
}

// FingerprintID is stable for the lifetime of the process and unlinkable
// across restarts.
func FingerprintID(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	mac, err := blake2b.New256(fingerprintKey)
	if err != nil {
		return redactedValue
	}
	mac.Write([]byte(trimmed))
	return "fp_" + hex.EncodeToString(mac.Sum(nil)[:8])
}

// FingerprintAddress fingerprints the node part of local@domain/resource and
// drops the resource.
func FingerprintAddress(address string) string {
	address = strings.TrimSpace(address)
	if i := strings.IndexByte(address, '/'); i >= 0 {
		address = address[:i]
	}
	at := strings.LastIndexByte(address, '@')
	if at < 0 {
		return FingerprintID(address)
	}
	return FingerprintID(strings.ToLower(address[:at])) + address[at:]
}

func policyFor(key string) policy {
	lower := strings.ToLower(strings.TrimSpace(key))
	if strings.HasSuffix(lower, "_fp") {
		return keep
	}
	for _, part := range secretKeyParts {
		if strings.Contains(lower, part) {
			return redact
		}
	}
	return keyPolicies[lower]
}

func fingerprintName(key string) string {
	return key + "_fp"
}

func sanitizeAll(attrs []slog.Attr) []slog.Attr {
	out := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		out = append(out, SanitizeAttr(attr))
	}
	return out
}

func randomKey() []byte {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		panic(fmt.Sprintf("privacylog: read random key: %v", err))
	}
	return key
}
