// Package token implements unforgeable, time-bounded capability tokens
// binding an approval to (client_id, tool_id[, context_key]).
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// payload is the canonical JSON object the signature covers. Fields are
// re-serialized by hand in canonicalJSON rather than via encoding/json's
// struct marshaling, since Go's json package does not guarantee sorted keys
// and the wire form requires them.
type payload struct {
	ClientID   string `json:"client_id"`
	ToolID     string `json:"tool_id"`
	Exp        int64  `json:"exp"`
	Iat        int64  `json:"iat"`
	ContextKey string `json:"context_key,omitempty"`
}

// canonicalJSON renders p as sorted-key, no-whitespace JSON. The fields are
// copied into a map (context_key only when set), the keys are sorted, and
// each key:value pair is written in that order, so the output is
// lexicographically ordered whatever the struct's declaration order.
func canonicalJSON(p payload) ([]byte, error) {
	m := map[string]interface{}{
		"client_id": p.ClientID,
		"tool_id":   p.ToolID,
		"exp":       p.Exp,
		"iat":       p.Iat,
	}
	if p.ContextKey != "" {
		m["context_key"] = p.ContextKey
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(m[k])
		if err != nil {
			return nil, err
		}
		b.Write(kb)
		b.WriteByte(':')
		b.Write(vb)
	}
	b.WriteByte('}')
	return []byte(b.String()), nil
}

func sign(payloadB64 string, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payloadB64))
	return hex.EncodeToString(mac.Sum(nil))
}

// Generate produces a capability token of the form base64(payload).hex(sig).
// contextKey may be empty to omit the field entirely.
func Generate(clientID, toolID string, ttlSeconds int64, secret string, contextKey string) (string, error) {
	now := time.Now().Unix()
	p := payload{
		ClientID:   clientID,
		ToolID:     toolID,
		Iat:        now,
		Exp:        now + ttlSeconds,
		ContextKey: contextKey,
	}

	raw, err := canonicalJSON(p)
	if err != nil {
		return "", err
	}
	payloadB64 := base64.StdEncoding.EncodeToString(raw)
	sig := sign(payloadB64, secret)
	return payloadB64 + "." + sig, nil
}

// Verify checks a token's format, signature, expiry, and claim bindings in
// strict short-circuiting order. contextKey, when non-empty, must equal the
// payload's context_key for the token to verify. Any parse failure returns
// false; Verify never panics on attacker-controlled input.
func Verify(tok, clientID, toolID, secret string, contextKey string) bool {
	if tok == "" {
		return false
	}

	parts := strings.Split(tok, ".")
	if len(parts) != 2 {
		return false
	}
	payloadB64, sig := parts[0], parts[1]

	expected := sign(payloadB64, secret)
	if subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) != 1 {
		return false
	}

	p, err := decodePayload(payloadB64)
	if err != nil {
		return false
	}

	if time.Now().Unix() > p.Exp {
		return false
	}
	if p.ClientID != clientID {
		return false
	}
	if p.ToolID != toolID {
		return false
	}
	if contextKey != "" && p.ContextKey != contextKey {
		return false
	}

	return true
}

// Decode returns the unverified payload as a map, for logging only. Callers
// must never trust the result without a corresponding Verify call.
func Decode(tok string) (map[string]interface{}, error) {
	if tok == "" {
		return nil, errEmptyToken
	}
	parts := strings.Split(tok, ".")
	if len(parts) != 2 {
		return nil, errInvalidFormat
	}

	raw, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func decodePayload(payloadB64 string) (payload, error) {
	raw, err := base64.StdEncoding.DecodeString(payloadB64)
	if err != nil {
		return payload{}, err
	}
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return payload{}, err
	}
	return p, nil
}
