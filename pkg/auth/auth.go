// Package auth signs and validates peer-to-peer coordination requests with
// a shared secret, so only cluster members can read or influence instance
// state.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

const (
	// HeaderTimestamp carries the signing time in unix seconds.
	HeaderTimestamp = "X-Coordinator-Timestamp"
	// HeaderInstance carries the signer's instance id.
	HeaderInstance = "X-Coordinator-Instance"
	// HeaderSignature carries the request HMAC.
	HeaderSignature = "X-Coordinator-Signature"

	// MaxClockSkew bounds how far a request timestamp may drift from the
	// validator's clock before replayed or stale requests are rejected.
	MaxClockSkew = 30 * time.Second
)

// Authenticator signs outbound and validates inbound peer requests. With
// an empty secret authentication is disabled entirely.
type Authenticator struct {
	secret     []byte
	instanceID string
}

// New creates an authenticator for this instance.
func New(sharedSecret, instanceID string) *Authenticator {
	return &Authenticator{
		secret:     []byte(sharedSecret),
		instanceID: instanceID,
	}
}

// Enabled reports whether a shared secret is configured.
func (a *Authenticator) Enabled() bool { return len(a.secret) > 0 }

// Sign adds authentication headers to an outbound request.
func (a *Authenticator) Sign(req *http.Request) {
	if !a.Enabled() {
		return
	}

	ts := time.Now().Unix()
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderInstance, a.instanceID)
	req.Header.Set(HeaderSignature, a.signature(req.Method, req.URL.Path, a.instanceID, ts))
}

// Validate checks the authentication headers on an inbound request.
func (a *Authenticator) Validate(req *http.Request) error {
	if !a.Enabled() {
		return nil
	}

	tsHeader := req.Header.Get(HeaderTimestamp)
	if tsHeader == "" {
		return fmt.Errorf("missing %s header", HeaderTimestamp)
	}
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}

	skew := time.Duration(time.Now().Unix()-ts) * time.Second
	if skew < 0 {
		skew = -skew
	}
	if skew > MaxClockSkew {
		return fmt.Errorf("timestamp outside allowed window (skew %v)", skew)
	}

	peer := req.Header.Get(HeaderInstance)
	if peer == "" {
		return fmt.Errorf("missing %s header", HeaderInstance)
	}

	want := a.signature(req.Method, req.URL.Path, peer, ts)
	got := req.Header.Get(HeaderSignature)
	if !hmac.Equal([]byte(want), []byte(got)) {
		return fmt.Errorf("invalid signature")
	}
	return nil
}

// Middleware wraps an HTTP handler with signature validation.
func (a *Authenticator) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := a.Validate(r); err != nil {
			http.Error(w, fmt.Sprintf("authentication failed: %v", err), http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// signature binds the method, path, signer identity, and time into one
// HMAC-SHA256 digest.
func (a *Authenticator) signature(method, path, instanceID string, ts int64) string {
	mac := hmac.New(sha256.New, a.secret)
	fmt.Fprintf(mac, "%s\n%s\n%s\n%d", method, path, instanceID, ts)
	return hex.EncodeToString(mac.Sum(nil))
}
