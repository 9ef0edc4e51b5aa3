// Package handoff signs the workspace URL a ready job hands back to the
// browser, grounded on dojo_plugin's _workspace_redirect: an HMAC over
// the container's short id (and, when sharded, its node's internal
// address) lets the reverse proxy trust the subdomain it receives
// without looking the job up itself.
package handoff

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
)

// ErrNoWorkspaceSecret is returned by New when no signing secret is
// configured — a misconfiguration the process should refuse to start
// with rather than hand out unsigned, unverifiable URLs.
var ErrNoWorkspaceSecret = errors.New("workspace secret not configured")

// Signer signs and builds workspace handoff URLs.
type Signer struct {
	secret []byte
	host   string
}

// New constructs a Signer. secret must be non-empty; host is the base
// domain workspace URLs are built under (WORKSPACE_HOST).
func New(secret, host string) (*Signer, error) {
	if secret == "" {
		return nil, ErrNoWorkspaceSecret
	}
	return &Signer{secret: []byte(secret), host: host}, nil
}

// Sign returns the base64 URL-safe (padded) HMAC-SHA256 of subject,
// matching the original's signature encoding exactly so the reverse
// proxy's verification (implemented outside this repo) stays compatible.
func (s *Signer) Sign(subject string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(subject))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature is the correct signature for subject,
// using constant-time comparison.
func (s *Signer) Verify(subject, signature string) bool {
	expected := s.Sign(subject)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// subject builds the string that gets signed: the container's short id
// alone when node is 0 (the unsharded case), otherwise joined with the
// node's address on the internal 192.168.42.0/24 range, 192.168.42.<node+1>.
func subject(containerIDShort string, node int) string {
	if node == 0 {
		return containerIDShort
	}
	return fmt.Sprintf("%s:192.168.42.%d", containerIDShort, node+1)
}

// BuildURL returns the signed, user-facing workspace URL for a ready
// job's container, embedding both the container id and its signature in
// the subdomain the same way _workspace_redirect does. node is a
// per-user computed shard index (see provision.nodeForUser), not a
// fixed deployment-wide value.
func (s *Signer) BuildURL(containerIDShort string, node int) string {
	subj := subject(containerIDShort, node)
	sig := s.Sign(subj)
	if node == 0 {
		return fmt.Sprintf("https://%s-%s.%s/", containerIDShort, sig, s.host)
	}
	return fmt.Sprintf("https://%s-%s.%s.%s/", containerIDShort, sig, strconv.Itoa(node), s.host)
}
