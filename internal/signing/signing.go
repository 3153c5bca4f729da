// Package signing issues short-lived delivery references for completed
// artifacts. A reference is an HMAC-signed token scoped to exactly one
// (storage object, variant) pair; callers reissue on expiry rather than
// extending an existing reference.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var (
	ErrExpired          = errors.New("delivery reference expired")
	ErrInvalidSignature = errors.New("delivery reference signature mismatch")
	ErrMalformed        = errors.New("delivery reference malformed")
)

// Reference is a signed, expiring pointer to one artifact object.
type Reference struct {
	Object    string    `json:"object"`
	Variant   string    `json:"variant"`
	ExpiresAt time.Time `json:"expires_at"`
	Token     string    `json:"token"`
	URL       string    `json:"url,omitempty"`
}

// Issuer mints and verifies delivery references with a fixed expiry window.
type Issuer struct {
	secret  []byte
	ttl     time.Duration
	baseURL string
	now     func() time.Time
}

// NewIssuer constructs an Issuer. The secret must be non-empty; ttl bounds the
// life of every reference issued.
func NewIssuer(secret string, ttl time.Duration, baseURL string) (*Issuer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("signing secret is required")
	}
	if ttl <= 0 {
		return nil, errors.New("delivery ttl must be positive")
	}
	return &Issuer{
		secret:  []byte(secret),
		ttl:     ttl,
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		now:     time.Now,
	}, nil
}

// Issue mints a fresh reference for one (object, variant) pair. Issuance is
// independent of generation; any number of references may be issued over an
// artifact's lifetime.
func (i *Issuer) Issue(object, variant string) (Reference, error) {
	object = strings.TrimSpace(object)
	if object == "" {
		return Reference{}, errors.New("object is required")
	}
	if strings.TrimSpace(variant) == "" {
		variant = "default"
	}

	expires := i.now().Add(i.ttl).UTC()
	token := i.sign(object, variant, expires)

	ref := Reference{
		Object:    object,
		Variant:   variant,
		ExpiresAt: expires,
		Token:     token,
	}
	if i.baseURL != "" {
		query := url.Values{}
		query.Set("object", object)
		query.Set("variant", variant)
		query.Set("expires", strconv.FormatInt(expires.Unix(), 10))
		query.Set("token", token)
		ref.URL = i.baseURL + "/delivery?" + query.Encode()
	}
	return ref, nil
}

// Verify checks a token against the (object, variant, expiry) it claims to
// cover. Expired references fail even with a valid signature.
func (i *Issuer) Verify(object, variant string, expiresAt time.Time, token string) error {
	if strings.TrimSpace(object) == "" || strings.TrimSpace(token) == "" {
		return ErrMalformed
	}
	if strings.TrimSpace(variant) == "" {
		variant = "default"
	}
	expected := i.sign(object, variant, expiresAt.UTC())
	if !hmac.Equal([]byte(expected), []byte(token)) {
		return ErrInvalidSignature
	}
	if i.now().After(expiresAt) {
		return ErrExpired
	}
	return nil
}

func (i *Issuer) sign(object, variant string, expires time.Time) string {
	mac := hmac.New(sha256.New, i.secret)
	fmt.Fprintf(mac, "%s\x00%s\x00%d", object, variant, expires.Unix())
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
