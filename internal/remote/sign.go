package remote

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Signer produces and verifies time-limited blob URLs of the form
//
//	{base}/blobs/{bucket}/{path}?expires={unix}&sig={hex}
type Signer struct {
	base string
	key  []byte
	now  func() time.Time
}

// NewSigner returns a signer for URLs rooted at base.
func NewSigner(base string, key []byte) *Signer {
	return &Signer{
		base: strings.TrimRight(base, "/"),
		key:  key,
		now:  time.Now,
	}
}

// Sign returns a URL for bucket/path valid for ttl.
func (s *Signer) Sign(bucket, path string, ttl time.Duration) string {
	expires := s.now().Add(ttl).Unix()
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("sig", s.mac(bucket, path, expires))
	return fmt.Sprintf("%s/blobs/%s/%s?%s", s.base, url.PathEscape(bucket), escapePath(path), q.Encode())
}

// Verify checks the expires and sig parameters for bucket/path.
func (s *Signer) Verify(bucket, path string, q url.Values) error {
	expires, err := strconv.ParseInt(q.Get("expires"), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid expires: %w", err)
	}
	if s.now().Unix() > expires {
		return fmt.Errorf("url expired")
	}
	want := s.mac(bucket, path, expires)
	if !hmac.Equal([]byte(want), []byte(q.Get("sig"))) {
		return fmt.Errorf("invalid signature")
	}
	return nil
}

func (s *Signer) mac(bucket, path string, expires int64) string {
	m := hmac.New(sha256.New, s.key)
	fmt.Fprintf(m, "%s/%s\n%d", bucket, path, expires)
	return hex.EncodeToString(m.Sum(nil))
}

func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}
