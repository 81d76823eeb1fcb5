package auth

import (
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // AuthHMAC scheme is defined over SHA-1
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// authorization header scheme, compatible with the AuthHMAC convention:
// "AuthHMAC <access id>:<base64 hmac-sha1 of the canonical string>"
const scheme = "AuthHMAC"

// canonicalString builds the string that is signed for a request:
// method, content type, content md5 and date headers, then the path,
// each separated by a newline.
func canonicalString(method, path string, header http.Header) string {
	var b strings.Builder
	b.WriteString(method)
	b.WriteString("\n")
	b.WriteString(header.Get("Content-Type"))
	b.WriteString("\n")
	b.WriteString(header.Get("Content-MD5"))
	b.WriteString("\n")
	b.WriteString(header.Get("Date"))
	b.WriteString("\n")
	b.WriteString(path)
	return b.String()
}

func signature(secret, canonical string) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(canonical))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Sign adds Date and Authorization headers to an outbound request
func Sign(req *http.Request, cred Credential) {
	if req.Header.Get("Date") == "" {
		req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	canonical := canonicalString(req.Method, req.URL.Path, req.Header)
	req.Header.Set("Authorization", fmt.Sprintf("%s %s:%s", scheme, cred.AccessID, signature(cred.Secret, canonical)))
}

// Verify checks the request signature against the credential registered for
// the role. A nil store verifies everything, i.e. auth is disabled.
func (s *Store) Verify(role string, req *http.Request) bool {
	if s == nil {
		return true
	}

	cred, ok := s.creds[role]
	if !ok {
		return false
	}

	header := req.Header.Get("Authorization")
	if header == "" {
		return false
	}

	fields := strings.SplitN(header, " ", 2)
	if len(fields) != 2 || fields[0] != scheme {
		return false
	}
	parts := strings.SplitN(fields[1], ":", 2)
	if len(parts) != 2 || parts[0] != cred.AccessID {
		return false
	}

	canonical := canonicalString(req.Method, req.URL.Path, req.Header)
	expected := signature(cred.Secret, canonical)
	return hmac.Equal([]byte(parts[1]), []byte(expected))
}

// VerifyAny checks the request signature against every registered credential.
// A nil store verifies everything, i.e. auth is disabled.
func (s *Store) VerifyAny(req *http.Request) bool {
	if s == nil {
		return true
	}
	for role := range s.creds {
		if s.Verify(role, req) {
			return true
		}
	}
	return false
}
