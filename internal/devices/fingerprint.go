package devices

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

const unknownIPAddress = "unknown"

// RequestMetadata holds the request attributes that feed a fingerprint.
type RequestMetadata struct {
	UserAgent      string
	IPAddress      string
	AcceptLanguage string
	AcceptEncoding string
}

// MetadataFromRequest extracts fingerprint inputs from r. fallbackIP is used
// when no proxy header carries the client address.
func MetadataFromRequest(r *http.Request, fallbackIP string) RequestMetadata {
	return RequestMetadata{
		UserAgent:      strings.TrimSpace(r.Header.Get("User-Agent")),
		IPAddress:      ClientIP(r, fallbackIP),
		AcceptLanguage: strings.TrimSpace(r.Header.Get("Accept-Language")),
		AcceptEncoding: strings.TrimSpace(r.Header.Get("Accept-Encoding")),
	}
}

// ClientIP prefers the CDN-provided address, then the first forwarded hop.
func ClientIP(r *http.Request, fallbackIP string) string {
	if value := strings.TrimSpace(r.Header.Get("CF-Connecting-IP")); value != "" {
		return value
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first := strings.TrimSpace(strings.Split(forwarded, ",")[0])
		if first != "" {
			return first
		}
	}
	if value := strings.TrimSpace(fallbackIP); value != "" {
		return value
	}
	return unknownIPAddress
}

// ComputeFingerprint hashes request metadata into a hex digest. The device id
// is not part of the input so two device ids on one client collide.
func ComputeFingerprint(metadata RequestMetadata) string {
	payload := strings.Join([]string{
		metadata.UserAgent,
		metadata.IPAddress,
		metadata.AcceptLanguage,
		metadata.AcceptEncoding,
	}, "|")
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}
