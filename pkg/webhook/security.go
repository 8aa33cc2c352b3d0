package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"html"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dukex/runbook/pkg/models"
)

const (
	SignatureHeader = "X-Webhook-Signature"
	TimestampHeader = "X-Webhook-Timestamp"
	IDHeader        = "X-Webhook-ID"

	signaturePrefix = "sha256="

	// MaxTimestampSkew is how far a request timestamp may drift from now.
	MaxTimestampSkew = 5 * time.Minute
)

var (
	ErrMissingSignature = errors.New("missing signature")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrMissingTimestamp = errors.New("missing timestamp")
	ErrInvalidTimestamp = errors.New("timestamp outside the allowed window")
	ErrIPNotAllowed     = errors.New("source ip not allowed")
	ErrInvalidURL       = errors.New("invalid webhook url")
)

var privateRanges = func() []*net.IPNet {
	cidrs := []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		"169.254.0.0/16",
		"100.64.0.0/10",
		"0.0.0.0/8",
		"::1/128",
		"fc00::/7",
		"fe80::/10",
	}

	ranges := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR %q: %v", cidr, err))
		}

		ranges = append(ranges, ipnet)
	}

	return ranges
}()

// GenerateSignature returns "sha256=" followed by the hex HMAC-SHA256 of payload.
func GenerateSignature(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)

	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks signature against payload in constant time.
func VerifySignature(payload []byte, signature, secret string) bool {
	if !strings.HasPrefix(signature, signaturePrefix) {
		return false
	}

	got, err := hex.DecodeString(strings.TrimPrefix(signature, signaturePrefix))
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)

	return hmac.Equal(got, mac.Sum(nil))
}

// SignedContent is what gets signed when a timestamp accompanies the body.
func SignedContent(timestamp string, body []byte) []byte {
	content := make([]byte, 0, len(timestamp)+1+len(body))
	content = append(content, timestamp...)
	content = append(content, '.')

	return append(content, body...)
}

// ParseTimestamp accepts unix seconds, unix milliseconds or RFC 3339.
func ParseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, ErrMissingTimestamp
	}

	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(n).UTC(), nil
		}

		return time.Unix(n, 0).UTC(), nil
	}

	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTimestamp, value)
	}

	return t.UTC(), nil
}

// VerifyTimestamp rejects timestamps more than MaxTimestampSkew away from now in either direction.
func VerifyTimestamp(timestamp, now time.Time) bool {
	skew := now.Sub(timestamp)
	if skew < 0 {
		skew = -skew
	}

	return skew <= MaxTimestampSkew
}

// VerifyIPWhitelist matches ip against exact addresses and CIDR ranges. An empty list allows all.
func VerifyIPWhitelist(ip string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}

	parsed := net.ParseIP(strings.TrimSpace(ip))

	for _, entry := range allowed {
		entry = strings.TrimSpace(entry)

		if strings.Contains(entry, "/") {
			_, ipnet, err := net.ParseCIDR(entry)
			if err == nil && parsed != nil && ipnet.Contains(parsed) {
				return true
			}

			continue
		}

		if entry == ip {
			return true
		}

		if other := net.ParseIP(entry); other != nil && parsed != nil && other.Equal(parsed) {
			return true
		}
	}

	return false
}

// Request is the part of an inbound call that verification looks at.
type Request struct {
	Body      []byte
	Signature string
	Timestamp string
	RemoteIP  string
}

// VerificationError names the check that rejected a request.
type VerificationError struct {
	Check string
	Err   error
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("webhook verification failed at %s: %v", e.Check, e.Err)
}

func (e *VerificationError) Unwrap() error {
	return e.Err
}

// VerificationResult is the outcome of VerifyWebhook.
type VerificationResult struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
	err    error
}

// Err returns a *VerificationError for failed results and nil otherwise.
func (r VerificationResult) Err() error {
	return r.err
}

func rejected(check string, err error) VerificationResult {
	return VerificationResult{Reason: err.Error(), err: &VerificationError{Check: check, Err: err}}
}

// VerifyWebhook runs the IP, timestamp and signature checks configured in security.
// A nil security or an empty secret skips signature verification.
func VerifyWebhook(req Request, security *models.WebhookSecurity, now time.Time) VerificationResult {
	if security == nil {
		return VerificationResult{Valid: true}
	}

	if !VerifyIPWhitelist(req.RemoteIP, security.AllowedIPs) {
		return rejected("ip", fmt.Errorf("%w: %s", ErrIPNotAllowed, req.RemoteIP))
	}

	signed := req.Body

	if security.VerifyTimestamp {
		ts, err := ParseTimestamp(req.Timestamp)
		if err != nil {
			return rejected("timestamp", err)
		}

		if !VerifyTimestamp(ts, now) {
			return rejected("timestamp", ErrInvalidTimestamp)
		}

		signed = SignedContent(strings.TrimSpace(req.Timestamp), req.Body)
	}

	if security.Secret == "" {
		return VerificationResult{Valid: true}
	}

	if req.Signature == "" {
		return rejected("signature", ErrMissingSignature)
	}

	if !VerifySignature(signed, req.Signature, security.Secret) {
		return rejected("signature", ErrInvalidSignature)
	}

	return VerificationResult{Valid: true}
}

// ValidateURL accepts only http and https URLs. In production it also rejects loopback,
// private and link-local hosts.
func ValidateURL(raw string, production bool) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return fmt.Errorf("%w: scheme %q not allowed", ErrInvalidURL, u.Scheme)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidURL)
	}

	if !production {
		return nil
	}

	if host == "localhost" || strings.HasSuffix(host, ".localhost") || strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".internal") {
		return fmt.Errorf("%w: host %s is internal", ErrInvalidURL, host)
	}

	if ip := net.ParseIP(host); ip != nil && IsPrivateIP(ip) {
		return fmt.Errorf("%w: ip %s is private", ErrInvalidURL, ip)
	}

	return nil
}

// IsPrivateIP reports whether ip is loopback, private, link-local or unspecified.
func IsPrivateIP(ip net.IP) bool {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}

	for _, ipnet := range privateRanges {
		if ipnet.Contains(ip) {
			return true
		}
	}

	return false
}

// SanitizePayload HTML-escapes every string leaf of a decoded JSON value.
func SanitizePayload(value any) any {
	switch v := value.(type) {
	case string:
		return html.EscapeString(v)
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = SanitizePayload(item)
		}

		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = SanitizePayload(item)
		}

		return out
	default:
		return v
	}
}
