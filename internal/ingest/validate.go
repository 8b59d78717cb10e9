package ingest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// ErrValidationFailed marks inputs the pipeline refuses outright. Operations
// return it before touching the network, the object store, or the database,
// and workers never retry it.
var ErrValidationFailed = errors.New("validation failed")

// ValidationError carries the reason an input was rejected.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Reason
}

func (e *ValidationError) Unwrap() error {
	return ErrValidationFailed
}

func failValidation(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// MaxImageBytes caps accepted payloads at 50 MiB.
const MaxImageBytes = 50 << 20

var allowedImageTypes = map[string]struct{}{
	"image/jpeg": {},
	"image/jpg":  {},
	"image/png":  {},
	"image/gif":  {},
	"image/webp": {},
	"image/avif": {},
}

// ValidateImageBytes checks size bounds and sniffs the content type from the
// payload itself; client-supplied types are ignored. It returns the detected
// MIME type.
func ValidateImageBytes(data []byte) (string, error) {
	if len(data) == 0 {
		return "", failValidation("empty image payload")
	}
	if len(data) > MaxImageBytes {
		return "", failValidation("image of %d bytes exceeds the %d byte limit", len(data), MaxImageBytes)
	}
	contentType := http.DetectContentType(data)
	if _, ok := allowedImageTypes[contentType]; !ok {
		return "", failValidation("unsupported content type %q", contentType)
	}
	return contentType, nil
}

// extensionForMIME picks the spool file extension for a sniffed type.
func extensionForMIME(contentType string) string {
	switch contentType {
	case "image/jpeg", "image/jpg":
		return "jpg"
	case "image/png":
		return "png"
	case "image/gif":
		return "gif"
	case "image/webp":
		return "webp"
	case "image/avif":
		return "avif"
	default:
		return "bin"
	}
}

var blockedHosts = map[string]struct{}{
	"localhost": {},
	"127.0.0.1": {},
	"::1":       {},
}

// lookupIP resolves a hostname to its addresses. Tests swap it out to keep
// the URL checks hermetic.
var lookupIP = func(ctx context.Context, host string) ([]net.IP, error) {
	return net.DefaultResolver.LookupIP(ctx, "ip", host)
}

// ValidateURL enforces the fetch policy for remote sources: http or https
// only, no loopback hosts, and no hosts that resolve to private, link-local,
// or loopback addresses. It runs before any fetch is attempted.
func ValidateURL(ctx context.Context, rawURL string) error {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return failValidation("unparseable url: %v", err)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return failValidation("scheme %q is not allowed", parsed.Scheme)
	}
	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return failValidation("url has no host")
	}
	if _, blocked := blockedHosts[host]; blocked {
		return failValidation("host %q is not allowed", host)
	}
	if ip := net.ParseIP(host); ip != nil {
		if reason := addressBlocked(ip); reason != "" {
			return failValidation("address %s is %s", ip, reason)
		}
		return nil
	}
	ips, err := lookupIP(ctx, host)
	if err != nil {
		return failValidation("cannot resolve host %q: %v", host, err)
	}
	for _, ip := range ips {
		if reason := addressBlocked(ip); reason != "" {
			return failValidation("host %q resolves to a %s address", host, reason)
		}
	}
	return nil
}

// addressBlocked names the range that disqualifies an address, or returns
// the empty string when the address is routable.
func addressBlocked(ip net.IP) string {
	switch {
	case ip.IsLoopback():
		return "loopback"
	case ip.IsPrivate():
		return "private"
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return "link-local"
	case ip.IsUnspecified():
		return "unspecified"
	default:
		return ""
	}
}
