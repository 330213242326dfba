// Package submission checks that a proof URL points at a post on the expected
// platform and belongs to the submitter's own account.
package submission

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
)

type Reason string

const (
	ReasonInvalidURL          Reason = "invalid_url"
	ReasonUnsupportedPlatform Reason = "unsupported_platform"
	ReasonHandleMismatch      Reason = "handle_mismatch"
)

// Error is a user-correctable validation failure.
type Error struct {
	Reason  Reason
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func newError(reason Reason, format string, args ...any) *Error {
	return &Error{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

type Confidence string

const (
	ConfidenceHigh Confidence = "high"
	ConfidenceLow  Confidence = "low"
)

type Result struct {
	Platform        string     `json:"platform"`
	ExtractedHandle string     `json:"extracted_handle"`
	NormalizedURL   string     `json:"normalized_url"`
	Confidence      Confidence `json:"confidence"`
}

// Platform describes where a platform keeps the account handle in its URLs.
type Platform struct {
	Name    string
	Domains []string
	// HandleSegment is the path segment index holding the handle.
	HandleSegment int
	// AtPrefixed platforms require the handle segment to start with @.
	AtPrefixed  bool
	Reserved    []string
	PostPattern *regexp.Regexp
}

// Builtin returns the platforms known out of the box.
func Builtin() map[string]Platform {
	return map[string]Platform{
		"x": {
			Name:          "x",
			Domains:       []string{"x.com", "twitter.com"},
			HandleSegment: 0,
			Reserved:      []string{"i", "home", "search", "explore", "intent", "share", "hashtag", "settings", "notifications", "messages"},
			PostPattern:   regexp.MustCompile(`^/[A-Za-z0-9_]{1,15}/status/[0-9]+/?$`),
		},
		"tiktok": {
			Name:          "tiktok",
			Domains:       []string{"tiktok.com"},
			HandleSegment: 0,
			AtPrefixed:    true,
			PostPattern:   regexp.MustCompile(`^/@[A-Za-z0-9_.]+/video/[0-9]+/?$`),
		},
		"threads": {
			Name:          "threads",
			Domains:       []string{"threads.net", "threads.com"},
			HandleSegment: 0,
			AtPrefixed:    true,
			PostPattern:   regexp.MustCompile(`^/@[A-Za-z0-9_.]+/post/[A-Za-z0-9_-]+/?$`),
		},
		"youtube": {
			Name:          "youtube",
			Domains:       []string{"youtube.com"},
			HandleSegment: 0,
			AtPrefixed:    true,
			PostPattern:   regexp.MustCompile(`^/@[A-Za-z0-9_.-]+/(shorts|community|posts)/[A-Za-z0-9_-]+/?$`),
		},
	}
}

// Validator holds the per-platform allow-lists.
type Validator struct {
	platforms map[string]Platform
}

// New builds a validator from the builtin platforms, replacing the domain
// lists of any platform named in overrides.
func New(overrides map[string][]string) *Validator {
	platforms := Builtin()
	for name, domains := range overrides {
		p, ok := platforms[name]
		if !ok {
			p = Platform{Name: name}
		}
		p.Domains = lowerAll(domains)
		platforms[name] = p
	}
	return &Validator{platforms: platforms}
}

// Platforms lists the configured platform names in order.
func (v *Validator) Platforms() []string {
	names := make([]string, 0, len(v.platforms))
	for n := range v.platforms {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// HostPlatform reports which platform accepts the host, if any.
func (v *Validator) HostPlatform(host string) (string, bool) {
	for _, name := range v.Platforms() {
		if matchDomain(host, v.platforms[name].Domains) != "" {
			return name, true
		}
	}
	return "", false
}

// Validate checks rawURL against platform and, when knownHandle is set, the
// submitter's own handle. Failures are returned as *Error.
func (v *Validator) Validate(rawURL, platform, knownHandle string) (Result, error) {
	p, ok := v.platforms[platform]
	if !ok {
		return Result{}, newError(ReasonUnsupportedPlatform, "platform %q is not supported", platform)
	}
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		return Result{}, newError(ReasonInvalidURL, "%q is not an absolute http(s) url", rawURL)
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	domain := matchDomain(host, p.Domains)
	if domain == "" {
		return Result{}, newError(ReasonUnsupportedPlatform, "host %s is not a %s domain", host, p.Name)
	}
	path := "/" + strings.Trim(u.EscapedPath(), "/")
	handle, ok := p.handle(path)
	if !ok {
		return Result{}, newError(ReasonInvalidURL, "url does not contain a %s account handle", p.Name)
	}
	if want := NormalizeHandle(knownHandle); want != "" && want != handle {
		return Result{}, newError(ReasonHandleMismatch, "url belongs to @%s, not @%s", handle, want)
	}
	confidence := ConfidenceLow
	if p.PostPattern != nil && p.PostPattern.MatchString(path) {
		confidence = ConfidenceHigh
	}
	return Result{
		Platform:        p.Name,
		ExtractedHandle: handle,
		NormalizedURL:   "https://" + domain + path,
		Confidence:      confidence,
	}, nil
}

func (p Platform) handle(path string) (string, bool) {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if p.HandleSegment >= len(segments) {
		return "", false
	}
	seg, err := url.PathUnescape(segments[p.HandleSegment])
	if err != nil || seg == "" {
		return "", false
	}
	if p.AtPrefixed && !strings.HasPrefix(seg, "@") {
		return "", false
	}
	h := NormalizeHandle(seg)
	if h == "" {
		return "", false
	}
	for _, r := range p.Reserved {
		if h == r {
			return "", false
		}
	}
	return h, true
}

// NormalizeHandle lowercases a handle and strips a leading @.
func NormalizeHandle(h string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(h), "@"))
}

// matchDomain returns the allow-listed domain host equals or is a subdomain
// of, or "" when none matches.
func matchDomain(host string, domains []string) string {
	for _, d := range domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return d
		}
	}
	return ""
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, strings.ToLower(strings.TrimSpace(s)))
	}
	return out
}
