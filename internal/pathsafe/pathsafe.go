// Package pathsafe validates client supplied names before they are turned
// into filesystem paths or object keys. Every name that reaches the chunk
// store or the artifact repository has been through this package.
package pathsafe

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ErrInvalid is the sentinel matched by every validation failure.
var ErrInvalid = errors.New("validation failed")

// Error describes a rejected input field.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Is lets errors.Is(err, ErrInvalid) match any *Error.
func (e *Error) Is(target error) bool {
	return target == ErrInvalid
}

func invalid(field, format string, args ...any) error {
	return &Error{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// maxNameLen matches the common filesystem limit for a single path element.
const maxNameLen = 255

var tokenPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// DefaultBlockedExtensions lists executable types refused as upload targets.
var DefaultBlockedExtensions = []string{
	".exe", ".bat", ".cmd", ".com", ".pif", ".scr", ".vbs", ".msi", ".jar", ".dll",
}

// Policy decides which artifact names are acceptable.
//
// Allowed holds doublestar patterns (for example "*.{jpg,png}"); an empty
// list allows every name. Blocked holds lower-case extensions that are
// always refused.
type Policy struct {
	Allowed []string
	Blocked []string
}

// DefaultPolicy allows any name except the default blocked extensions.
func DefaultPolicy() Policy {
	return Policy{Blocked: DefaultBlockedExtensions}
}

// ValidatePatterns reports the first malformed allow pattern.
func (p Policy) ValidatePatterns() error {
	for _, pat := range p.Allowed {
		if !doublestar.ValidatePattern(pat) {
			return invalid("pattern", "malformed pattern %q", pat)
		}
	}
	return nil
}

// ValidateSessionToken checks an upload session token. Tokens become a
// directory name, so only a conservative character set is accepted.
func ValidateSessionToken(token string) error {
	if token == "" {
		return invalid("upload id", "missing")
	}
	if !tokenPattern.MatchString(token) {
		return invalid("upload id", "must be 1-128 characters of letters, digits, '-' or '_'")
	}
	return nil
}

// ValidateFilename trims surrounding whitespace and returns the name if it
// is a single safe path element accepted by the policy.
func (p Policy) ValidateFilename(name string) (string, error) {
	name = strings.TrimSpace(name)

	switch {
	case name == "":
		return "", invalid("filename", "missing")
	case len(name) > maxNameLen:
		return "", invalid("filename", "longer than %d bytes", maxNameLen)
	case strings.ContainsRune(name, '\x00'):
		return "", invalid("filename", "contains a null byte")
	case strings.ContainsAny(name, `/\`):
		return "", invalid("filename", "contains a path separator")
	case name == "." || name == "..":
		return "", invalid("filename", "path traversal")
	case strings.HasPrefix(name, "."):
		// Dot files are reserved for in-flight temp files.
		return "", invalid("filename", "must not start with '.'")
	case filepath.VolumeName(name) != "":
		return "", invalid("filename", "contains a volume name")
	}

	ext := strings.ToLower(filepath.Ext(name))
	for _, blocked := range p.Blocked {
		if ext == strings.ToLower(blocked) {
			return "", invalid("filename", "file type not allowed: %s", ext)
		}
	}

	if len(p.Allowed) > 0 {
		matched := false
		for _, pat := range p.Allowed {
			ok, err := doublestar.Match(pat, name)
			if err != nil {
				return "", invalid("pattern", "malformed pattern %q", pat)
			}
			if ok {
				matched = true
				break
			}
		}
		if !matched {
			return "", invalid("filename", "name does not match any allowed pattern")
		}
	}

	return name, nil
}

// ResolveInside joins name onto root and verifies the result stays strictly
// inside root. root must be absolute and clean.
func ResolveInside(root, name string) (string, error) {
	full := filepath.Join(root, name)
	rel, err := filepath.Rel(root, full)
	if err != nil {
		return "", invalid("filename", "cannot be resolved")
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", invalid("filename", "resolves outside the repository")
	}
	return full, nil
}
