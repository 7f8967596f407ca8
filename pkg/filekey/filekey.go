// Package filekey validates upload metadata and derives unique storage keys.
// Validation order is fixed: the compiled-in blocklist is checked before the
// operator's allowlist, so a dangerous extension can never be allowlisted
// back in; the MIME check runs last.
package filekey

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ErrorKind classifies validation failures.
type ErrorKind int

const (
	BlockedExtension ErrorKind = iota
	DisallowedExtension
	MimeMismatch
	BadFilename
)

func (k ErrorKind) String() string {
	switch k {
	case BlockedExtension:
		return "blocked_extension"
	case DisallowedExtension:
		return "disallowed_extension"
	case MimeMismatch:
		return "mime_mismatch"
	default:
		return "bad_filename"
	}
}

// ValidationError reports why a file was rejected.
type ValidationError struct {
	Kind ErrorKind
	Ext  string
	msg  string
}

func (e *ValidationError) Error() string {
	if e.msg != "" {
		return "filekey: " + e.msg
	}
	return "filekey: " + e.Kind.String()
}

// blockedExtensions is compiled in rather than configured: executable and
// script formats stay rejected regardless of operator configuration.
var blockedExtensions = map[string]struct{}{
	".exe": {}, ".bat": {}, ".cmd": {}, ".com": {}, ".scr": {}, ".msi": {},
	".dll": {}, ".sh": {}, ".ps1": {}, ".php": {}, ".jar": {},
}

// DefaultAllowed returns the default extension-to-MIME allowlist.
func DefaultAllowed() map[string]string {
	return map[string]string{
		".jpg":  "image/jpeg",
		".jpeg": "image/jpeg",
		".png":  "image/png",
		".gif":  "image/gif",
		".pdf":  "application/pdf",
		".txt":  "text/plain",
		".doc":  "application/msword",
		".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		".mp4":  "video/mp4",
		".mp3":  "audio/mpeg",
		".zip":  "application/zip",
	}
}

// Record describes one generated upload key. Created once per upload-URL
// request and never mutated.
type Record struct {
	UUID             uuid.UUID
	OriginalFilename string
	Extension        string
	ContentType      string
	GeneratedKey     string
}

// Policy validates filenames and derives storage keys. Immutable after
// construction; safe for concurrent use.
type Policy struct {
	allowed    map[string]string
	strictMIME bool
}

// New builds a Policy from an allowlist. A nil map selects DefaultAllowed.
// strictMIME controls whether a content-type mismatch is a hard reject.
func New(allowed map[string]string, strictMIME bool) *Policy {
	if allowed == nil {
		allowed = DefaultAllowed()
	}
	lower := make(map[string]string, len(allowed))
	for ext, mime := range allowed {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		lower[ext] = mime
	}
	return &Policy{allowed: lower, strictMIME: strictMIME}
}

// Validate checks filename and contentType against the policy and returns
// the content type the upload should use. An empty contentType adopts the
// allowlist's expected MIME for the extension.
func (p *Policy) Validate(filename, contentType string) (string, error) {
	base := sanitizeBasename(filename)
	if base == "" {
		return "", &ValidationError{Kind: BadFilename, msg: "empty or invalid filename"}
	}
	ext := strings.ToLower(filepath.Ext(base))
	if ext == "" || ext == "." {
		return "", &ValidationError{Kind: DisallowedExtension, msg: "filename has no extension"}
	}

	// Blocklist first: it outranks any allowlist entry.
	if _, blocked := blockedExtensions[ext]; blocked {
		return "", &ValidationError{Kind: BlockedExtension, Ext: ext, msg: fmt.Sprintf("extension %s is blocked", ext)}
	}
	expected, ok := p.allowed[ext]
	if !ok {
		return "", &ValidationError{Kind: DisallowedExtension, Ext: ext, msg: fmt.Sprintf("extension %s is not allowed", ext)}
	}

	ct := strings.TrimSpace(strings.ToLower(contentType))
	if ct == "" {
		return expected, nil
	}
	if !strings.EqualFold(ct, expected) && p.strictMIME {
		return "", &ValidationError{Kind: MimeMismatch, Ext: ext,
			msg: fmt.Sprintf("content type %q does not match %q expected for %s", ct, expected, ext)}
	}
	return ct, nil
}

// GenerateKey derives a globally unique storage key for filename under
// prefix: "{prefix}/{uuid4}-{sanitized basename}". Uniqueness rests on
// UUIDv4 entropy; the original basename is preserved for client-side
// identification.
func (p *Policy) GenerateKey(prefix, filename, contentType string) (Record, error) {
	base := sanitizeBasename(filename)
	if base == "" {
		return Record{}, &ValidationError{Kind: BadFilename, msg: "empty or invalid filename"}
	}
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = "uploads"
	}
	id := uuid.New()
	return Record{
		UUID:             id,
		OriginalFilename: filename,
		Extension:        strings.ToLower(filepath.Ext(base)),
		ContentType:      contentType,
		GeneratedKey:     prefix + "/" + id.String() + "-" + base,
	}, nil
}

// sanitizeBasename strips directory components and control characters from a
// client-supplied filename, keeping the basename intact.
func sanitizeBasename(filename string) string {
	name := strings.ReplaceAll(filename, "\\", "/")
	name = path.Base(name)
	if name == "." || name == ".." || name == "/" {
		return ""
	}
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)
	return strings.TrimSpace(name)
}
