package attachment

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/vdavid/mailgate/internal/models"
)

const DefaultMaxSize = 25 * 1024 * 1024

var defaultAllowedTypes = []string{
	"application/pdf",
	"application/zip",
	"application/json",
	"application/msword",
	"application/vnd.ms-excel",
	"application/vnd.ms-powerpoint",
	"application/vnd.openxmlformats-officedocument.*",
	"application/vnd.oasis.opendocument.*",
	"application/octet-stream",
	"image/*",
	"audio/*",
	"video/*",
	"text/*",
	"message/rfc822",
}

var defaultBlockedExtensions = []string{
	".exe", ".bat", ".cmd", ".com", ".scr", ".pif", ".vbs", ".vbe",
	".js", ".jse", ".wsf", ".wsh", ".msi", ".msp", ".jar", ".ps1", ".hta", ".cpl", ".reg",
}

// PolicyError is returned when the validation gate rejects a part.
type PolicyError struct {
	Reason string
}

func (e *PolicyError) Error() string {
	return "attachment blocked: " + e.Reason
}

// Policy is the validation gate run before any attachment bytes are fetched.
// Content types outside AllowedTypes only produce a warning.
type Policy struct {
	MaxSize           int64
	AllowedTypes      []string
	BlockedExtensions []string
}

func DefaultPolicy() Policy {
	return Policy{
		MaxSize:           DefaultMaxSize,
		AllowedTypes:      defaultAllowedTypes,
		BlockedExtensions: defaultBlockedExtensions,
	}
}

// WithDefaults fills unset limits with the defaults.
func (p Policy) WithDefaults() Policy {
	if p.MaxSize <= 0 {
		p.MaxSize = DefaultMaxSize
	}
	if p.AllowedTypes == nil {
		p.AllowedTypes = defaultAllowedTypes
	}
	if p.BlockedExtensions == nil {
		p.BlockedExtensions = defaultBlockedExtensions
	}
	return p
}

// Check returns a *PolicyError for a rejected part, and otherwise any
// warnings worth logging. The extension is taken from the sanitized name,
// which is the name the client receives.
func (p Policy) Check(info models.AttachmentInfo) ([]string, error) {
	if info.Size > p.MaxSize {
		return nil, &PolicyError{Reason: fmt.Sprintf("size %d exceeds the %d byte limit", info.Size, p.MaxSize)}
	}

	ext := strings.ToLower(filepath.Ext(SanitizeFilename(info.Filename)))
	for _, blocked := range p.BlockedExtensions {
		if ext != "" && ext == strings.ToLower(blocked) {
			return nil, &PolicyError{Reason: fmt.Sprintf("file type %s is not allowed", ext)}
		}
	}

	var warnings []string
	if !p.allowsType(info.ContentType) {
		warnings = append(warnings, fmt.Sprintf("unrecognized content type %s", info.ContentType))
	}
	return warnings, nil
}

func (p Policy) allowsType(contentType string) bool {
	contentType = strings.ToLower(contentType)
	for _, allowed := range p.AllowedTypes {
		allowed = strings.ToLower(allowed)
		if prefix, ok := strings.CutSuffix(allowed, "*"); ok {
			if strings.HasPrefix(contentType, prefix) {
				return true
			}
			continue
		}
		if contentType == allowed {
			return true
		}
	}
	return false
}
