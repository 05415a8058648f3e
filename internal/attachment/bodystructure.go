package attachment

import (
	"mime"
	"slices"
	"strconv"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/vdavid/mailgate/internal/models"
)

var knownExtensions = map[string]string{
	"application/pdf":    ".pdf",
	"application/zip":    ".zip",
	"application/json":   ".json",
	"application/msword": ".doc",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": ".docx",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":       ".xlsx",
	"image/jpeg":     ".jpg",
	"image/png":      ".png",
	"image/gif":      ".gif",
	"text/plain":     ".txt",
	"text/html":      ".html",
	"text/calendar":  ".ics",
	"message/rfc822": ".eml",
}

// FindAttachments walks the body structure and returns every leaf part that
// is an attachment, with its positional part ID ("2", "1.3", ...).
func FindAttachments(bs *imap.BodyStructure) []models.AttachmentInfo {
	attachments := []models.AttachmentInfo{}
	if bs == nil {
		return attachments
	}

	bs.Walk(func(path []int, part *imap.BodyStructure) bool {
		if isMultipart(part) {
			return true
		}
		if isAttachment(part) {
			attachments = append(attachments, describe(part, partID(path)))
		}
		return false
	})
	return attachments
}

// FindPart returns the part with the given dotted ID and its numeric path.
func FindPart(bs *imap.BodyStructure, id string) (*imap.BodyStructure, []int, bool) {
	want, ok := parsePartID(id)
	if !ok || bs == nil {
		return nil, nil, false
	}

	var found *imap.BodyStructure
	bs.Walk(func(path []int, part *imap.BodyStructure) bool {
		if found != nil {
			return false
		}
		if slices.Equal(path, want) {
			if !isMultipart(part) {
				found = part
			}
			return false
		}
		return isMultipart(part)
	})
	if found == nil {
		return nil, nil, false
	}
	return found, want, true
}

func isMultipart(part *imap.BodyStructure) bool {
	return strings.EqualFold(part.MIMEType, "multipart")
}

// isAttachment: explicitly disposed as an attachment, or a leaf that is not
// text.
func isAttachment(part *imap.BodyStructure) bool {
	if strings.EqualFold(part.Disposition, "attachment") {
		return true
	}
	return !strings.EqualFold(part.MIMEType, "text") && !isMultipart(part)
}

func describe(part *imap.BodyStructure, id string) models.AttachmentInfo {
	contentType := contentTypeOf(part)
	return models.AttachmentInfo{
		PartID:      id,
		Filename:    resolveFilename(part, id, contentType),
		ContentType: contentType,
		Size:        int64(part.Size),
		ContentID:   strings.Trim(part.Id, "<>"),
		Encoding:    strings.ToLower(part.Encoding),
		Disposition: strings.ToLower(part.Disposition),
	}
}

func contentTypeOf(part *imap.BodyStructure) string {
	if part.MIMEType == "" {
		return "application/octet-stream"
	}
	return strings.ToLower(part.MIMEType + "/" + part.MIMESubType)
}

// resolveFilename prefers the disposition filename, then the content type
// name parameter, then a name made up from the part ID. Names taken from the
// message are sanitized.
func resolveFilename(part *imap.BodyStructure, id, contentType string) string {
	if name, err := part.Filename(); err == nil && strings.TrimSpace(name) != "" {
		return SanitizeFilename(name)
	}
	return "attachment-" + id + extensionFor(contentType)
}

func extensionFor(contentType string) string {
	if ext, ok := knownExtensions[contentType]; ok {
		return ext
	}
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ""
}

func partID(path []int) string {
	parts := make([]string, len(path))
	for i, n := range path {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ".")
}

func parsePartID(id string) ([]int, bool) {
	if id == "" {
		return nil, false
	}
	fields := strings.Split(id, ".")
	path := make([]int, len(fields))
	for i, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil || n < 1 {
			return nil, false
		}
		path[i] = n
	}
	return path, true
}
