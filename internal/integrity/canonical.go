package integrity

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

const contentHeaderVersion = "anchord-content-v1"

// Content is the hashable view of a document.
type Content struct {
	DocumentID string
	PostType   string
	AuthorID   string
	Body       string
}

// Canonicalize returns the bytes that are hashed for c. The body is NFC
// normalized, line endings become LF and trailing whitespace is trimmed per
// line and at the end. The structural header binds the digest to the owning
// document and author.
func Canonicalize(c Content) []byte {
	body := norm.NFC.String(c.Body)
	body = strings.ReplaceAll(body, "\r\n", "\n")
	body = strings.ReplaceAll(body, "\r", "\n")

	lines := strings.Split(body, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRightFunc(line, unicode.IsSpace)
	}
	body = strings.TrimRight(strings.Join(lines, "\n"), "\n")

	var b strings.Builder
	b.Grow(len(body) + 96)
	b.WriteString(contentHeaderVersion)
	b.WriteString("\ndocument_id:")
	b.WriteString(headerValue(c.DocumentID))
	b.WriteString("\npost_type:")
	b.WriteString(headerValue(c.PostType))
	b.WriteString("\nauthor_id:")
	b.WriteString(headerValue(c.AuthorID))
	b.WriteString("\n---\n")
	b.WriteString(body)
	return []byte(b.String())
}

// header values are single-line
func headerValue(v string) string {
	v = norm.NFC.String(strings.TrimSpace(v))
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(v)
}
