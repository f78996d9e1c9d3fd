// Package utils holds small helpers shared by the engine, the CLI and the
// HTTP facade.
package utils

import (
	"fmt"
	"net/url"
	"strings"
)

// filenameReplacer maps characters that are illegal or troublesome in
// filenames on at least one supported platform to underscores.
var filenameReplacer = strings.NewReplacer(
	`\`, "_", `/`, "_", `:`, "_", `*`, "_", `?`, "_",
	`"`, "_", `<`, "_", `>`, "_", `|`, "_",
	"\x00", "_", "\n", "_", "\r", "_",
)

// SanitizeFilename makes s safe to use as one path component. An empty or
// fully-sanitized-away input becomes "_".
func SanitizeFilename(s string) string {
	s = strings.TrimSpace(filenameReplacer.Replace(s))
	s = strings.Trim(s, ". ")
	if s == "" {
		return "_"
	}
	return s
}

// ArtifactName builds the final artifact filename:
// {sanitize(title)}_{sanitize(author)}.{ext}.
func ArtifactName(title, author, ext string) string {
	return fmt.Sprintf("%s_%s.%s", SanitizeFilename(title), SanitizeFilename(author), ext)
}

// ContentDisposition renders an attachment header value with the RFC 5987
// UTF-8 filename form, plus a plain fallback for old clients.
func ContentDisposition(filename string) string {
	fallback := strings.Map(func(r rune) rune {
		if r < 0x20 || r > 0x7e || r == '"' {
			return '_'
		}
		return r
	}, filename)
	return fmt.Sprintf(`attachment; filename="%s"; filename*=UTF-8''%s`,
		fallback, url.PathEscape(filename))
}
