package fetch

import (
	"mime"
	"net/url"
	"path"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultName is used when no other source yields a usable filename.
const DefaultName = "file"

// maxNameBytes caps a sanitized filename, extension included.
const maxNameBytes = 120

// contentTypeExt maps a media type to the extension appended when a name has none.
var contentTypeExt = map[string]string{
	"image/jpeg":         ".jpg",
	"image/jpg":          ".jpg",
	"image/png":          ".png",
	"image/gif":          ".gif",
	"image/webp":         ".webp",
	"video/mp4":          ".mp4",
	"video/avi":          ".avi",
	"audio/mp3":          ".mp3",
	"audio/mpeg":         ".mp3",
	"audio/wav":          ".wav",
	"application/pdf":    ".pdf",
	"application/msword": ".doc",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": ".docx",
	"text/plain":        ".txt",
	"application/zip":   ".zip",
	"application/x-rar": ".rar",
}

// ExtensionForContentType returns the mapped extension for a Content-Type
// header value, or "" when unmapped. Parameters are ignored.
func ExtensionForContentType(contentType string) string {
	mt := strings.TrimSpace(contentType)
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = mt[:i]
	}
	return contentTypeExt[strings.ToLower(strings.TrimSpace(mt))]
}

// extOf returns the lowercase extension of the last path element, or "".
func extOf(name string) string {
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	ext := path.Ext(name)
	if ext == "." || ext == name {
		return ""
	}
	return strings.ToLower(ext)
}

func hasExt(name string) bool { return extOf(name) != "" }

// urlSegments returns the unescaped, non-empty path segments of rawURL.
func urlSegments(rawURL string) []string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}
	var segs []string
	for _, s := range strings.Split(u.Path, "/") {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}

// urlExt is the extension of the last URL path segment.
func urlExt(rawURL string) string {
	segs := urlSegments(rawURL)
	if len(segs) == 0 {
		return ""
	}
	return extOf(segs[len(segs)-1])
}

// dispositionName extracts the filename parameter from a Content-Disposition header.
func dispositionName(header string) string {
	if header == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}
	return params["filename"]
}

// ChooseName picks the filename for a download.
//
// Precedence: a declared name that has an extension, the Content-Disposition
// name, the last URL segment carrying an extension, then DefaultName. A
// declared name without an extension borrows one from the disposition or the
// URL. If the result still has no extension, the Content-Type decides.
func ChooseName(declared, disposition, rawURL, contentType string) string {
	declared = strings.TrimSpace(declared)
	disposition = strings.TrimSpace(disposition)

	var name string
	switch {
	case hasExt(declared):
		name = declared
	case declared != "":
		name = declared + firstNonEmpty(extOf(disposition), urlExt(rawURL))
	case disposition != "":
		name = disposition
	default:
		segs := urlSegments(rawURL)
		for i := len(segs) - 1; i >= 0; i-- {
			if hasExt(segs[i]) {
				name = segs[i]
				break
			}
		}
		if name == "" {
			name = DefaultName + urlExt(rawURL)
		}
	}

	if !hasExt(name) {
		name += ExtensionForContentType(contentType)
	}
	return name
}

// ChooseInlineName picks the filename for an inline payload from its declared
// name and MIME type.
func ChooseInlineName(declared, mimeType string) string {
	name := strings.TrimSpace(declared)
	if name == "" {
		name = DefaultName
	}
	if !hasExt(name) {
		name += ExtensionForContentType(mimeType)
	}
	return name
}

// Sanitize makes name safe to use as a single path element on Windows and
// POSIX file systems. The result is never empty and never starts with a dot.
func Sanitize(name string) string {
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}

	var b strings.Builder
	for _, r := range name {
		if r == utf8.RuneError || unicode.IsControl(r) || strings.ContainsRune(`<>:"/\|?*`, r) {
			continue
		}
		b.WriteRune(r)
	}
	name = strings.Trim(b.String(), " .")
	if name == "" {
		return DefaultName
	}
	if len(name) > maxNameBytes {
		ext := path.Ext(name)
		if len(ext) >= maxNameBytes/2 {
			ext = ""
		}
		base := truncateUTF8(strings.TrimSuffix(name, ext), maxNameBytes-len(ext))
		name = strings.TrimRight(base, " .") + ext
		if strings.TrimSuffix(name, ext) == "" {
			name = DefaultName + ext
		}
	}
	return name
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
