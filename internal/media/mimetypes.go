package media

import (
	"mime"
	"strings"
)

const (
	// DefaultMIME is used when the remote server sends no usable Content-Type.
	DefaultMIME = "application/octet-stream"
	// DefaultExtension pairs with DefaultMIME.
	DefaultExtension = ".bin"
)

var mimeToExt = map[string]string{
	"image/jpeg":         ".jpg",
	"image/png":          ".png",
	"image/gif":          ".gif",
	"image/webp":         ".webp",
	"audio/mpeg":         ".mp3",
	"audio/ogg":          ".ogg",
	"audio/wav":          ".wav",
	"video/mp4":          ".mp4",
	"video/quicktime":    ".mov",
	"application/pdf":    ".pdf",
	"application/msword": ".doc",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": ".docx",
	"text/plain": ".txt",
}

var extToMIME = map[string]string{
	".jpeg": "image/jpeg",
}

func init() {
	for m, ext := range mimeToExt {
		extToMIME[ext] = m
	}
}

// ExtensionForMIME returns the file extension (with dot) for a MIME type.
// Parameters such as "; codecs=opus" are ignored.
func ExtensionForMIME(mimeType string) string {
	if ext, ok := mimeToExt[baseMIME(mimeType)]; ok {
		return ext
	}
	return DefaultExtension
}

// MIMEForExtension is the inverse of ExtensionForMIME.
func MIMEForExtension(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	if m, ok := extToMIME[ext]; ok {
		return m
	}
	return DefaultMIME
}

// baseMIME lowercases a Content-Type and drops its parameters. Empty or
// unparsable values become DefaultMIME.
func baseMIME(contentType string) string {
	contentType = strings.TrimSpace(contentType)
	if contentType == "" {
		return DefaultMIME
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	}
	mt = strings.ToLower(mt)
	if mt == "" {
		return DefaultMIME
	}
	return mt
}
