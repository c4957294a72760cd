// Package assets loads static files from a document root and maps file
// extensions to MIME types. It is the default path behind the HTTP
// middleware chain: handlers that decline a request fall through to a
// static lookup here.
package assets

import (
	"os"
	"path"
	"path/filepath"
	"strings"
)

// fallbackNotFound is served when the document root has no 404 template.
const fallbackNotFound = "<h1>Internal Server Error</h1>"

// mimeTypes maps lowercase file extensions to content types.
var mimeTypes = map[string]string{
	".html": "text/html",
	".txt":  "text/plain",
	".css":  "text/css",
	".js":   "text/javascript",
	".ico":  "image/x-icon",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/x-png",
	".gif":  "image/gif",
	".svg":  "image/svg+xml",
	".ttf":  "font/ttf",
	".cpp":  "text/x-c",
}

// MimeType returns the content type for a lowercase file extension
// (including the dot), or fallback when the extension is unknown.
func MimeType(ext, fallback string) string {
	if mt, ok := mimeTypes[ext]; ok {
		return mt
	}
	return fallback
}

// Loader serves files beneath a document root.
type Loader struct {
	// Root is the document root directory.
	Root string
}

// NewLoader returns a Loader rooted at root.
func NewLoader(root string) *Loader {
	return &Loader{Root: root}
}

// Load resolves a normalized resource path to file contents and a MIME
// type. "/" and "/index.html" (any case) both map to the root index
// document. Unknown extensions fall back to application/octet-stream.
// Returns ok=false when no such file exists.
func (l *Loader) Load(resource string) (body []byte, mime string, ok bool) {
	if strings.EqualFold(resource, "/") || strings.EqualFold(resource, "/index.html") {
		body, err := os.ReadFile(filepath.Join(l.Root, "index.html"))
		if err != nil {
			return nil, "", false
		}
		return body, "text/html", true
	}

	body, err := os.ReadFile(filepath.Join(l.Root, filepath.FromSlash(resource)))
	if err != nil {
		return nil, "", false
	}
	mime = MimeType(strings.ToLower(path.Ext(resource)), "application/octet-stream")
	return body, mime, true
}

// NotFound renders the 404 page. When the document root has a 404.html
// template, its "{}" marker is replaced with the stringified request
// (newlines rewritten to <br/>); otherwise a hardcoded error body is
// returned. The content type is always text/html.
func (l *Loader) NotFound(requestText string) ([]byte, string) {
	tmpl, err := os.ReadFile(filepath.Join(l.Root, "404.html"))
	if err != nil {
		return []byte(fallbackNotFound), "text/html"
	}
	pretty := strings.ReplaceAll(strings.ReplaceAll(requestText, "\r\n", "\n"), "\n", "<br/>")
	page := strings.Replace(string(tmpl), "{}", pretty, 1)
	return []byte(page), "text/html"
}
