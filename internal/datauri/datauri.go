// Package datauri encodes and decodes RFC 2397 base64 data URIs.
package datauri

import (
	"encoding/base64"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
)

var mimeToExt = map[string]string{
	"image/png":       ".png",
	"image/jpeg":      ".jpg",
	"image/gif":       ".gif",
	"image/webp":      ".webp",
	"image/svg+xml":   ".svg",
	"application/pdf": ".pdf",
	"audio/webm":      ".webm",
	"audio/mpeg":      ".mp3",
	"audio/wav":       ".wav",
	"audio/ogg":       ".ogg",
	"video/mp4":       ".mp4",
	"text/plain":      ".txt",
}

// Is reports whether s looks like a data URI.
func Is(s string) bool {
	return strings.HasPrefix(s, "data:")
}

// Decode parses a data:[<mediatype>][;base64],<data> URI and returns the
// payload and its MIME type.
func Decode(uri string) ([]byte, string, error) {
	rest := strings.TrimPrefix(uri, "data:")
	commaIdx := strings.Index(rest, ",")
	if commaIdx < 0 {
		return nil, "", fmt.Errorf("invalid data URI: missing comma separator")
	}

	meta := rest[:commaIdx]
	encoded := rest[commaIdx+1:]

	if !strings.Contains(meta, ";base64") {
		return nil, "", fmt.Errorf("only base64 data URIs are supported")
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, "", fmt.Errorf("invalid base64 data: %w", err)
		}
	}

	mimeType := strings.Split(strings.TrimSuffix(meta, ";base64"), ";")[0]
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return data, mimeType, nil
}

// Encode renders data as a base64 data URI. An empty mimeType is sniffed
// from the content.
func Encode(data []byte, mimeType string) string {
	if mimeType == "" {
		mimeType = Sniff(data)
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// Extension returns the preferred file extension for a MIME type, with a
// leading dot. Unknown types map to ".bin".
func Extension(mimeType string) string {
	if ext, ok := mimeToExt[mimeType]; ok {
		return ext
	}
	if exts, err := mime.ExtensionsByType(mimeType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}

// MimeFromFilename guesses a MIME type from a filename extension.
func MimeFromFilename(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	for m, e := range mimeToExt {
		if e == ext {
			return m
		}
	}
	if ext == ".jpeg" {
		return "image/jpeg"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return strings.Split(t, ";")[0]
	}
	return ""
}

// Sniff guesses the MIME type of data from its leading bytes.
func Sniff(data []byte) string {
	return strings.Split(http.DetectContentType(data), ";")[0]
}
