// Package extract turns uploaded documents into plain text.
package extract

import (
	"bytes"
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

var ErrUnsupportedType = errors.New("unsupported document type")

var allowedMediaTypes = map[string]bool{
	"text/plain":      true,
	"text/markdown":   true,
	"text/x-markdown": true,
	"application/pdf": true,
}

// Supported reports whether an upload with this file name and content type
// can be extracted. Both must agree on a known format.
func Supported(fileName, contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || !allowedMediaTypes[mediaType] {
		return false
	}
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".txt", ".md", ".pdf":
		return true
	}
	return false
}

// Text extracts the document's text, picking the decoder by file extension.
// A document with no extractable text yields "" and a nil error.
func Text(fileName string, data []byte) (string, error) {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".txt", ".md":
		if !utf8.Valid(data) {
			return "", fmt.Errorf("decode %s failed: not valid UTF-8", fileName)
		}
		return string(data), nil
	case ".pdf":
		return PDFText(data)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedType, filepath.Ext(fileName))
	}
}

// PDFText concatenates the plain text of every page, one page per line
// block. Pages without text are skipped.
func PDFText(data []byte) (string, error) {
	if len(data) == 0 {
		return "", nil
	}
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf failed: %w", err)
	}

	var sb strings.Builder
	fonts := make(map[string]*pdf.Font)
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		for _, name := range page.Fonts() {
			if _, ok := fonts[name]; !ok {
				f := page.Font(name)
				fonts[name] = &f
			}
		}
		text, err := page.GetPlainText(fonts)
		if err != nil {
			return "", fmt.Errorf("extract pdf page %d failed: %w", i, err)
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		sb.WriteString(text)
		sb.WriteString("\n")
	}
	return sb.String(), nil
}
