// Package reader extracts plain text from uploaded documents.
//
// Each supported format has one Reader. The set of formats is closed and the
// extension table is static; an unknown extension is rejected before any
// parsing happens.
package reader

import (
	"fmt"
	"sort"
	"strings"

	apperrors "github.com/duynguyendang/toolbridge/pkg/common/errors"
)

// Format is a tag for one of the supported document formats.
type Format string

const (
	FormatPDF      Format = "pdf"
	FormatCSV      Format = "csv"
	FormatExcel    Format = "excel"
	FormatJSON     Format = "json"
	FormatXML      Format = "xml"
	FormatDOCX     Format = "docx"
	FormatPPTX     Format = "pptx"
	FormatHTML     Format = "html"
	FormatMarkdown Format = "markdown"
	FormatText     Format = "text"
)

// Reader turns the raw bytes of one document into text.
type Reader interface {
	ReadText(data []byte) (string, error)
}

// ReaderFunc adapts a plain function to Reader.
type ReaderFunc func(data []byte) (string, error)

// ReadText calls f(data).
func (f ReaderFunc) ReadText(data []byte) (string, error) {
	return f(data)
}

var extensions = map[string]Format{
	"pdf":   FormatPDF,
	"csv":   FormatCSV,
	"txt":   FormatText,
	"html":  FormatHTML,
	"excel": FormatExcel,
	"json":  FormatJSON,
	"xml":   FormatXML,
	"docx":  FormatDOCX,
	"pptx":  FormatPPTX,
	"md":    FormatMarkdown,
	"xlsx":  FormatExcel,
}

var readers = map[Format]Reader{
	FormatPDF:      ReaderFunc(ReadPDF),
	FormatCSV:      ReaderFunc(ReadCSV),
	FormatExcel:    ReaderFunc(ReadExcel),
	FormatJSON:     ReaderFunc(ReadJSON),
	FormatXML:      ReaderFunc(ReadXML),
	FormatDOCX:     ReaderFunc(ReadDOCX),
	FormatPPTX:     ReaderFunc(ReadPPTX),
	FormatHTML:     ReaderFunc(ReadUTF8),
	FormatMarkdown: ReaderFunc(ReadUTF8),
	FormatText:     ReaderFunc(ReadUTF8),
}

// UnsupportedError reports an extension missing from the table.
type UnsupportedError struct {
	Extension  string
	Suggestion string
}

func (e *UnsupportedError) Error() string {
	if e.Extension == "" {
		return "unsupported file type: missing extension"
	}
	return fmt.Sprintf("unsupported file type: %q", e.Extension)
}

func (e *UnsupportedError) Unwrap() error {
	return apperrors.ErrUnsupportedFileType
}

// Hint suggests the closest supported extension, if any.
func (e *UnsupportedError) Hint() string {
	if e.Suggestion == "" {
		return ""
	}
	return fmt.Sprintf("did you mean %q?", e.Suggestion)
}

// ExtensionOf returns the lower-cased text after the last dot of filename.
// A name without a dot has no extension.
func ExtensionOf(filename string) string {
	idx := strings.LastIndex(filename, ".")
	if idx < 0 {
		return ""
	}
	return strings.ToLower(filename[idx+1:])
}

// Extensions lists the supported extensions in sorted order.
func Extensions() []string {
	exts := make([]string, 0, len(extensions))
	for ext := range extensions {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// Lookup resolves an extension (case-insensitive) to its format.
func Lookup(ext string) (Format, bool) {
	f, ok := extensions[strings.ToLower(ext)]
	return f, ok
}

// ForFilename selects the reader for filename's extension.
func ForFilename(filename string) (Reader, Format, error) {
	ext := ExtensionOf(filename)
	format, ok := Lookup(ext)
	if !ok {
		return nil, "", &UnsupportedError{Extension: ext, Suggestion: closestExtension(ext)}
	}
	return readers[format], format, nil
}

// Read dispatches data to the reader matching filename.
func Read(filename string, data []byte) (string, error) {
	r, _, err := ForFilename(filename)
	if err != nil {
		return "", err
	}
	return r.ReadText(data)
}

func parseError(format Format, err error) error {
	return fmt.Errorf("%w: %s: %v", apperrors.ErrFormatParse, format, err)
}
