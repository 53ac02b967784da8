package reader

import (
	"bytes"
	"encoding/json"
	"errors"
	"unicode/utf8"

	"github.com/beevik/etree"
)

// ReadJSON re-serializes a JSON document with four-space indentation.
// Key order and number literals are kept as written.
func ReadJSON(data []byte) (string, error) {
	if !utf8.Valid(data) {
		return "", parseError(FormatJSON, errors.New("invalid utf-8"))
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, bytes.TrimSpace(data), "", "    "); err != nil {
		return "", parseError(FormatJSON, err)
	}
	return buf.String(), nil
}

// ReadXML parses an XML document and re-serializes its root element.
// The declaration, prolog comments and processing instructions are dropped.
func ReadXML(data []byte) (string, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return "", parseError(FormatXML, err)
	}
	root := doc.Root()
	if root == nil {
		return "", parseError(FormatXML, errors.New("no root element"))
	}

	out := etree.NewDocument()
	out.SetRoot(root.Copy())
	s, err := out.WriteToString()
	if err != nil {
		return "", parseError(FormatXML, err)
	}
	return s, nil
}

// ReadUTF8 returns data unchanged after checking it decodes as UTF-8.
// It serves HTML, Markdown and plain text.
func ReadUTF8(data []byte) (string, error) {
	if !utf8.Valid(data) {
		return "", parseError(FormatText, errors.New("invalid utf-8"))
	}
	return string(data), nil
}
