package reader

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// ReadDOCX joins the body paragraphs of a Word document with newlines.
// Paragraphs nested in tables or text boxes are not body paragraphs.
func ReadDOCX(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", parseError(FormatDOCX, err)
	}
	doc, err := readZipEntry(zr, "word/document.xml")
	if err != nil {
		return "", parseError(FormatDOCX, err)
	}

	dec := xml.NewDecoder(bytes.NewReader(doc))
	var (
		stack      []string
		paragraphs []string
		current    strings.Builder
		paraDepth  = -1
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", parseError(FormatDOCX, err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			name := t.Name.Local
			switch {
			case name == "p" && parent(stack) == "body":
				paraDepth = len(stack)
				current.Reset()
			case paraDepth >= 0 && parent(stack) == "r" && !inside(stack[paraDepth:], "txbxContent"):
				switch name {
				case "tab":
					current.WriteByte('\t')
				case "br", "cr":
					current.WriteByte('\n')
				}
			}
			stack = append(stack, name)
		case xml.EndElement:
			if len(stack) == 0 {
				return "", parseError(FormatDOCX, errors.New("unbalanced document"))
			}
			stack = stack[:len(stack)-1]
			if paraDepth >= 0 && len(stack) == paraDepth {
				paragraphs = append(paragraphs, current.String())
				paraDepth = -1
			}
		case xml.CharData:
			if paraDepth >= 0 && parent(stack) == "t" && !inside(stack[paraDepth:], "txbxContent") {
				current.Write(t)
			}
		}
	}
	return strings.Join(paragraphs, "\n"), nil
}

// ReadPPTX walks slides in presentation order and emits the text of every
// top-level shape that has a text body, each followed by a newline.
func ReadPPTX(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", parseError(FormatPPTX, err)
	}

	slides, err := slideOrder(zr)
	if err != nil {
		return "", parseError(FormatPPTX, err)
	}

	var sb strings.Builder
	for _, name := range slides {
		raw, err := readZipEntry(zr, name)
		if err != nil {
			return "", parseError(FormatPPTX, err)
		}
		shapes, err := slideShapeTexts(raw)
		if err != nil {
			return "", parseError(FormatPPTX, fmt.Errorf("%s: %w", name, err))
		}
		for _, text := range shapes {
			sb.WriteString(text)
			sb.WriteByte('\n')
		}
	}
	return sb.String(), nil
}

func slideShapeTexts(raw []byte) ([]string, error) {
	dec := xml.NewDecoder(bytes.NewReader(raw))
	var (
		stack      []string
		shapes     []string
		paragraphs []string
		para       strings.Builder
		shapeDepth = -1
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			name := t.Name.Local
			switch {
			case name == "sp" && parent(stack) == "spTree":
				shapeDepth = len(stack)
				paragraphs = paragraphs[:0]
			case shapeDepth >= 0 && name == "p" && parent(stack) == "txBody":
				para.Reset()
			case shapeDepth >= 0 && name == "br" && parent(stack) == "p":
				// Soft breaks are flattened to newlines on purpose: the output is
				// plain text, not paragraph structure.
				para.WriteByte('\n')
			}
			stack = append(stack, name)
		case xml.EndElement:
			if len(stack) == 0 {
				return nil, errors.New("unbalanced slide")
			}
			stack = stack[:len(stack)-1]
			if shapeDepth < 0 {
				continue
			}
			if t.Name.Local == "p" && parent(stack) == "txBody" {
				paragraphs = append(paragraphs, para.String())
			}
			if len(stack) == shapeDepth {
				shapes = append(shapes, strings.Join(paragraphs, "\n"))
				shapeDepth = -1
			}
		case xml.CharData:
			if shapeDepth >= 0 && parent(stack) == "t" && inside(stack[shapeDepth:], "txBody") {
				para.Write(t)
			}
		}
	}
	return shapes, nil
}

// slideOrder resolves slide part names through presentation.xml and its
// relationships. Archives without a slide list fall back to numeric order.
func slideOrder(zr *zip.Reader) ([]string, error) {
	pres, err := readZipEntry(zr, "ppt/presentation.xml")
	if err != nil {
		return nil, err
	}
	rels, err := readZipEntry(zr, "ppt/_rels/presentation.xml.rels")
	if err != nil {
		return nil, err
	}

	var presentation struct {
		Slides []struct {
			Attrs []xml.Attr `xml:",any,attr"`
		} `xml:"sldIdLst>sldId"`
	}
	if err := xml.Unmarshal(pres, &presentation); err != nil {
		return nil, err
	}

	var relationships struct {
		Items []struct {
			ID     string `xml:"Id,attr"`
			Target string `xml:"Target,attr"`
		} `xml:"Relationship"`
	}
	if err := xml.Unmarshal(rels, &relationships); err != nil {
		return nil, err
	}
	targets := make(map[string]string, len(relationships.Items))
	for _, rel := range relationships.Items {
		targets[rel.ID] = rel.Target
	}

	var names []string
	for _, s := range presentation.Slides {
		for _, attr := range s.Attrs {
			// r:id carries the relationships namespace; the bare id attribute does not.
			if attr.Name.Local != "id" || attr.Name.Space == "" {
				continue
			}
			target, ok := targets[attr.Value]
			if !ok {
				return nil, fmt.Errorf("slide relationship %q not found", attr.Value)
			}
			names = append(names, resolvePart("ppt", target))
		}
	}
	if len(names) > 0 {
		return names, nil
	}
	return slidesByNumber(zr), nil
}

var slidePart = regexp.MustCompile(`^ppt/slides/slide(\d+)\.xml$`)

func slidesByNumber(zr *zip.Reader) []string {
	type numbered struct {
		name string
		n    int
	}
	var found []numbered
	for _, f := range zr.File {
		if m := slidePart.FindStringSubmatch(f.Name); m != nil {
			n, _ := strconv.Atoi(m[1])
			found = append(found, numbered{name: f.Name, n: n})
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].n < found[j].n })

	names := make([]string, len(found))
	for i, f := range found {
		names[i] = f.name
	}
	return names
}

func resolvePart(base, target string) string {
	if strings.HasPrefix(target, "/") {
		return strings.TrimPrefix(target, "/")
	}
	return path.Join(base, target)
}

func readZipEntry(zr *zip.Reader, name string) ([]byte, error) {
	f, err := zr.Open(name)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close()
	return io.ReadAll(f)
}

func parent(stack []string) string {
	if len(stack) == 0 {
		return ""
	}
	return stack[len(stack)-1]
}

func inside(stack []string, name string) bool {
	for _, s := range stack {
		if s == name {
			return true
		}
	}
	return false
}
