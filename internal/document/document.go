// Package document reads and writes the two supported document kinds:
// plain text and WordprocessingML (.docx). Anything else goes through the
// plain-text path.
package document

import (
	"archive/zip"
	"bufio"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"html"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	KindText = "txt"
	KindDocx = "docx"
)

var ErrNoDocumentXML = errors.New("document: docx has no word/document.xml")

// KindOf classifies a path by extension.
func KindOf(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".docx") {
		return KindDocx
	}
	return KindText
}

// Read returns the document's paragraphs in order.
func Read(path string) ([]string, error) {
	if KindOf(path) == KindDocx {
		return readDocx(path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for sc.Scan() {
		out = append(out, strings.TrimSuffix(sc.Text(), "\r"))
	}
	return out, sc.Err()
}

// Write stores paragraphs at path, as docx when the extension says so.
func Write(paragraphs []string, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if KindOf(path) == KindDocx {
		return writeMinimalDocx(paragraphs, path)
	}
	var b strings.Builder
	for _, p := range paragraphs {
		b.WriteString(p)
		b.WriteByte('\n')
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

// WritePreservingFormatting copies original to out, replacing only the text
// of each body paragraph so run properties survive. Paragraphs beyond the
// supplied list are left unchanged. Non-docx inputs fall back to Write.
func WritePreservingFormatting(original string, paragraphs []string, out string) error {
	if KindOf(original) != KindDocx || KindOf(out) != KindDocx {
		return Write(paragraphs, out)
	}
	zr, err := zip.OpenReader(original)
	if err != nil {
		return err
	}
	defer zr.Close()

	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return err
	}
	f, err := os.Create(out)
	if err != nil {
		return err
	}
	zw := zip.NewWriter(f)

	found := false
	for _, entry := range zr.File {
		data, err := readZipFile(entry)
		if err != nil {
			_ = zw.Close()
			_ = f.Close()
			return err
		}
		if entry.Name == documentXML {
			found = true
			data = replaceParagraphText(data, paragraphs)
		}
		w, err := zw.CreateHeader(&zip.FileHeader{Name: entry.Name, Method: entry.Method, Modified: entry.Modified})
		if err != nil {
			_ = zw.Close()
			_ = f.Close()
			return err
		}
		if _, err := w.Write(data); err != nil {
			_ = zw.Close()
			_ = f.Close()
			return err
		}
	}
	if err := zw.Close(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if !found {
		return ErrNoDocumentXML
	}
	return nil
}

const documentXML = "word/document.xml"

var (
	paragraphRE = regexp.MustCompile(`(?s)<w:p(?:\s[^>]*)?/>|<w:p(?:\s[^>]*)?>.*?</w:p>`)
	textRE      = regexp.MustCompile(`(?s)<w:t(?:\s[^>]*)?/>|<w:t(\s[^>]*)?>(.*?)</w:t>`)
	bodyRE      = regexp.MustCompile(`(?s)<w:body(?:\s[^>]*)?>(.*)</w:body>`)
)

func readDocx(path string) ([]string, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	for _, entry := range zr.File {
		if entry.Name != documentXML {
			continue
		}
		data, err := readZipFile(entry)
		if err != nil {
			return nil, err
		}
		return paragraphsFromXML(data), nil
	}
	return nil, ErrNoDocumentXML
}

func paragraphsFromXML(data []byte) []string {
	var out []string
	for _, p := range paragraphRE.FindAll(bodyOf(data), -1) {
		var b strings.Builder
		for _, m := range textRE.FindAllSubmatch(p, -1) {
			b.WriteString(html.UnescapeString(string(m[2])))
		}
		out = append(out, b.String())
	}
	return out
}

func bodyOf(data []byte) []byte {
	if m := bodyRE.FindSubmatch(data); m != nil {
		return m[1]
	}
	return data
}

// replaceParagraphText puts each new paragraph's text in the first w:t of the
// matching w:p and empties the remaining w:t nodes.
func replaceParagraphText(data []byte, paragraphs []string) []byte {
	loc := bodyRE.FindSubmatchIndex(data)
	if loc == nil {
		return data
	}
	body := data[loc[2]:loc[3]]
	idx := 0
	newBody := paragraphRE.ReplaceAllFunc(body, func(p []byte) []byte {
		if idx >= len(paragraphs) {
			return p
		}
		text := paragraphs[idx]
		idx++
		first := true
		replaced := textRE.ReplaceAllFunc(p, func([]byte) []byte {
			if first {
				first = false
				return []byte(`<w:t xml:space="preserve">` + escape(text) + `</w:t>`)
			}
			return []byte(`<w:t xml:space="preserve"></w:t>`)
		})
		if first && text != "" {
			// No run to reuse: add one before the closing tag.
			run := []byte(`<w:r><w:t xml:space="preserve">` + escape(text) + `</w:t></w:r></w:p>`)
			replaced = append([]byte(nil), replaced...)
			if bytes.HasSuffix(replaced, []byte("/>")) && !bytes.HasSuffix(replaced, []byte("</w:p>")) {
				replaced = append(append(bytes.TrimSuffix(replaced, []byte("/>")), '>'), run...)
			} else {
				replaced = append(bytes.TrimSuffix(replaced, []byte("</w:p>")), run...)
			}
		}
		return replaced
	})
	out := make([]byte, 0, len(data)-len(body)+len(newBody))
	out = append(out, data[:loc[2]]...)
	out = append(out, newBody...)
	out = append(out, data[loc[3]:]...)
	return out
}

func escape(s string) string {
	var b bytes.Buffer
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

const (
	contentTypesXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>` +
		`<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types">` +
		`<Default Extension="rels" ContentType="application/vnd.openxmlformats-package.relationships+xml"/>` +
		`<Default Extension="xml" ContentType="application/xml"/>` +
		`<Override PartName="/word/document.xml" ContentType="application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"/>` +
		`</Types>`
	relsXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>` +
		`<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">` +
		`<Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/officeDocument" Target="word/document.xml"/>` +
		`</Relationships>`
	wordNS = "http://schemas.openxmlformats.org/wordprocessingml/2006/main"
)

func writeMinimalDocx(paragraphs []string, path string) error {
	var doc strings.Builder
	doc.WriteString(`<?xml version="1.0" encoding="UTF-8" standalone="yes"?>`)
	fmt.Fprintf(&doc, `<w:document xmlns:w="%s"><w:body>`, wordNS)
	for _, p := range paragraphs {
		doc.WriteString(`<w:p><w:r><w:t xml:space="preserve">`)
		doc.WriteString(escape(p))
		doc.WriteString(`</w:t></w:r></w:p>`)
	}
	doc.WriteString(`</w:body></w:document>`)

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	zw := zip.NewWriter(f)
	parts := []struct{ name, body string }{
		{"[Content_Types].xml", contentTypesXML},
		{"_rels/.rels", relsXML},
		{documentXML, doc.String()},
	}
	for _, p := range parts {
		w, err := zw.Create(p.name)
		if err == nil {
			_, err = io.WriteString(w, p.body)
		}
		if err != nil {
			_ = zw.Close()
			_ = f.Close()
			return err
		}
	}
	if err := zw.Close(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
