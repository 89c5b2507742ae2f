// Coworker is a sandboxed workspace agent service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Document generation tools. Failures are reported in the text payload
// and the job still succeeds; the payload is the user-facing outcome of
// a best-effort side effect, mirroring the other extension tools.

package tools

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"os"
	"strings"

	"github.com/go-pdf/fpdf"
	"github.com/xuri/excelize/v2"
)

// CreateExcel writes a worksheet from a JSON array of objects. The
// header row comes from the first object's keys in document order; cell
// values are stringified.
func CreateExcel(path string, data string) string {
	var rows []map[string]any
	if err := json.Unmarshal([]byte(data), &rows); err != nil {
		return fmt.Sprintf("Error creating Excel: %v", err)
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	sheet := f.GetSheetName(0)

	if len(rows) == 0 {
		if err := f.SaveAs(path); err != nil {
			return fmt.Sprintf("Error creating Excel: %v", err)
		}
		return fmt.Sprintf("Created empty Excel file at %s", path)
	}

	headers, err := firstObjectKeys([]byte(data))
	if err != nil {
		return fmt.Sprintf("Error creating Excel: %v", err)
	}

	for col, header := range headers {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return fmt.Sprintf("Error creating Excel: %v", err)
		}
		if err := f.SetCellStr(sheet, cell, header); err != nil {
			return fmt.Sprintf("Error creating Excel: %v", err)
		}
	}

	for rowIdx, row := range rows {
		for colIdx, header := range headers {
			cell, err := excelize.CoordinatesToCellName(colIdx+1, rowIdx+2)
			if err != nil {
				return fmt.Sprintf("Error creating Excel: %v", err)
			}
			val := ""
			if v, ok := row[header]; ok && v != nil {
				val = fmt.Sprintf("%v", v)
			}
			if err := f.SetCellStr(sheet, cell, val); err != nil {
				return fmt.Sprintf("Error creating Excel: %v", err)
			}
		}
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Sprintf("Error creating Excel: %v", err)
	}
	return fmt.Sprintf("Successfully created Excel file at %s", path)
}

// firstObjectKeys returns the keys of the first object in a JSON array
// in document order, which a decoded map would lose.
func firstObjectKeys(data []byte) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(data))

	// Opening '[' then '{' of the first element.
	for _, want := range []json.Delim{'[', '{'} {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		if d, ok := tok.(json.Delim); !ok || d != want {
			return nil, fmt.Errorf("data must be a JSON array of objects")
		}
	}

	var keys []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected token %v in object", tok)
		}
		keys = append(keys, key)

		// Skip the value, whatever shape it has.
		var discard any
		if err := dec.Decode(&discard); err != nil {
			return nil, err
		}
	}
	return keys, nil
}

// CreateWord writes a minimal OOXML word processing package: one
// paragraph per input line. The package layout is the smallest set of
// parts Word and LibreOffice both accept.
func CreateWord(path string, content string) string {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	parts := []struct {
		name string
		body string
	}{
		{"[Content_Types].xml", wordContentTypes},
		{"_rels/.rels", wordRels},
		{"word/document.xml", wordDocumentXML(content)},
	}
	for _, part := range parts {
		w, err := zw.Create(part.name)
		if err != nil {
			return fmt.Sprintf("Error creating Word file: %v", err)
		}
		if _, err := w.Write([]byte(part.body)); err != nil {
			return fmt.Sprintf("Error creating Word file: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Sprintf("Error creating Word file: %v", err)
	}

	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Sprintf("Error creating Word file: %v", err)
	}
	return fmt.Sprintf("Successfully created Word file at %s", path)
}

const wordContentTypes = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types"><Default Extension="rels" ContentType="application/vnd.openxmlformats-package.relationships+xml"/><Default Extension="xml" ContentType="application/xml"/><Override PartName="/word/document.xml" ContentType="application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"/></Types>`

const wordRels = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships"><Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/officeDocument" Target="word/document.xml"/></Relationships>`

func wordDocumentXML(content string) string {
	var body strings.Builder
	for _, line := range strings.Split(content, "\n") {
		var escaped bytes.Buffer
		_ = xml.EscapeText(&escaped, []byte(line))
		body.WriteString(`<w:p><w:r><w:t xml:space="preserve">`)
		body.WriteString(escaped.String())
		body.WriteString(`</w:t></w:r></w:p>`)
	}
	return `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>` + body.String() + `</w:body></w:document>`
}

// CreatePDF renders the content as wrapped Helvetica 12 text, one
// MultiCell per input line.
func CreatePDF(path string, content string) string {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.AddPage()
	pdf.SetFont("Helvetica", "", 12)
	for _, line := range strings.Split(content, "\n") {
		pdf.MultiCell(0, 10, line, "", "L", false)
	}
	if err := pdf.OutputFileAndClose(path); err != nil {
		return fmt.Sprintf("Error creating PDF: %v", err)
	}
	return fmt.Sprintf("Successfully created PDF file at %s", path)
}
