package tooling

import (
	"archive/zip"
	"bytes"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// minDocumentSizes are the smallest plausible sizes for real documents of
// each type. Anything smaller is almost always an error page saved under
// the wrong name.
var minDocumentSizes = map[string]int64{
	".pdf":  20 * 1024,
	".xlsx": 5 * 1024,
	".xls":  5 * 1024,
}

var ole2Magic = []byte{0xd0, 0xcf, 0x11, 0xe0, 0xa1, 0xb1, 0x1a, 0xe1}

var pdfPagePattern = regexp.MustCompile(`/Type\s*/Page[^s]`)

// Inspection is the outcome of a post-download sanity pass. Summary is
// always set; Warning is non-empty when the file looks wrong.
type Inspection struct {
	Summary string
	Warning string
}

// InspectFile checks a downloaded document for obvious corruption: wrong
// magic bytes, implausibly small size, or an unreadable container.
func InspectFile(path string, size int64) Inspection {
	ext := strings.ToLower(extOf(path))

	if minSize, ok := minDocumentSizes[ext]; ok && size < minSize {
		return Inspection{
			Summary: fmt.Sprintf("%s, %d bytes", ext, size),
			Warning: fmt.Sprintf("file is only %d bytes, below the %d byte minimum expected for a real %s document", size, minSize, ext),
		}
	}

	switch ext {
	case ".pdf":
		return inspectPDF(path, size)
	case ".xlsx":
		return inspectXLSX(path, size)
	case ".xls":
		return inspectXLS(path, size)
	default:
		return Inspection{Summary: fmt.Sprintf("%d bytes", size)}
	}
}

func inspectPDF(path string, size int64) Inspection {
	data, err := os.ReadFile(path)
	if err != nil {
		return Inspection{Summary: "pdf", Warning: fmt.Sprintf("could not read file back: %v", err)}
	}
	if !bytes.HasPrefix(data, []byte("%PDF-")) {
		return Inspection{
			Summary: fmt.Sprintf("pdf, %d bytes", size),
			Warning: "file does not start with the %PDF- magic header; it is not a PDF",
		}
	}
	pages := len(pdfPagePattern.FindAll(data, -1))
	if pages == 0 {
		// Page objects can live inside compressed streams, so absence is
		// only a weak signal.
		return Inspection{Summary: fmt.Sprintf("valid PDF header, %d bytes, page count not determinable", size)}
	}
	return Inspection{Summary: fmt.Sprintf("valid PDF, ~%d pages, %d bytes", pages, size)}
}

func inspectXLSX(path string, size int64) Inspection {
	reader, err := zip.OpenReader(path)
	if err != nil {
		return Inspection{
			Summary: fmt.Sprintf("xlsx, %d bytes", size),
			Warning: fmt.Sprintf("file is not a readable xlsx archive: %v", err),
		}
	}
	defer reader.Close()

	hasWorkbook := false
	sheets := 0
	for _, entry := range reader.File {
		if entry.Name == "xl/workbook.xml" {
			hasWorkbook = true
		}
		if strings.HasPrefix(entry.Name, "xl/worksheets/") && strings.HasSuffix(entry.Name, ".xml") {
			sheets++
		}
	}
	if !hasWorkbook {
		return Inspection{
			Summary: fmt.Sprintf("zip archive, %d bytes", size),
			Warning: "archive does not contain xl/workbook.xml; it is not a spreadsheet",
		}
	}
	return Inspection{Summary: fmt.Sprintf("valid XLSX workbook, %d sheets, %d bytes", sheets, size)}
}

func inspectXLS(path string, size int64) Inspection {
	f, err := os.Open(path)
	if err != nil {
		return Inspection{Summary: "xls", Warning: fmt.Sprintf("could not read file back: %v", err)}
	}
	defer f.Close()

	head := make([]byte, len(ole2Magic))
	if _, err := f.Read(head); err != nil {
		return Inspection{Summary: "xls", Warning: fmt.Sprintf("could not read file header: %v", err)}
	}
	if !bytes.Equal(head, ole2Magic) {
		return Inspection{
			Summary: fmt.Sprintf("xls, %d bytes", size),
			Warning: "file does not start with the OLE2 compound-document header; it is not a legacy Excel file",
		}
	}
	return Inspection{Summary: fmt.Sprintf("valid XLS (OLE2) file, %d bytes", size)}
}

func extOf(path string) string {
	idx := strings.LastIndexByte(path, '.')
	if idx < 0 {
		return ""
	}
	return path[idx:]
}
