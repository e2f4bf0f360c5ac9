// Package export renders proposal boards as CSV and evaluation summaries as
// PDF, optionally handing the result to object storage.
package export

import "errors"

type Format string

const (
	FormatCSV Format = "csv"
	FormatPDF Format = "pdf"
)

// Result is a rendered export. URL is set once the bytes are uploaded.
type Result struct {
	Data     []byte
	Filename string
	MimeType string
	URL      string
}

var (
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
)
