// Package ingestion implements statement upload parsing: file-kind
// sniffing, header detection, content-independent fingerprinting, and
// row extraction into Transaction rows.
package ingestion

import (
	"bytes"
	"unicode/utf8"
)

// FileKind is the detected shape of an uploaded statement file.
type FileKind string

const (
	FileKindDelimitedText FileKind = "delimited_text"
	FileKindZippedSpreadsheet FileKind = "zipped_spreadsheet"
	FileKindUnknown FileKind = "unknown"
)

var (
	utf8BOM    = []byte{0xEF, 0xBB, 0xBF}
	zipMagic   = []byte{0x50, 0x4B, 0x03, 0x04} // PK\x03\x04 — xlsx/ods/zip container
)

// SniffFileKind classifies raw upload bytes by magic-byte content sniffing
// and strips a leading UTF-8 BOM from delimited text. Spreadsheet formats
// are recognized only by their zip signature; full cell decoding is out
// of scope — detecting one returns FileKindZippedSpreadsheet so the
// caller can report UnrecognizedFormat rather than silently mis-parsing
// binary as text.
func SniffFileKind(data []byte) (FileKind, []byte) {
	if bytes.HasPrefix(data, zipMagic) {
		return FileKindZippedSpreadsheet, data
	}
	stripped := bytes.TrimPrefix(data, utf8BOM)
	if utf8.Valid(stripped) {
		return FileKindDelimitedText, stripped
	}
	return FileKindUnknown, data
}
