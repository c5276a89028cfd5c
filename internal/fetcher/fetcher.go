// Package fetcher decodes uploaded order documents: delimited text, XML,
// JSON and XLSX. Readers are charset-aware so files exported from legacy
// retailer systems decode to UTF-8.
package fetcher

import (
	"bytes"
	"io"
	"mime"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
)

// Format is a document format.
type Format string

const (
	FormatCSV       Format = "csv"
	FormatDelimited Format = "delimited"
	FormatXML       Format = "xml"
	FormatJSON      Format = "json"
	FormatXLSX      Format = "xlsx"
	FormatText      Format = "text"
	FormatUnknown   Format = ""
)

// ParseFormat normalizes a format hint such as "CSV", ".xml" or "log".
func ParseFormat(hint string) Format {
	switch strings.TrimPrefix(strings.ToLower(strings.TrimSpace(hint)), ".") {
	case "csv":
		return FormatCSV
	case "tsv", "txt-delimited", "delimited", "psv":
		return FormatDelimited
	case "xml":
		return FormatXML
	case "json":
		return FormatJSON
	case "xlsx", "xlsm":
		return FormatXLSX
	case "txt", "text", "log":
		return FormatText
	}
	return FormatUnknown
}

// DetectFormat picks a format from an explicit hint, then the content type,
// then the file extension, then the content itself.
func DetectFormat(hint, filename, contentType string, head []byte) Format {
	if f := ParseFormat(hint); f != FormatUnknown {
		return f
	}
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		switch mt {
		case "text/csv":
			return FormatCSV
		case "text/tab-separated-values":
			return FormatDelimited
		case "application/xml", "text/xml":
			return FormatXML
		case "application/json":
			return FormatJSON
		case "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":
			return FormatXLSX
		}
	}
	if f := ParseFormat(filepath.Ext(filename)); f != FormatUnknown {
		return f
	}
	return sniff(head)
}

func sniff(head []byte) Format {
	if bytes.HasPrefix(head, []byte("PK\x03\x04")) {
		return FormatXLSX
	}
	trimmed := bytes.TrimLeft(bytes.TrimPrefix(head, utf8BOM), " \t\r\n")
	switch {
	case len(trimmed) == 0:
		return FormatUnknown
	case trimmed[0] == '<':
		return FormatXML
	case trimmed[0] == '{' || trimmed[0] == '[':
		return FormatJSON
	}
	line, _, _ := bytes.Cut(trimmed, []byte("\n"))
	if d := SniffDelimiter(line); d != 0 {
		if d == ',' {
			return FormatCSV
		}
		return FormatDelimited
	}
	return FormatText
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// UTF8Reader returns a reader that yields UTF-8. A named charset wins;
// otherwise a BOM selects UTF-8 or UTF-16, and input that is not valid UTF-8
// is treated as Windows-1252.
func UTF8Reader(data []byte, charset string) (io.Reader, error) {
	if charset != "" {
		enc, err := htmlindex.Get(charset)
		if err != nil {
			return nil, eris.Wrapf(err, "fetcher: unsupported charset %q", charset)
		}
		return enc.NewDecoder().Reader(bytes.NewReader(data)), nil
	}
	switch {
	case bytes.HasPrefix(data, utf8BOM):
		return bytes.NewReader(data[len(utf8BOM):]), nil
	case bytes.HasPrefix(data, []byte{0xFF, 0xFE}), bytes.HasPrefix(data, []byte{0xFE, 0xFF}):
		dec := unicode.UTF16(unicode.BigEndian, unicode.UseBOM).NewDecoder()
		return dec.Reader(bytes.NewReader(data)), nil
	case utf8.Valid(data):
		return bytes.NewReader(data), nil
	}
	return charmap.Windows1252.NewDecoder().Reader(bytes.NewReader(data)), nil
}

// charsetReader adapts htmlindex lookups to xml.Decoder.CharsetReader.
func charsetReader(charset string, input io.Reader) (io.Reader, error) {
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: unsupported charset %q", charset)
	}
	return enc.NewDecoder().Reader(input), nil
}
