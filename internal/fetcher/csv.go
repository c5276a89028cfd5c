package fetcher

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"iter"
	"strings"

	"github.com/rotisserie/eris"
)

// CSVOptions configures delimited text parsing.
type CSVOptions struct {
	Delimiter  rune // default ','
	Comment    rune // 0 = none
	LazyQuotes bool
	TrimSpace  bool
}

// Row is one record of a delimited document. Line is the 1-based line the
// record starts on.
type Row struct {
	Line   int
	Fields []string
}

// Blank reports whether every field is empty.
func (r Row) Blank() bool {
	for _, f := range r.Fields {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

// CSVRows yields the records of r lazily. Records may have differing field
// counts. Iteration stops at the first read error, which is yielded.
func CSVRows(ctx context.Context, r io.Reader, opts CSVOptions) iter.Seq2[Row, error] {
	return func(yield func(Row, error) bool) {
		reader := csv.NewReader(r)
		if opts.Delimiter != 0 {
			reader.Comma = opts.Delimiter
		}
		if opts.Comment != 0 {
			reader.Comment = opts.Comment
		}
		reader.LazyQuotes = opts.LazyQuotes
		reader.FieldsPerRecord = -1

		for {
			if err := ctx.Err(); err != nil {
				yield(Row{}, eris.Wrap(err, "csv: context cancelled"))
				return
			}
			record, err := reader.Read()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(Row{}, eris.Wrap(err, "csv: read row"))
				return
			}
			line, _ := reader.FieldPos(0)
			if opts.TrimSpace {
				for i := range record {
					record[i] = strings.TrimSpace(record[i])
				}
			}
			if !yield(Row{Line: line, Fields: record}, nil) {
				return
			}
		}
	}
}

// SniffDelimiter guesses the delimiter of a header line, or returns 0 when
// the line does not look delimited.
func SniffDelimiter(line []byte) rune {
	best, bestN := rune(0), 0
	for _, d := range []rune{',', ';', '\t', '|'} {
		if n := strings.Count(string(line), string(d)); n > bestN {
			best, bestN = d, n
		}
	}
	return best
}
