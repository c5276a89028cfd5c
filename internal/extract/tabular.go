package extract

import (
	"bufio"
	"bytes"
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/orderflow/internal/fetcher"
)

// minHeaderFields is how many item columns a row needs to count as the
// item table header.
const minHeaderFields = 2

func (e *Extractor) fromDelimited(ctx context.Context, raw []byte, charset string, format fetcher.Format) (*Candidate, error) {
	text, err := readAllUTF8(raw, charset)
	if err != nil {
		return nil, err
	}
	delim := ','
	if format == fetcher.FormatDelimited || !bytes.ContainsRune(firstLine(text), ',') {
		if d := fetcher.SniffDelimiter(firstLine(text)); d != 0 {
			delim = d
		}
	}

	var rows []fetcher.Row
	for row, err := range fetcher.CSVRows(ctx, bytes.NewReader(text), fetcher.CSVOptions{
		Delimiter:  delim,
		Comment:    '#',
		LazyQuotes: true,
		TrimSpace:  true,
	}) {
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return e.fromRows(rows)
}

func (e *Extractor) fromXLSX(raw []byte) (*Candidate, error) {
	rows, err := fetcher.ReadXLSX(raw, fetcher.XLSXOptions{})
	if err != nil {
		return nil, err
	}
	return e.fromRows(rows)
}

// fromRows reads a table. Rows above the header that start with an order
// field label ("PO Number,12345") fill the order; the first row with enough
// item columns is the header; every later non-blank row is an item.
func (e *Extractor) fromRows(rows []fetcher.Row) (*Candidate, error) {
	b := &recordBuilder{mapping: e.mapping}
	var header []string
	for _, row := range rows {
		if row.Blank() {
			continue
		}
		if header == nil {
			if e.isHeader(row.Fields) {
				header = row.Fields
				continue
			}
			if len(row.Fields) >= 2 {
				if f, ok := e.mapping.OrderField(row.Fields[0]); ok {
					b.orderValue(f, row.Fields[1])
				}
			}
			continue
		}
		rec := make(map[string]string, len(header))
		for i, h := range header {
			if h == "" || i >= len(row.Fields) {
				continue
			}
			rec[h] = row.Fields[i]
		}
		if it, ok := b.item(rec); ok {
			b.c.Items = append(b.c.Items, it)
		}
	}
	if header == nil && b.c.Order.OrderNumber == "" {
		return nil, eris.Wrap(ErrUnparseable, "no item header row")
	}
	return &b.c, nil
}

func (e *Extractor) isHeader(fields []string) bool {
	n := 0
	for _, f := range fields {
		if _, ok := e.mapping.ItemField(f); ok {
			n++
		}
	}
	return n >= minHeaderFields
}

func firstLine(text []byte) []byte {
	sc := bufio.NewScanner(bytes.NewReader(text))
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) > 0 && line[0] != '#' {
			return line
		}
	}
	return nil
}
