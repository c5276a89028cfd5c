package fetcher

import (
	"context"
	"encoding/xml"
	"errors"
	"io"
	"strings"

	"github.com/rotisserie/eris"
)

// Record is a flat view of an XML element: leaf element text and attributes
// keyed by local name. Nested leaves are keyed by their dotted path relative
// to the record element.
type Record map[string]string

// XMLDocument is an order document split into its header (every leaf
// outside an item element) and its item records.
type XMLDocument struct {
	Header Record
	Items  []Record
}

// ReadXMLDocument decodes r, collecting each element named itemElement as an
// item record and every other leaf as a header field. The document charset
// declaration is honoured.
func ReadXMLDocument(ctx context.Context, r io.Reader, itemElement string) (*XMLDocument, error) {
	decoder := xml.NewDecoder(r)
	decoder.CharsetReader = charsetReader

	doc := &XMLDocument{Header: Record{}}
	var (
		path  []string // element names below the root
		item  Record   // current item, nil outside one
		depth int      // item element depth in path
		text  strings.Builder
	)
	sawRoot := false

	for {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "xml: context cancelled")
		}
		tok, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, eris.Wrap(err, "xml: read token")
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if !sawRoot {
				sawRoot = true
				for _, a := range t.Attr {
					doc.Header[a.Name.Local] = strings.TrimSpace(a.Value)
				}
				continue
			}
			path = append(path, t.Name.Local)
			text.Reset()
			if item == nil && t.Name.Local == itemElement {
				item = Record{}
				depth = len(path)
				for _, a := range t.Attr {
					item[a.Name.Local] = strings.TrimSpace(a.Value)
				}
			}
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			if len(path) == 0 {
				continue
			}
			value := strings.TrimSpace(text.String())
			text.Reset()
			switch {
			case item != nil && len(path) == depth:
				doc.Items = append(doc.Items, item)
				item = nil
			case item != nil:
				if value != "" {
					item[strings.Join(path[depth:], ".")] = value
				}
			case value != "":
				doc.Header[strings.Join(path, ".")] = value
			}
			path = path[:len(path)-1]
		}
	}
	if !sawRoot {
		return nil, eris.New("xml: document has no root element")
	}
	return doc, nil
}
