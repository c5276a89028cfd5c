package extract

import (
	"bufio"
	"bytes"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
)

// itemLineRe matches "Item 3: sku=A-1, qty=2" style lines.
var itemLineRe = regexp.MustCompile(`(?i)^\s*(?:[-*]\s*)?(?:item|line|sku line)\s*#?\s*\d*\s*[:\-]\s*(.+)$`)

// maxKeyLen bounds the label of a "Label: value" line.
const maxKeyLen = 40

// fromText reads free text and log output. Recognized shapes:
//
//	Order Number: PO-1          order field per line
//	SKU: A-1 / Qty: 2           item block, a repeated key starts the next item
//	Item 1: sku=A-1, qty=2      item from key=value pairs
//	... order_number=PO-1 ...   log line of key=value pairs
func (e *Extractor) fromText(raw []byte, charset string) (*Candidate, error) {
	text, err := readAllUTF8(raw, charset)
	if err != nil {
		return nil, err
	}
	b := &recordBuilder{mapping: e.mapping}
	block := map[string]string{}
	flush := func() {
		if len(block) == 0 {
			return
		}
		// A stray total or price label is not an item on its own.
		if !e.hasItemKey(block) {
			block = map[string]string{}
			return
		}
		if it, ok := b.item(block); ok {
			b.c.Items = append(b.c.Items, it)
		}
		block = map[string]string{}
	}

	sc := bufio.NewScanner(bytes.NewReader(text))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	recognized := false
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if m := itemLineRe.FindStringSubmatch(line); m != nil {
			if pairs := keyValuePairs(m[1]); len(pairs) > 0 {
				flush()
				if it, ok := b.item(pairs); ok {
					b.c.Items = append(b.c.Items, it)
				}
				recognized = true
				continue
			}
		}
		if key, value, ok := labelled(line); ok {
			if f, ok := e.mapping.ItemField(key); ok {
				if _, dup := block[f]; dup {
					flush()
				}
				block[f] = value
				recognized = true
				continue
			}
			if f, ok := e.mapping.OrderField(key); ok {
				flush()
				b.orderValue(f, value)
				recognized = true
				continue
			}
		}
		pairs := keyValuePairs(line)
		if len(pairs) == 0 {
			continue
		}
		if e.hasItemKey(pairs) {
			flush()
			if it, ok := b.item(pairs); ok {
				b.c.Items = append(b.c.Items, it)
			}
			recognized = true
			continue
		}
		before := len(Paths(b.c))
		b.header(pairs)
		if len(Paths(b.c)) > before {
			recognized = true
		}
	}
	if err := sc.Err(); err != nil {
		return nil, eris.Wrap(err, "extract: scan text")
	}
	flush()
	if !recognized {
		return nil, eris.Wrap(ErrUnparseable, "no recognizable fields in text")
	}
	return &b.c, nil
}

// labelled splits "Label: value" with a short label.
func labelled(line string) (string, string, bool) {
	key, value, ok := strings.Cut(line, ":")
	if !ok {
		return "", "", false
	}
	key = strings.TrimLeft(strings.TrimSpace(key), "-* ")
	value = strings.TrimSpace(value)
	if key == "" || value == "" || len(key) > maxKeyLen {
		return "", "", false
	}
	return key, value, true
}

// keyValuePairs reads "a=1, b=2", "a=1; b=2" or "a=1 b=2". Values may be
// double-quoted to contain separators.
func keyValuePairs(s string) map[string]string {
	out := map[string]string{}
	var tokens []string
	if strings.ContainsAny(s, ",;") {
		tokens = splitQuoted(s, func(r rune) bool { return r == ',' || r == ';' })
	} else {
		tokens = splitQuoted(s, func(r rune) bool { return r == ' ' || r == '\t' })
	}
	for _, tok := range tokens {
		k, v, ok := strings.Cut(tok, "=")
		if !ok {
			continue
		}
		k, v = strings.TrimSpace(k), strings.Trim(strings.TrimSpace(v), `"`)
		if k == "" || v == "" {
			continue
		}
		out[k] = v
	}
	return out
}

func splitQuoted(s string, sep func(rune) bool) []string {
	var (
		out    []string
		cur    strings.Builder
		quoted bool
	)
	for _, r := range s {
		switch {
		case r == '"':
			quoted = !quoted
			cur.WriteRune(r)
		case sep(r) && !quoted:
			if cur.Len() > 0 {
				out = append(out, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

func (e *Extractor) hasItemKey(pairs map[string]string) bool {
	for k := range pairs {
		switch f, _ := e.mapping.ItemField(k); f {
		case ItemSKUCode, ItemProductName, ItemQuantityOrdered:
			return true
		}
	}
	return false
}
