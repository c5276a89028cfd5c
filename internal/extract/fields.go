package extract

import (
	"regexp"
	"strconv"

	"github.com/rotisserie/eris"

	"github.com/sells-group/orderflow/internal/model"
)

// ErrUnknownPath is returned for a field path that names no order field or
// no existing item line.
var ErrUnknownPath = eris.New("extract: unknown field path")

// Path is a parsed field path: either an order field such as
// "retailer_info.email" or an item field such as "sku_items[3].unit_price".
type Path struct {
	Line  int // 0 for order fields
	Field string
}

// Item reports whether the path addresses an item line.
func (p Path) Item() bool { return p.Line > 0 }

var itemPathRe = regexp.MustCompile(`^sku_items\[(\d+)\]\.([a-z_]+)$`)

var orderFields = map[string]bool{
	FieldOrderNumber: true, FieldPriority: true, FieldDeliveryAddress: true, FieldSpecialInstructions: true,
	FieldRetailerName: true, FieldRetailerEmail: true, FieldRetailerPhone: true,
}

var itemFields = map[string]bool{
	ItemSKUCode: true, ItemProductName: true, ItemCategory: true, ItemBrand: true, ItemQuantityOrdered: true,
	ItemUnitOfMeasure: true, ItemUnitPrice: true, ItemTotalPrice: true, ItemWeightKG: true, ItemVolumeM3: true,
	ItemTemperatureRequirement: true, ItemFragile: true,
}

// ParsePath parses a field path.
func ParsePath(path string) (Path, error) {
	if orderFields[path] {
		return Path{Field: path}, nil
	}
	m := itemPathRe.FindStringSubmatch(path)
	if m == nil || !itemFields[m[2]] {
		return Path{}, eris.Wrapf(ErrUnknownPath, "%q", path)
	}
	line, err := strconv.Atoi(m[1])
	if err != nil || line <= 0 {
		return Path{}, eris.Wrapf(ErrUnknownPath, "%q", path)
	}
	return Path{Line: line, Field: m[2]}, nil
}

func (p Path) String() string {
	if p.Item() {
		return "sku_items[" + strconv.Itoa(p.Line) + "]." + p.Field
	}
	return p.Field
}

// Get returns the current value at path, "" when unset.
func Get(o model.Order, items []model.SKUItem, path string) (string, error) {
	p, err := ParsePath(path)
	if err != nil {
		return "", err
	}
	if !p.Item() {
		return orderFieldValue(o, p.Field), nil
	}
	i := lineIndex(items, p.Line)
	if i < 0 {
		return "", eris.Wrapf(ErrUnknownPath, "no line %d", p.Line)
	}
	return itemFieldValue(items[i], p.Field), nil
}

// Set parses value into the field at path and returns the previous value.
// items is modified in place; item lines are matched by line number.
func Set(o *model.Order, items []model.SKUItem, path, value string) (string, error) {
	p, err := ParsePath(path)
	if err != nil {
		return "", err
	}
	if !p.Item() {
		old := orderFieldValue(*o, p.Field)
		if err := setOrderField(o, p.Field, value); err != nil {
			return "", eris.Wrapf(err, "extract: set %s", path)
		}
		return old, nil
	}
	i := lineIndex(items, p.Line)
	if i < 0 {
		return "", eris.Wrapf(ErrUnknownPath, "no line %d", p.Line)
	}
	old := itemFieldValue(items[i], p.Field)
	next := items[i]
	if err := setItemField(&next, p.Field, value); err != nil {
		return "", eris.Wrapf(err, "extract: set %s", path)
	}
	items[i] = next
	return old, nil
}

// Paths returns every set field of a candidate keyed by path.
func Paths(c Candidate) map[string]string {
	out := make(map[string]string)
	for f := range orderFields {
		if v := orderFieldValue(c.Order, f); v != "" {
			out[f] = v
		}
	}
	for _, it := range c.Items {
		for f := range itemFields {
			if f == ItemFragile && !it.Fragile {
				continue
			}
			if v := itemFieldValue(it, f); v != "" {
				out[Path{Line: it.LineNumber, Field: f}.String()] = v
			}
		}
	}
	return out
}

func lineIndex(items []model.SKUItem, line int) int {
	for i, it := range items {
		if it.LineNumber == line {
			return i
		}
	}
	return -1
}
