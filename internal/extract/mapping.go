package extract

import (
	"os"
	"strings"
	"unicode"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	"gopkg.in/yaml.v3"
)

// Order field keys.
const (
	FieldOrderNumber         = "order_number"
	FieldPriority            = "priority"
	FieldDeliveryAddress     = "delivery_address"
	FieldSpecialInstructions = "special_instructions"
	FieldRetailerName        = "retailer_info.name"
	FieldRetailerEmail       = "retailer_info.email"
	FieldRetailerPhone       = "retailer_info.phone"
)

// Item field keys.
const (
	ItemLineNumber             = "line_number"
	ItemSKUCode                = "sku_code"
	ItemProductName            = "product_name"
	ItemCategory               = "category"
	ItemBrand                  = "brand"
	ItemQuantityOrdered        = "quantity_ordered"
	ItemUnitOfMeasure          = "unit_of_measure"
	ItemUnitPrice              = "unit_price"
	ItemTotalPrice             = "total_price"
	ItemWeightKG               = "weight_kg"
	ItemVolumeM3               = "volume_m3"
	ItemTemperatureRequirement = "temperature_requirement"
	ItemFragile                = "fragile"
)

// Mapping maps document headers and keys to order and item fields. Aliases
// are compared after normalization, so "Unit Price", "unit-price" and
// "UNIT_PRICE" are the same header.
type Mapping struct {
	ItemElement string              `yaml:"item_element"`
	ItemsKey    string              `yaml:"items_key"`
	Order       map[string][]string `yaml:"order"`
	Items       map[string][]string `yaml:"items"`

	orderIdx map[string]string
	itemIdx  map[string]string
}

// DefaultMapping returns the built-in header aliases.
func DefaultMapping() *Mapping {
	m := &Mapping{
		ItemElement: "item",
		ItemsKey:    "items",
		Order: map[string][]string{
			FieldOrderNumber:         {"order_number", "order_no", "order_id", "order", "po", "po_number", "purchase_order"},
			FieldPriority:            {"priority", "urgency"},
			FieldDeliveryAddress:     {"delivery_address", "ship_to", "shipping_address", "deliver_to", "address"},
			FieldSpecialInstructions: {"special_instructions", "instructions", "notes", "comments"},
			FieldRetailerName:        {"retailer_info_name", "retailer_name", "retailer", "customer", "customer_name", "store"},
			FieldRetailerEmail:       {"retailer_info_email", "retailer_email", "email", "customer_email", "contact_email"},
			FieldRetailerPhone:       {"retailer_info_phone", "retailer_phone", "phone", "contact_phone"},
		},
		Items: map[string][]string{
			ItemLineNumber:             {"line_number", "line", "line_no"},
			ItemSKUCode:                {"sku_code", "sku", "item_code", "product_code", "code", "article"},
			ItemProductName:            {"product_name", "product", "description", "item_name", "name"},
			ItemCategory:               {"category", "product_category"},
			ItemBrand:                  {"brand", "manufacturer"},
			ItemQuantityOrdered:        {"quantity_ordered", "quantity", "qty", "qty_ordered", "units"},
			ItemUnitOfMeasure:          {"unit_of_measure", "uom", "unit"},
			ItemUnitPrice:              {"unit_price", "price", "unit_cost"},
			ItemTotalPrice:             {"total_price", "line_total", "total", "amount"},
			ItemWeightKG:               {"weight_kg", "weight"},
			ItemVolumeM3:               {"volume_m3", "volume", "cbm"},
			ItemTemperatureRequirement: {"temperature_requirement", "temperature", "temp"},
			ItemFragile:                {"fragile", "is_fragile"},
		},
	}
	if err := m.compile(); err != nil {
		panic(err)
	}
	return m
}

// LoadMapping reads a field mapping from a YAML file with a top-level
// "field_mapping" key. Fields the file does not mention keep their default
// aliases.
func LoadMapping(path string) (*Mapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "extract: read mapping %s", path)
	}

	var wrapper struct {
		FieldMapping Mapping `yaml:"field_mapping"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "extract: parse mapping")
	}

	m := DefaultMapping()
	fm := wrapper.FieldMapping
	if fm.ItemElement != "" {
		m.ItemElement = fm.ItemElement
	}
	if fm.ItemsKey != "" {
		m.ItemsKey = fm.ItemsKey
	}
	for field, aliases := range fm.Order {
		if _, ok := m.Order[field]; !ok {
			return nil, eris.Errorf("extract: mapping names unknown order field %q", field)
		}
		m.Order[field] = aliases
	}
	for field, aliases := range fm.Items {
		if _, ok := m.Items[field]; !ok {
			return nil, eris.Errorf("extract: mapping names unknown item field %q", field)
		}
		m.Items[field] = aliases
	}
	if err := m.compile(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Mapping) compile() error {
	build := func(group string, fields map[string][]string) (map[string]string, error) {
		idx := make(map[string]string)
		for field, aliases := range fields {
			for _, a := range append([]string{field}, aliases...) {
				key := NormalizeKey(a)
				if prev, ok := idx[key]; ok && prev != field {
					return nil, eris.Errorf("extract: %s alias %q maps to both %s and %s", group, a, prev, field)
				}
				idx[key] = field
			}
		}
		return idx, nil
	}
	var err error
	if m.orderIdx, err = build("order", m.Order); err != nil {
		return err
	}
	m.itemIdx, err = build("item", m.Items)
	return err
}

// OrderField resolves a header or key to an order field.
func (m *Mapping) OrderField(key string) (string, bool) {
	f, ok := m.orderIdx[NormalizeKey(key)]
	return f, ok
}

// ItemField resolves a header or key to an item field.
func (m *Mapping) ItemField(key string) (string, bool) {
	f, ok := m.itemIdx[NormalizeKey(key)]
	return f, ok
}

// NormalizeKey case-folds key and collapses every run of non-alphanumeric
// characters to a single underscore.
func NormalizeKey(key string) string {
	// Casers are stateful; one per call.
	folded := cases.Fold().String(strings.TrimSpace(key))
	var b strings.Builder
	sep := false
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if sep && b.Len() > 0 {
				b.WriteByte('_')
			}
			sep = false
			b.WriteRune(r)
			continue
		}
		sep = true
	}
	return b.String()
}
