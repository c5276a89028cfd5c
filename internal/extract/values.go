package extract

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/rotisserie/eris"

	"github.com/sells-group/orderflow/internal/model"
)

// ErrBadValue is returned when a value cannot be parsed for its field.
var ErrBadValue = eris.New("extract: bad value")

// ParseNumber parses a number as written on retailer documents: currency
// symbols and spaces are ignored, and both "1,234.50" and "1.234,50" are
// understood.
func ParseNumber(raw string) (float64, error) {
	s := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || unicode.Is(unicode.Sc, r) {
			return -1
		}
		return r
	}, raw)
	if s == "" {
		return 0, eris.Wrap(ErrBadValue, "empty number")
	}
	comma, dot := strings.LastIndex(s, ","), strings.LastIndex(s, ".")
	switch {
	case comma >= 0 && dot >= 0 && comma > dot:
		s = strings.ReplaceAll(s, ".", "")
		s = strings.Replace(s, ",", ".", 1)
	case comma >= 0 && dot >= 0:
		s = strings.ReplaceAll(s, ",", "")
	case comma >= 0 && strings.Count(s, ",") == 1 && len(s)-comma-1 != 3:
		s = strings.Replace(s, ",", ".", 1)
	case comma >= 0:
		s = strings.ReplaceAll(s, ",", "")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, eris.Wrapf(ErrBadValue, "%q is not a number", raw)
	}
	return v, nil
}

// splitUnit splits "12 pcs" into 12 and "pcs".
func splitUnit(raw string) (float64, string, error) {
	s := strings.TrimSpace(raw)
	i := strings.LastIndexFunc(s, func(r rune) bool { return unicode.IsDigit(r) })
	if i < 0 {
		return 0, "", eris.Wrapf(ErrBadValue, "%q is not a quantity", raw)
	}
	num, unit := s[:i+1], strings.TrimSpace(s[i+1:])
	v, err := ParseNumber(num)
	if err != nil {
		return 0, "", err
	}
	return v, strings.ToLower(unit), nil
}

var weightUnits = map[string]float64{"": 1, "kg": 1, "kgs": 1, "g": 0.001, "gr": 0.001, "lb": 0.45359237, "lbs": 0.45359237, "t": 1000}

var volumeUnits = map[string]float64{"": 1, "m3": 1, "cbm": 1, "l": 0.001, "ltr": 0.001, "cm3": 1e-6}

func parseMeasure(raw string, units map[string]float64) (float64, error) {
	v, unit, err := splitUnit(raw)
	if err != nil {
		return 0, err
	}
	f, ok := units[unit]
	if !ok {
		return 0, eris.Wrapf(ErrBadValue, "unknown unit %q in %q", unit, raw)
	}
	return v * f, nil
}

// ParseBool accepts the usual spreadsheet spellings of yes and no.
func ParseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "yes", "y", "1", "x", "fragile":
		return true, nil
	case "false", "no", "n", "0", "", "-":
		return false, nil
	}
	return false, eris.Wrapf(ErrBadValue, "%q is not yes or no", raw)
}

// ParsePriority normalizes a priority. Unknown values are kept upper-cased so
// validation can report them.
func ParsePriority(raw string) model.Priority {
	p := model.Priority(strings.ToUpper(strings.TrimSpace(raw)))
	switch p {
	case "RUSH", "EXPRESS", "ASAP":
		return model.PriorityUrgent
	case "STANDARD", "MEDIUM":
		return model.PriorityNormal
	}
	return p
}

// setItemField parses raw into field. A value that does not parse leaves
// the field unset and returns ErrBadValue.
func setItemField(it *model.SKUItem, field, raw string) error {
	raw = strings.TrimSpace(raw)
	num := func(dst **float64, parse func(string) (float64, error)) error {
		v, err := parse(raw)
		if err != nil {
			*dst = nil
			return err
		}
		*dst = &v
		return nil
	}
	switch field {
	case ItemSKUCode:
		it.SKUCode = raw
	case ItemProductName:
		it.ProductName = raw
	case ItemCategory:
		it.Category = raw
	case ItemBrand:
		it.Brand = raw
	case ItemUnitOfMeasure:
		it.UnitOfMeasure = raw
	case ItemTemperatureRequirement:
		it.TemperatureRequirement = strings.ToLower(raw)
	case ItemQuantityOrdered:
		v, unit, err := splitUnit(raw)
		if err != nil {
			it.QuantityOrdered = nil
			return err
		}
		it.QuantityOrdered = &v
		if unit != "" && it.UnitOfMeasure == "" {
			it.UnitOfMeasure = unit
		}
	case ItemUnitPrice:
		return num(&it.UnitPrice, ParseNumber)
	case ItemTotalPrice:
		return num(&it.TotalPrice, ParseNumber)
	case ItemWeightKG:
		return num(&it.WeightKG, func(s string) (float64, error) { return parseMeasure(s, weightUnits) })
	case ItemVolumeM3:
		return num(&it.VolumeM3, func(s string) (float64, error) { return parseMeasure(s, volumeUnits) })
	case ItemFragile:
		b, err := ParseBool(raw)
		if err != nil {
			return err
		}
		it.Fragile = b
	case ItemLineNumber:
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return eris.Wrapf(ErrBadValue, "%q is not a line number", raw)
		}
		it.LineNumber = n
	default:
		return eris.Errorf("extract: unknown item field %q", field)
	}
	return nil
}

func itemFieldValue(it model.SKUItem, field string) string {
	f := func(p *float64) string {
		if p == nil {
			return ""
		}
		return strconv.FormatFloat(*p, 'f', -1, 64)
	}
	switch field {
	case ItemSKUCode:
		return it.SKUCode
	case ItemProductName:
		return it.ProductName
	case ItemCategory:
		return it.Category
	case ItemBrand:
		return it.Brand
	case ItemUnitOfMeasure:
		return it.UnitOfMeasure
	case ItemTemperatureRequirement:
		return it.TemperatureRequirement
	case ItemQuantityOrdered:
		return f(it.QuantityOrdered)
	case ItemUnitPrice:
		return f(it.UnitPrice)
	case ItemTotalPrice:
		return f(it.TotalPrice)
	case ItemWeightKG:
		return f(it.WeightKG)
	case ItemVolumeM3:
		return f(it.VolumeM3)
	case ItemFragile:
		return strconv.FormatBool(it.Fragile)
	case ItemLineNumber:
		return strconv.Itoa(it.LineNumber)
	}
	return ""
}

func setOrderField(o *model.Order, field, raw string) error {
	raw = strings.TrimSpace(raw)
	retailer := func() *model.RetailerInfo {
		if o.RetailerInfo == nil {
			o.RetailerInfo = &model.RetailerInfo{}
		}
		return o.RetailerInfo
	}
	switch field {
	case FieldOrderNumber:
		o.OrderNumber = raw
	case FieldPriority:
		o.Priority = ParsePriority(raw)
	case FieldDeliveryAddress:
		o.DeliveryAddress = raw
	case FieldSpecialInstructions:
		o.SpecialInstructions = raw
	case FieldRetailerName:
		retailer().Name = raw
	case FieldRetailerEmail:
		if raw != "" && !strings.Contains(raw, "@") {
			return eris.Wrapf(ErrBadValue, "%q is not an email address", raw)
		}
		retailer().Email = raw
	case FieldRetailerPhone:
		retailer().Phone = raw
	default:
		return eris.Errorf("extract: unknown order field %q", field)
	}
	return nil
}

func orderFieldValue(o model.Order, field string) string {
	r := model.RetailerInfo{}
	if o.RetailerInfo != nil {
		r = *o.RetailerInfo
	}
	switch field {
	case FieldOrderNumber:
		return o.OrderNumber
	case FieldPriority:
		return string(o.Priority)
	case FieldDeliveryAddress:
		return o.DeliveryAddress
	case FieldSpecialInstructions:
		return o.SpecialInstructions
	case FieldRetailerName:
		return r.Name
	case FieldRetailerEmail:
		return r.Email
	case FieldRetailerPhone:
		return r.Phone
	}
	return ""
}

func remark(field, raw string) string {
	return fmt.Sprintf("%s: could not read %q", field, raw)
}
