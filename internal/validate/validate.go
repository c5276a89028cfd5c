// Package validate scores how complete an order is and classifies what is
// wrong with it.
//
// The score is a weighted sum of independent checks:
//
//	required_order_fields  fraction of order number, delivery address and priority present
//	sku_set                fraction of items with a positive, price-consistent quantity; 0 without items
//	pricing                full weight when pricing coverage >= PricingCoverage, else 0
//	classification         full weight when category/brand coverage >= ClassificationCoverage, else 0
//
// Validation is pure: the same order and items always produce the same
// result, including its fingerprint.
package validate

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"

	"github.com/gowebpki/jcs"
	"github.com/rotisserie/eris"

	"github.com/sells-group/orderflow/internal/model"
)

// Check names.
const (
	CheckRequiredFields = "required_order_fields"
	CheckSKUSet         = "sku_set"
	CheckPricing        = "pricing"
	CheckClassification = "classification"
)

// Weights are the check weights. They must sum to 1.
type Weights struct {
	RequiredFields float64
	SKUSet         float64
	Pricing        float64
	Classification float64
}

// DefaultWeights are used when no weights are configured.
var DefaultWeights = Weights{RequiredFields: 0.25, SKUSet: 0.20, Pricing: 0.35, Classification: 0.20}

func (w Weights) sum() float64 {
	return w.RequiredFields + w.SKUSet + w.Pricing + w.Classification
}

// Config tunes the Validator.
type Config struct {
	PassThreshold          float64
	PricingCoverage        float64
	ClassificationCoverage float64
	PriceFloor             float64
	Weights                Weights
	Rules                  []Rule
}

// DefaultConfig returns the scoring defaults.
func DefaultConfig() Config {
	return Config{
		PassThreshold:          0.7,
		PricingCoverage:        0.9,
		ClassificationCoverage: 0.8,
		PriceFloor:             0.01,
		Weights:                DefaultWeights,
	}
}

// Band boundaries.
const (
	readyFrom       = 0.9
	minorFrom       = 0.7
	significantFrom = 0.5
)

// BandFor classifies a score.
func BandFor(score float64) model.Band {
	switch {
	case score >= readyFrom:
		return model.BandReady
	case score >= minorFrom:
		return model.BandMinor
	case score >= significantFrom:
		return model.BandSignificant
	}
	return model.BandUrgent
}

// Validator computes ValidationResults.
type Validator struct {
	cfg   Config
	rules *Rules
}

// New builds a Validator. DefaultRules are evaluated ahead of cfg.Rules.
func New(cfg Config) (*Validator, error) {
	if math.Abs(cfg.Weights.sum()-1) > 1e-9 {
		return nil, eris.Errorf("validate: weights sum to %.4f, want 1", cfg.Weights.sum())
	}
	if cfg.PassThreshold <= 0 || cfg.PassThreshold > 1 {
		return nil, eris.Errorf("validate: pass threshold %.2f out of range", cfg.PassThreshold)
	}
	rules, err := NewRules(cfg.PriceFloor, append(append([]Rule{}, DefaultRules...), cfg.Rules...))
	if err != nil {
		return nil, err
	}
	return &Validator{cfg: cfg, rules: rules}, nil
}

// Validate scores order and items.
func (v *Validator) Validate(order model.Order, items []model.SKUItem) (model.ValidationResult, error) {
	res := model.ValidationResult{
		MissingFields:          []string{},
		ValidationErrors:       []model.Issue{},
		BusinessRuleViolations: []model.Issue{},
		DataQualityIssues:      []model.Issue{},
		Recommendations:        []string{},
	}
	w := v.cfg.Weights

	res.Checks = append(res.Checks, v.requiredFields(order, &res, w.RequiredFields))
	res.Checks = append(res.Checks, v.skuSet(items, &res, w.SKUSet))
	res.Checks = append(res.Checks, v.pricing(items, &res, w.Pricing))
	res.Checks = append(res.Checks, v.classification(items, &res, w.Classification))
	v.dataQuality(order, items, &res)

	violations, err := v.rules.Check(items)
	if err != nil {
		return model.ValidationResult{}, err
	}
	res.BusinessRuleViolations = append(res.BusinessRuleViolations, violations...)

	var score float64
	for _, c := range res.Checks {
		score += c.Contribution
	}
	res.Score = round4(score)
	res.Band = BandFor(res.Score)
	res.IsValid = res.Score >= v.cfg.PassThreshold
	res.Blocking = res.Band == model.BandSignificant || res.Band == model.BandUrgent || len(res.BusinessRuleViolations) > 0
	res.Recommendations = recommendations(res)

	fp, err := Fingerprint(res)
	if err != nil {
		return model.ValidationResult{}, err
	}
	res.Fingerprint = fp
	return res, nil
}

func (v *Validator) requiredFields(o model.Order, res *model.ValidationResult, weight float64) model.CheckResult {
	present := 0
	if o.OrderNumber != "" {
		present++
	} else {
		res.MissingFields = append(res.MissingFields, "order_number")
	}
	if o.DeliveryAddress != "" {
		present++
	} else {
		res.MissingFields = append(res.MissingFields, "delivery_address")
	}
	switch {
	case o.Priority == "":
		res.MissingFields = append(res.MissingFields, "priority")
	case !o.Priority.Valid():
		res.ValidationErrors = append(res.ValidationErrors, model.Issue{
			Field: "priority", Code: "invalid_priority", Message: fmt.Sprintf("priority %q is not one of LOW, NORMAL, HIGH, URGENT", o.Priority),
		})
	default:
		present++
	}
	// Retailer contact is needed for correspondence but carries no weight.
	if o.RetailerInfo == nil || o.RetailerInfo.Email == "" {
		res.MissingFields = append(res.MissingFields, "retailer_info.email")
	}
	ratio := float64(present) / 3
	return check(CheckRequiredFields, weight, ratio, present == 3, weight*ratio)
}

func (v *Validator) skuSet(items []model.SKUItem, res *model.ValidationResult, weight float64) model.CheckResult {
	if len(items) == 0 {
		res.MissingFields = append(res.MissingFields, "sku_items")
		return check(CheckSKUSet, weight, 0, false, 0)
	}
	consistent := 0
	for _, it := range items {
		switch {
		case it.QuantityOrdered == nil:
			res.MissingFields = append(res.MissingFields, itemPath(it, "quantity_ordered"))
			continue
		case *it.QuantityOrdered == 0:
			res.ValidationErrors = append(res.ValidationErrors, model.Issue{
				Field: itemPath(it, "quantity_ordered"), Code: "zero_quantity", Message: "quantity ordered is zero",
			})
			continue
		case *it.QuantityOrdered < 0:
			// Reported by the negative_quantity business rule.
			continue
		}
		if it.UnitPrice != nil && it.TotalPrice != nil {
			want := *it.UnitPrice * *it.QuantityOrdered
			if math.Abs(want-*it.TotalPrice) > 0.01*math.Max(1, math.Abs(*it.TotalPrice)) {
				res.ValidationErrors = append(res.ValidationErrors, model.Issue{
					Field:   itemPath(it, "total_price"),
					Code:    "total_mismatch",
					Message: fmt.Sprintf("total price %.2f does not match %.2f x %g", *it.TotalPrice, *it.UnitPrice, *it.QuantityOrdered),
				})
				continue
			}
		}
		consistent++
	}
	ratio := float64(consistent) / float64(len(items))
	return check(CheckSKUSet, weight, ratio, consistent == len(items), weight*ratio)
}

func (v *Validator) pricing(items []model.SKUItem, res *model.ValidationResult, weight float64) model.CheckResult {
	if len(items) == 0 {
		return check(CheckPricing, weight, 0, false, 0)
	}
	priced := 0
	for _, it := range items {
		if it.HasPricing() {
			priced++
			continue
		}
		res.MissingFields = append(res.MissingFields, itemPath(it, "unit_price"))
	}
	ratio := float64(priced) / float64(len(items))
	passed := ratio >= v.cfg.PricingCoverage
	return check(CheckPricing, weight, ratio, passed, binary(passed, weight))
}

func (v *Validator) classification(items []model.SKUItem, res *model.ValidationResult, weight float64) model.CheckResult {
	if len(items) == 0 {
		return check(CheckClassification, weight, 0, false, 0)
	}
	classified := 0
	for _, it := range items {
		if it.Category != "" || it.Brand != "" {
			classified++
			continue
		}
		res.MissingFields = append(res.MissingFields, itemPath(it, "category"))
	}
	ratio := float64(classified) / float64(len(items))
	passed := ratio >= v.cfg.ClassificationCoverage
	return check(CheckClassification, weight, ratio, passed, binary(passed, weight))
}

// dataQuality records issues that never block or score.
func (v *Validator) dataQuality(o model.Order, items []model.SKUItem, res *model.ValidationResult) {
	seen := make(map[string]bool)
	for _, it := range items {
		if it.SKUCode == "" {
			res.DataQualityIssues = append(res.DataQualityIssues, model.Issue{
				Field: itemPath(it, "sku_code"), Code: "missing_sku_code", Message: "item has no SKU code",
			})
		}
		if it.ProductName == "" {
			res.DataQualityIssues = append(res.DataQualityIssues, model.Issue{
				Field: itemPath(it, "product_name"), Code: "missing_product_name", Message: "item has no product name",
			})
		}
		if it.WeightKG == nil {
			res.DataQualityIssues = append(res.DataQualityIssues, model.Issue{
				Field: itemPath(it, "weight_kg"), Code: "weight_unknown", Message: "weight will be estimated",
			})
		}
		if it.SKUCode != "" {
			if seen[it.SKUCode] {
				res.DataQualityIssues = append(res.DataQualityIssues, model.Issue{
					Field: itemPath(it, "sku_code"), Code: "duplicate_sku", Message: fmt.Sprintf("SKU %s appears on more than one line", it.SKUCode),
				})
			}
			seen[it.SKUCode] = true
		}
	}
	if o.RetailerInfo != nil && o.RetailerInfo.Name == "" {
		res.DataQualityIssues = append(res.DataQualityIssues, model.Issue{
			Field: "retailer_info.name", Code: "missing_retailer_name", Message: "retailer name is not known",
		})
	}
}

func recommendations(res model.ValidationResult) []string {
	out := []string{}
	if len(res.MissingFields) > 0 {
		out = append(out, fmt.Sprintf("Request %d missing field(s) from the retailer", len(res.MissingFields)))
	}
	if len(res.ValidationErrors) > 0 {
		out = append(out, "Ask the retailer to confirm quantities and line totals")
	}
	if len(res.BusinessRuleViolations) > 0 {
		out = append(out, "Resolve business rule violations before submission")
	}
	if res.Band == model.BandUrgent {
		out = append(out, "Escalate: the order is too incomplete to process")
	}
	return out
}

// Fingerprint returns the sha256 of the canonical (RFC 8785) JSON of res
// without its fingerprint.
func Fingerprint(res model.ValidationResult) (string, error) {
	res.Fingerprint = ""
	b, err := json.Marshal(res)
	if err != nil {
		return "", eris.Wrap(err, "validate: marshal result")
	}
	canon, err := jcs.Transform(b)
	if err != nil {
		return "", eris.Wrap(err, "validate: canonicalize result")
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// ItemPath is the field path of an item attribute, keyed by line number.
func ItemPath(line int, field string) string {
	return fmt.Sprintf("sku_items[%d].%s", line, field)
}

func itemPath(it model.SKUItem, field string) string { return ItemPath(it.LineNumber, field) }

func check(name string, weight, ratio float64, passed bool, contribution float64) model.CheckResult {
	return model.CheckResult{
		Name:         name,
		Weight:       weight,
		Ratio:        round4(ratio),
		Contribution: round4(contribution),
		Passed:       passed,
	}
}

func binary(passed bool, weight float64) float64 {
	if passed {
		return weight
	}
	return 0
}

func round4(v float64) float64 { return math.Round(v*1e4) / 1e4 }
