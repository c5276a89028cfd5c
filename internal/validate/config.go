package validate

import "github.com/sells-group/orderflow/internal/config"

// FromConfig converts configured values to a Config. Zero values and
// missing weights keep the defaults.
func FromConfig(c config.ValidationConfig) Config {
	cfg := DefaultConfig()
	if c.PassThreshold > 0 {
		cfg.PassThreshold = c.PassThreshold
	}
	if c.PricingCoverage > 0 {
		cfg.PricingCoverage = c.PricingCoverage
	}
	if c.ClassificationCover > 0 {
		cfg.ClassificationCoverage = c.ClassificationCover
	}
	if c.PriceFloor > 0 {
		cfg.PriceFloor = c.PriceFloor
	}
	if len(c.Weights) > 0 {
		w := cfg.Weights
		if v, ok := c.Weights[CheckRequiredFields]; ok {
			w.RequiredFields = v
		}
		if v, ok := c.Weights[CheckSKUSet]; ok {
			w.SKUSet = v
		}
		if v, ok := c.Weights[CheckPricing]; ok {
			w.Pricing = v
		}
		if v, ok := c.Weights[CheckClassification]; ok {
			w.Classification = v
		}
		cfg.Weights = w
	}
	for _, r := range c.BusinessRules {
		cfg.Rules = append(cfg.Rules, Rule{Code: r.Code, Field: r.Field, Message: r.Message, Expression: r.Expression})
	}
	return cfg
}
