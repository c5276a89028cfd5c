// Package correspond drafts and delivers retailer correspondence about an
// order's validation outcome.
package correspond

import (
	"bytes"
	"embed"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/orderflow/internal/extract"
	"github.com/sells-group/orderflow/internal/model"
)

//go:embed templates/*.tmpl
var defaultTemplates embed.FS

// UrgentPrefix is prepended to the subject of emails about urgent-band orders.
const UrgentPrefix = "[URGENT] "

// TypeFor picks the email type from the dominant issue category of res:
// missing fields, then validation errors, then business rule violations,
// then data quality issues. A clean result yields an order confirmation.
func TypeFor(res model.ValidationResult) model.EmailType {
	switch {
	case len(res.MissingFields) > 0:
		return model.EmailMissingInfo
	case len(res.ValidationErrors) > 0:
		return model.EmailValidationFailed
	case len(res.BusinessRuleViolations) > 0:
		return model.EmailCatalogMismatch
	case len(res.DataQualityIssues) > 0:
		return model.EmailDataQuality
	}
	return model.EmailOrderConfirmation
}

// Composer renders email drafts from templates.
type Composer struct {
	tmpl *template.Template
	now  func() time.Time
}

// NewComposer parses the built-in templates. Any *.tmpl files in dir are
// parsed afterwards and replace built-in definitions of the same name.
func NewComposer(dir string) (*Composer, error) {
	tmpl, err := template.New("email").Funcs(template.FuncMap{
		"label": Label,
		"join":  strings.Join,
	}).ParseFS(defaultTemplates, "templates/*.tmpl")
	if err != nil {
		return nil, eris.Wrap(err, "correspond: parse default templates")
	}
	if dir != "" {
		matches, err := filepath.Glob(filepath.Join(dir, "*.tmpl"))
		if err != nil {
			return nil, eris.Wrapf(err, "correspond: glob %s", dir)
		}
		for _, m := range matches {
			data, err := os.ReadFile(m)
			if err != nil {
				return nil, eris.Wrapf(err, "correspond: read %s", m)
			}
			if _, err := tmpl.Parse(string(data)); err != nil {
				return nil, eris.Wrapf(err, "correspond: parse %s", m)
			}
		}
	}
	return &Composer{tmpl: tmpl, now: time.Now}, nil
}

type templateData struct {
	OrderNumber string
	Retailer    string
	Missing     []string
	Issues      []model.Issue
	Score       float64
	Band        model.Band
	Totals      model.Totals
}

// Compose drafts the email for order's validation result. The draft lists
// every flagged field so a reply can be matched back to them.
func (c *Composer) Compose(order model.Order, res model.ValidationResult) (*model.EmailCommunication, error) {
	typ := TypeFor(res)
	data := templateData{
		OrderNumber: order.OrderNumber,
		Retailer:    retailerName(order),
		Missing:     res.MissingFields,
		Score:       res.Score,
		Band:        res.Band,
		Totals:      order.Totals,
	}
	switch typ {
	case model.EmailCatalogMismatch:
		data.Issues = res.BusinessRuleViolations
	case model.EmailDataQuality:
		data.Issues = res.DataQualityIssues
	default:
		data.Issues = append(append([]model.Issue{}, res.ValidationErrors...), res.BusinessRuleViolations...)
	}
	if data.OrderNumber == "" {
		data.OrderNumber = shortID(order.ID)
	}

	subject, err := c.render(string(typ)+".subject", data)
	if err != nil {
		return nil, err
	}
	body, err := c.render(string(typ)+".body", data)
	if err != nil {
		return nil, err
	}

	priority := order.Priority
	if !priority.Valid() {
		priority = model.PriorityNormal
	}
	if res.Band == model.BandUrgent {
		subject = UrgentPrefix + subject
		priority = model.PriorityUrgent
	}
	return c.draft(order, typ, subject, body, priority, res.FlaggedFields()), nil
}

// ComposeCustom drafts a free-form email.
func (c *Composer) ComposeCustom(order model.Order, subject, body string) (*model.EmailCommunication, error) {
	if strings.TrimSpace(subject) == "" || strings.TrimSpace(body) == "" {
		return nil, eris.New("correspond: custom email needs a subject and a body")
	}
	priority := order.Priority
	if !priority.Valid() {
		priority = model.PriorityNormal
	}
	return c.draft(order, model.EmailCustom, subject, body, priority, nil), nil
}

func (c *Composer) draft(order model.Order, typ model.EmailType, subject, body string, priority model.Priority, fields []string) *model.EmailCommunication {
	now := c.now().UTC()
	e := &model.EmailCommunication{
		ID:        uuid.NewString(),
		OrderID:   order.ID,
		Type:      typ,
		Subject:   strings.TrimSpace(subject),
		Status:    model.EmailDraft,
		Priority:  priority,
		Content:   strings.TrimSpace(body) + "\n",
		Fields:    fields,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if order.RetailerInfo != nil {
		e.Recipient = order.RetailerInfo.Email
	}
	return e
}

func (c *Composer) render(name string, data templateData) (string, error) {
	var buf bytes.Buffer
	if err := c.tmpl.ExecuteTemplate(&buf, name, data); err != nil {
		return "", eris.Wrapf(err, "correspond: render %s", name)
	}
	return buf.String(), nil
}

// Label turns a field path into words a retailer understands, e.g.
// "sku_items[2].unit_price" becomes "line 2 unit price".
func Label(path string) string {
	if path == "sku_items" {
		return "order lines"
	}
	if p, err := extract.ParsePath(path); err == nil && p.Item() {
		return "line " + strconv.Itoa(p.Line) + " " + words(p.Field)
	}
	if rest, ok := strings.CutPrefix(path, "retailer_info."); ok {
		return "retailer " + words(rest)
	}
	return words(strings.ReplaceAll(path, ".", " "))
}

func words(field string) string {
	switch field {
	case "sku_code":
		return "SKU code"
	case "weight_kg":
		return "weight (kg)"
	case "volume_m3":
		return "volume (m3)"
	}
	return strings.ReplaceAll(field, "_", " ")
}

func retailerName(o model.Order) string {
	if o.RetailerInfo != nil && o.RetailerInfo.Name != "" {
		return o.RetailerInfo.Name
	}
	return "there"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
