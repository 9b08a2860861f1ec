// Package notify carries workflow notifications from the request path to the
// background mail worker.
package notify

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Template names understood by Render.
const (
	TemplateInvoiceApproved = "invoice_approved"
	TemplateInvoiceRejected = "invoice_rejected"
)

// Message is one notification addressed to a user. The worker resolves the
// recipient's address when it delivers.
type Message struct {
	RecipientID int64             `json:"recipient_id"`
	Template    string            `json:"template"`
	Data        map[string]string `json:"data"`
	// CorrelationID ties the delivery log lines back to the request.
	CorrelationID string `json:"correlation_id,omitempty"`
}

type mailTemplate struct {
	subject *template.Template
	body    *template.Template
}

var templates = map[string]mailTemplate{
	TemplateInvoiceApproved: mustTemplate(
		"Invoice {{.number}} approved",
		"Invoice {{.number}} ({{.fiscal_year}}){{with index . \"amount\"}} for {{amount .}}{{end}} was approved by DFC on {{.reviewed_at}}.\n",
	),
	TemplateInvoiceRejected: mustTemplate(
		"Invoice {{.number}} rejected",
		"Invoice {{.number}} ({{.fiscal_year}}){{with index . \"amount\"}} for {{amount .}}{{end}} was rejected by DFC on {{.reviewed_at}}.\n\nReason: {{.note}}\n",
	),
}

var mailLocale = language.English

var funcs = template.FuncMap{"amount": FormatAmount}

func mustTemplate(subject, body string) mailTemplate {
	return mailTemplate{
		subject: template.Must(template.New("subject").Option("missingkey=error").Funcs(funcs).Parse(subject)),
		body:    template.Must(template.New("body").Option("missingkey=error").Funcs(funcs).Parse(body)),
	}
}

// FormatAmount renders a decimal string with digit grouping and two
// fraction digits, e.g. "1250.5" becomes "1,250.50".
func FormatAmount(raw string) (string, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return "", fmt.Errorf("notify: amount %q: %w", raw, err)
	}
	d = d.Round(2)
	sign := ""
	if d.IsNegative() {
		sign = "-"
		d = d.Abs()
	}
	whole := d.Truncate(0)
	frac := d.Sub(whole).StringFixed(2)[1:]
	return sign + message.NewPrinter(mailLocale).Sprintf("%d", whole.IntPart()) + frac, nil
}

// Render produces the subject and plain-text body of msg.
func Render(msg Message) (subject, body string, err error) {
	tpl, ok := templates[msg.Template]
	if !ok {
		return "", "", fmt.Errorf("notify: unknown template %q", msg.Template)
	}
	var sb, bb bytes.Buffer
	if err := tpl.subject.Execute(&sb, msg.Data); err != nil {
		return "", "", fmt.Errorf("notify: render subject: %w", err)
	}
	if err := tpl.body.Execute(&bb, msg.Data); err != nil {
		return "", "", fmt.Errorf("notify: render body: %w", err)
	}
	return sb.String(), bb.String(), nil
}
