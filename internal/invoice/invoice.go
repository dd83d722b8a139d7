// Package invoice defines the extracted invoice entity and validates OCR
// job result payloads into it.
package invoice

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// LineItem is one billed line on an invoice.
type LineItem struct {
	Description string  `json:"description"`
	Quantity    float64 `json:"quantity"`
	UnitPrice   float64 `json:"unitPrice"`
	Amount      float64 `json:"amount"`
}

// Invoice is the validated business entity extracted from a completed job.
// JobID is a back-reference for lookups only; the pipeline does not own the
// invoice's long-term storage.
type Invoice struct {
	Vendor    string     `json:"vendor"`
	Date      time.Time  `json:"date"`
	LineItems []LineItem `json:"lineItems"`
	Total     float64    `json:"total"`
	Currency  string     `json:"currency"`
	JobID     string     `json:"jobId,omitempty"`
}

// Payload is the wire form of an OCR job result. Total is a pointer so an
// absent total is distinguishable from a zero one.
type Payload struct {
	Vendor    string     `json:"vendor"`
	Date      string     `json:"date"`
	LineItems []LineItem `json:"lineItems"`
	Total     *float64   `json:"total"`
	Currency  string     `json:"currency"`
}

// InvalidError names the specific payload field that failed validation.
// Extraction never substitutes defaults for missing or inconsistent data.
type InvalidError struct {
	Field  string
	Reason string
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("extraction invalid: field %q: %s", e.Field, e.Reason)
}

// minorUnitExponents maps currencies whose minor unit is not 1/100. Anything
// absent uses the default exponent of 2.
var minorUnitExponents = map[string]int{
	"JPY": 0,
	"KRW": 0,
	"VND": 0,
	"BHD": 3,
	"KWD": 3,
}

func minorUnits(currency string, amount float64) int64 {
	exp := 2
	if e, ok := minorUnitExponents[strings.ToUpper(currency)]; ok {
		exp = e
	}
	return int64(math.Round(amount * math.Pow10(exp)))
}

const dateLayout = "2006-01-02"

// Extract validates a completed job's result payload and returns the Invoice
// entity. The stated total must match the line-item sum within one minor
// currency unit; each line's amount must match quantity × unit price to the
// same tolerance. Any violation returns an *InvalidError naming the field.
func Extract(payload json.RawMessage, jobID string) (*Invoice, error) {
	if len(payload) == 0 {
		return nil, &InvalidError{Field: "payload", Reason: "empty result payload"}
	}
	var p Payload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, &InvalidError{Field: "payload", Reason: "malformed result payload: " + err.Error()}
	}

	if strings.TrimSpace(p.Vendor) == "" {
		return nil, &InvalidError{Field: "vendor", Reason: "missing vendor name"}
	}
	if p.Date == "" {
		return nil, &InvalidError{Field: "date", Reason: "missing invoice date"}
	}
	date, err := time.Parse(dateLayout, p.Date)
	if err != nil {
		return nil, &InvalidError{Field: "date", Reason: "unparseable invoice date " + p.Date}
	}
	if len(p.LineItems) == 0 {
		return nil, &InvalidError{Field: "lineItems", Reason: "no line items"}
	}
	if p.Total == nil {
		return nil, &InvalidError{Field: "total", Reason: "missing total amount"}
	}
	currency := strings.ToUpper(strings.TrimSpace(p.Currency))
	if currency == "" {
		return nil, &InvalidError{Field: "currency", Reason: "missing currency"}
	}

	var sum int64
	for i, item := range p.LineItems {
		if strings.TrimSpace(item.Description) == "" {
			return nil, &InvalidError{
				Field:  fmt.Sprintf("lineItems[%d].description", i),
				Reason: "missing description",
			}
		}
		expected := minorUnits(currency, item.Quantity*item.UnitPrice)
		got := minorUnits(currency, item.Amount)
		if abs64(expected-got) > 1 {
			return nil, &InvalidError{
				Field:  fmt.Sprintf("lineItems[%d].amount", i),
				Reason: fmt.Sprintf("amount %.2f does not match quantity %.2f x unit price %.2f", item.Amount, item.Quantity, item.UnitPrice),
			}
		}
		sum += got
	}
	if abs64(sum-minorUnits(currency, *p.Total)) > 1 {
		return nil, &InvalidError{
			Field:  "total",
			Reason: fmt.Sprintf("stated total %.2f differs from line-item sum by more than one minor unit", *p.Total),
		}
	}

	items := make([]LineItem, len(p.LineItems))
	copy(items, p.LineItems)
	return &Invoice{
		Vendor:    strings.TrimSpace(p.Vendor),
		Date:      date,
		LineItems: items,
		Total:     *p.Total,
		Currency:  currency,
		JobID:     jobID,
	}, nil
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
