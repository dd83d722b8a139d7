package ocr

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/scanvault/scanvault/internal/invoice"
)

var (
	isoDateRe   = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`)
	slashDateRe = regexp.MustCompile(`\b\d{1,2}/\d{1,2}/\d{4}\b`)
	// description, quantity, unit price, amount; currency symbols and
	// thousands separators tolerated on the money columns.
	lineItemRe = regexp.MustCompile(`^(.+?)\s{2,}(\d+(?:\.\d+)?)\s+(?:x\s+)?[$€£]?(\d{1,3}(?:,\d{3})*\.\d{2})\s+[$€£]?(\d{1,3}(?:,\d{3})*\.\d{2})$`)
	totalRe    = regexp.MustCompile(`(?i)^\s*(?:grand\s+)?total\b[^0-9]*[$€£]?(\d{1,3}(?:,\d{3})*\.\d{2})(?:\s+[A-Z]{3})?\s*$`)
	currencyRe = regexp.MustCompile(`\b(USD|EUR|GBP|CAD|AUD|CHF|JPY|SEK|NOK)\b`)
)

var symbolCurrencies = []struct {
	symbol   string
	currency string
}{
	{"$", "USD"},
	{"€", "EUR"},
	{"£", "GBP"},
}

// ParseInvoiceText scans recognized text line by line and assembles the
// result payload the extractor consumes. Fields it cannot find are left
// empty; deciding whether the payload is acceptable is the extractor's job,
// not the parser's.
func ParseInvoiceText(text string) *invoice.Payload {
	payload := &invoice.Payload{}
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		if payload.Currency == "" {
			payload.Currency = findCurrency(line)
		}
		if payload.Vendor == "" && !looksStructural(line) {
			payload.Vendor = line
			continue
		}
		if payload.Date == "" {
			if d := findDate(line); d != "" {
				payload.Date = d
			}
		}
		if m := totalRe.FindStringSubmatch(line); m != nil && !strings.Contains(strings.ToLower(line), "subtotal") {
			if v, err := parseMoney(m[1]); err == nil {
				payload.Total = &v
			}
			continue
		}
		if m := lineItemRe.FindStringSubmatch(line); m != nil {
			qty, err1 := strconv.ParseFloat(m[2], 64)
			unit, err2 := parseMoney(m[3])
			amount, err3 := parseMoney(m[4])
			if err1 == nil && err2 == nil && err3 == nil {
				payload.LineItems = append(payload.LineItems, invoice.LineItem{
					Description: strings.TrimSpace(m[1]),
					Quantity:    qty,
					UnitPrice:   unit,
					Amount:      amount,
				})
			}
		}
	}
	return payload
}

// looksStructural reports whether a line is clearly not a vendor name:
// dates, totals, and money-bearing item lines.
func looksStructural(line string) bool {
	return isoDateRe.MatchString(line) ||
		slashDateRe.MatchString(line) ||
		totalRe.MatchString(line) ||
		lineItemRe.MatchString(line)
}

func findDate(line string) string {
	if m := isoDateRe.FindString(line); m != "" {
		return m
	}
	if m := slashDateRe.FindString(line); m != "" {
		if t, err := time.Parse("1/2/2006", m); err == nil {
			return t.Format("2006-01-02")
		}
	}
	return ""
}

func findCurrency(line string) string {
	if m := currencyRe.FindString(line); m != "" {
		return m
	}
	for _, sc := range symbolCurrencies {
		if strings.Contains(line, sc.symbol) {
			return sc.currency
		}
	}
	return ""
}

func parseMoney(s string) (float64, error) {
	return strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
}
