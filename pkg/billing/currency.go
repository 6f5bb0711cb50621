package billing

import (
	"strings"

	"github.com/shopspring/decimal"

	"mailship/pkg/config"
)

const (
	defaultCurrencyEnv      = "BILLING_CURRENCY"
	defaultCurrencyFallback = "EUR"
)

// DefaultCurrency returns the billing ledger currency used when no currency is specified.
func DefaultCurrency() string {
	return config.GetEnv(defaultCurrencyEnv, defaultCurrencyFallback)
}

// FormatAmount renders a settled amount for user-facing messages, e.g.
// "9.99 USD". An empty currency falls back to the ledger default.
func FormatAmount(amount decimal.Decimal, currency string) string {
	if currency == "" {
		currency = DefaultCurrency()
	}
	return amount.StringFixed(2) + " " + strings.ToUpper(currency)
}
