package payment

import (
	"fmt"
	"strings"
)

// FormatAmount renders minor units as major units with two decimals, e.g.
// FormatAmount(500, "RUB") == "5.00 RUB".
func FormatAmount(minor int64, currency string) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	s := fmt.Sprintf("%s%d.%02d", sign, minor/100, minor%100)
	if currency = strings.TrimSpace(currency); currency != "" {
		s += " " + currency
	}
	return s
}
