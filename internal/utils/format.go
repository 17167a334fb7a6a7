package utils

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

// vndPrinter applies Vietnamese digit grouping (dots) to amounts.
var vndPrinter = message.NewPrinter(language.Vietnamese)

// FormatVND renders an integral đồng amount for display, e.g.
// FormatVND(5000000) returns "5.000.000 ₫". Tuition and balances are always
// whole đồng; there is no minor unit.
func FormatVND(amount int64) string {
	return vndPrinter.Sprintf("%v ₫", number.Decimal(amount))
}
