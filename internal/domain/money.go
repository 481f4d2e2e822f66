package domain

import "fmt"

// FormatAmount renders an amount in minor units as a decimal string for
// display, e.g. 29900 -> "299.00". Negative amounts keep the sign in front.
func FormatAmount(minor int64) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d", sign, minor/100, minor%100)
}
