package order

import (
	"fmt"
	"strings"
)

// SplitPair splits "BASE/QUOTE" into its currencies.
// "BASE-QUOTE" is accepted as well since URLs cannot carry a slash.
func SplitPair(pair string) (base, quote string, err error) {
	sep := "/"
	if !strings.Contains(pair, sep) {
		sep = "-"
	}
	parts := strings.Split(pair, sep)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: %q", ErrUnknownPair, pair)
	}
	return strings.ToUpper(parts[0]), strings.ToUpper(parts[1]), nil
}

// NormalizePair returns the canonical "BASE/QUOTE" form.
func NormalizePair(pair string) (string, error) {
	base, quote, err := SplitPair(pair)
	if err != nil {
		return "", err
	}
	return base + "/" + quote, nil
}

// Symbol converts "BASE/QUOTE" to the URL form "BASE-QUOTE".
func Symbol(pair string) string {
	return strings.Replace(pair, "/", "-", 1)
}
