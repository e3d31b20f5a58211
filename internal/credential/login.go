package credential

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// CanonicalLogin normalizes a kiosk login for lookup: compatibility
// normalization (full-width and ligature forms), case folding and trimming.
// "Ｃｅｎｔｒａｌ" and " CENTRAL " both become "central".
func CanonicalLogin(login string) string {
	t := transform.Chain(norm.NFKC, cases.Fold())
	result, _, err := transform.String(t, strings.TrimSpace(login))
	if err != nil {
		return strings.ToLower(strings.TrimSpace(login))
	}
	return strings.TrimSpace(result)
}
