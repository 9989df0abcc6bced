package versioning

import (
	"reflect"
	"strings"
	"unicode"

	"github.com/loanconsult/crm/internal/store"
)

// EntityType names e for the version ledger. Versioned entities name
// themselves; anything else falls back to its Go type name in snake_case.
func EntityType(e store.Entity) string {
	if v, ok := e.(store.Versioned); ok {
		return v.VersionEntityType()
	}
	t := reflect.TypeOf(e)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return snakeCase(t.Name())
}

func snakeCase(name string) string {
	var b strings.Builder
	runes := []rune(name)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			// Break before an upper-case rune that starts a new word:
			// "CustomerCase" -> customer_case, "HTTPLog" -> http_log.
			if i > 0 && (unicode.IsLower(runes[i-1]) || (i+1 < len(runes) && unicode.IsLower(runes[i+1]) && unicode.IsUpper(runes[i-1]))) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
