package observability

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"
)

const (
	routeFieldLimit  = 180
	methodFieldLimit = 10
	idFieldLimit     = 64
)

// clip strips control and format runes from client supplied text and caps it at limit runes.
func clip(value string, limit int) string {
	value = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || unicode.Is(unicode.Cf, r) || r == utf8.RuneError {
			return -1
		}
		return r
	}, value)
	if utf8.RuneCountInString(value) <= limit {
		return value
	}
	return string([]rune(value)[:limit])
}

func routeField(route string) zap.Field {
	if route == "" {
		route = "/"
	}
	return zap.String("route", clip(route, routeFieldLimit))
}

func methodField(method string) zap.Field {
	return zap.String("method", clip(strings.ToUpper(method), methodFieldLimit))
}

func storeField(storeID string) zap.Field {
	return zap.String("store_id", clip(storeID, idFieldLimit))
}

func employeeField(uid string) zap.Field {
	return zap.String("user_id", clip(uid, idFieldLimit))
}
