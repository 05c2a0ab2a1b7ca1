package middleware

import "strings"

// MaskToken маскирует токен сессии в логах.
func MaskToken(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= 6 {
		return "****"
	}
	return s[:6] + "***"
}
