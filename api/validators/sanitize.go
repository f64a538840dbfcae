package validators

import (
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"

	pkgerrors "github.com/cloudphone/txcore/pkg/errors"
)

// Aggregate ids, saga ids and user ids all fit well inside this.
const maxPathParamLen = 128

// SanitizeString trims input and cuts it to at most maxLen bytes without
// splitting a UTF-8 sequence. maxLen <= 0 means no limit.
func SanitizeString(input string, maxLen int) string {
	s := strings.TrimSpace(input)
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// PathParam returns a required chi URL parameter.
func PathParam(r *http.Request, key string) (string, error) {
	if value := SanitizeString(chi.URLParam(r, key), maxPathParamLen); value != "" {
		return value, nil
	}
	return "", pkgerrors.New(pkgerrors.CodeValidation, "path parameter required").WithDetails(map[string]any{"field": key})
}
