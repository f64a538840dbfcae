package validators

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	pkgerrors "github.com/cloudphone/txcore/pkg/errors"
)

func queryValue(r *http.Request, key string) string {
	return strings.TrimSpace(r.URL.Query().Get(key))
}

func invalidQuery(key, message string, extra ...any) error {
	details := map[string]any{"field": key}
	for i := 0; i+1 < len(extra); i += 2 {
		details[extra[i].(string)] = extra[i+1]
	}
	return pkgerrors.New(pkgerrors.CodeValidation, message).WithDetails(details)
}

// ParseQueryInt reads an integer in [min, max], or defaultVal when absent.
func ParseQueryInt(r *http.Request, key string, defaultVal, min, max int) (int, error) {
	raw := queryValue(r, key)
	if raw == "" {
		return defaultVal, nil
	}
	value, err := strconv.Atoi(raw)
	switch {
	case err != nil:
		return 0, invalidQuery(key, "query parameter must be numeric")
	case value < min || value > max:
		return 0, invalidQuery(key, "query parameter out of range", "min", min, "max", max)
	}
	return value, nil
}

// ParseQueryVersion reads a positive aggregate version. Zero means absent.
func ParseQueryVersion(r *http.Request, key string) (int64, error) {
	raw := queryValue(r, key)
	if raw == "" {
		return 0, nil
	}
	if value, err := strconv.ParseInt(raw, 10, 64); err == nil && value > 0 {
		return value, nil
	}
	return 0, invalidQuery(key, "query parameter must be a positive version")
}

// ParseQueryTime reads an RFC3339 timestamp as UTC. Nil means absent.
func ParseQueryTime(r *http.Request, key string) (*time.Time, error) {
	raw := queryValue(r, key)
	if raw == "" {
		return nil, nil
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, invalidQuery(key, "query parameter must be an RFC3339 timestamp")
	}
	at = at.UTC()
	return &at, nil
}
