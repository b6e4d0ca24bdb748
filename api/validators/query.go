package validators

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/angelmondragon/immsbatch/pkg/enums"
	pkgerrors "github.com/angelmondragon/immsbatch/pkg/errors"
)

func ParseQueryInt(r *http.Request, key string, defaultVal, min, max int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return defaultVal, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "query parameter must be numeric").WithDetails(map[string]any{"field": key})
	}
	if value < min || value > max {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "query parameter out of range").WithDetails(map[string]any{"field": key, "min": min, "max": max})
	}
	return value, nil
}

// ParseQueryStatuses reads a comma-separated list of audit statuses.
func ParseQueryStatuses(r *http.Request, key string) ([]enums.AuditStatus, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return nil, nil
	}
	var out []enums.AuditStatus
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		status, err := enums.ParseAuditStatus(part)
		if err != nil {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "unknown status").WithDetails(map[string]any{"field": key, "value": part})
		}
		out = append(out, status)
	}
	return out, nil
}

// RequiredQuery returns a trimmed, non-empty query parameter.
func RequiredQuery(r *http.Request, key string) (string, error) {
	value := strings.TrimSpace(r.URL.Query().Get(key))
	if value == "" {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "query parameter is required").WithDetails(map[string]any{"field": key})
	}
	return value, nil
}
