package config

import (
	"errors"
	"strings"
)

// ValidateOrigins rejects CORS configurations that would widen the browser
// boundary: wildcards, plain HTTP (except localhost) and malformed values.
// Called at startup in production.
func ValidateOrigins(origins []string) error {
	for _, origin := range origins {
		if origin == "*" {
			return errors.New("wildcard CORS origin not allowed")
		}
		if origin == "" || strings.Contains(origin, " ") {
			return errors.New("invalid origin format")
		}
		if !strings.HasPrefix(origin, "https://") && !strings.HasPrefix(origin, "http://localhost") {
			return errors.New("only HTTPS origins allowed (except http://localhost for development)")
		}
	}
	return nil
}
