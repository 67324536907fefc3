/*
Package util contains functionality that's used across all other modules.
*/
package util

import (
	"fmt"
	"os"
	"strconv"
	"unicode/utf8"
)

const defaultPostgresPort = 5432

// GetDatabasePort reads the `DATABASE_PORT` env var, falls back to 5432
func GetDatabasePort() int {
	return GetEnvAsIntOrElse("DATABASE_PORT", defaultPostgresPort)
}

// GetEnvAsInt gets the environment variable and parses it into an integer
func GetEnvAsInt(env string) (int, error) {
	intStr := os.Getenv(env)
	if len(intStr) == 0 {
		return 0, fmt.Errorf("environment variable %s is not set", env)
	}
	parsed, err := strconv.Atoi(intStr)
	if err != nil {
		return 0, fmt.Errorf("environment variable %s (%q) is not a valid int: %w", env, intStr, err)
	}
	return parsed, nil
}

// GetEnvAsIntOrElse returns the given environment variable as an int, or
// the default value if it is unset or not a number
func GetEnvAsIntOrElse(env string, defaultValue int) int {
	parsed, err := GetEnvAsInt(env)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// GetEnvOrElse returns the value of the given environment
// variable, or the provided default value if the env variable
// does not exist
func GetEnvOrElse(env string, defaultValue string) string {
	found := os.Getenv(env)
	if len(found) == 0 {
		return defaultValue
	}
	return found
}

// Truncate shortens s to at most max runes, marking the cut with an
// ellipsis. Used to keep gateway error bodies in bounds before they are
// persisted or logged.
func Truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	if max <= 3 {
		return string(runes[:max])
	}
	return string(runes[:max-3]) + "..."
}
