// utils/env.go
package utils

import (
	"log"
	"os"
	"strconv"
	"time"
)

// EnvStr reads an environment variable, falling back to def with a warning.
func EnvStr(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Printf("⚠️  %s not set, using default: %s", key, def)
		return def
	}
	return v
}

// MustEnv reads a required environment variable and fails startup when missing.
func MustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("%s environment variable not set", key)
	}
	return v
}

func EnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("⚠️  %s is not a number (%q), using default: %d", key, v, def)
		return def
	}
	return n
}

func EnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("⚠️  %s is not a duration (%q), using default: %s", key, v, def)
		return def
	}
	return d
}
