package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Resolver answers configuration lookups from the process environment,
// a KEY=VALUE file and caller supplied defaults, in that order.
type Resolver struct {
	file   map[string]string
	lookup func(string) (string, bool)
}

// NewResolver reads path if it exists. A missing or unreadable file is
// treated as empty.
func NewResolver(path string) *Resolver {
	file, err := godotenv.Read(path)
	if err != nil {
		file = map[string]string{}
	}
	return &Resolver{file: file, lookup: os.LookupEnv}
}

// Get returns the value for key. An empty process variable counts as unset.
func (r *Resolver) Get(key, defaultValue string) string {
	if value, ok := r.lookup(key); ok && value != "" {
		return value
	}
	if value, ok := r.file[key]; ok {
		return value
	}
	return defaultValue
}

// First returns the first key that resolves to a non-empty value.
func (r *Resolver) First(keys []string, defaultValue string) string {
	for _, key := range keys {
		if value := r.Get(key, ""); value != "" {
			return value
		}
	}
	return defaultValue
}

func (r *Resolver) Bool(key string, defaultValue bool) bool {
	value := r.Get(key, "")
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// Duration accepts Go durations ("90s") and bare integers as seconds.
func (r *Resolver) Duration(key string, defaultValue time.Duration) time.Duration {
	value := r.Get(key, "")
	if value == "" {
		return defaultValue
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// List splits a comma separated value, dropping blanks.
func (r *Resolver) List(key string) []string {
	var out []string
	for _, item := range strings.Split(r.Get(key, ""), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
