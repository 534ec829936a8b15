package ratelimit

import (
	"strings"
	"time"
)

type Category string

const (
	CategoryWebhook     Category = "webhook"
	CategoryInteractive Category = "interactive"
	CategoryAPI         Category = "api"
	CategoryMonitoring  Category = "monitoring"
	CategoryDefault     Category = "default"
)

// Policy is a fixed-window quota.
type Policy struct {
	Requests  int
	Window    time.Duration
	KeyPrefix string
}

// TTL is how long a counter outlives its window in the store.
func (p Policy) TTL() time.Duration {
	seconds := (p.Window + time.Second - 1) / time.Second
	return seconds*time.Second + 60*time.Second
}

// DefaultPolicies returns the built-in quota table.
func DefaultPolicies() map[Category]Policy {
	return map[Category]Policy{
		CategoryWebhook:     {Requests: 100, Window: time.Minute, KeyPrefix: "webhook"},
		CategoryInteractive: {Requests: 20, Window: time.Minute, KeyPrefix: "interactive"},
		CategoryAPI:         {Requests: 100, Window: time.Minute, KeyPrefix: "api"},
		CategoryMonitoring:  {Requests: 300, Window: time.Minute, KeyPrefix: "monitor"},
		CategoryDefault:     {Requests: 60, Window: time.Minute, KeyPrefix: "default"},
	}
}

// Policies returns the default table with window and per-category request
// overrides applied. Non-positive overrides are ignored.
func Policies(window time.Duration, requests map[Category]int) map[Category]Policy {
	policies := DefaultPolicies()
	for category, policy := range policies {
		if window > 0 {
			policy.Window = window
		}
		if n := requests[category]; n > 0 {
			policy.Requests = n
		}
		policies[category] = policy
	}
	return policies
}

// CategoryForPath maps a request path to its quota category.
func CategoryForPath(path string) Category {
	switch {
	case strings.HasPrefix(path, "/webhooks/"):
		return CategoryWebhook
	case strings.HasPrefix(path, "/interactive/"):
		return CategoryInteractive
	case strings.HasPrefix(path, "/api/"):
		return CategoryAPI
	case path == "/health", path == "/metrics", strings.HasPrefix(path, "/metrics/"):
		return CategoryMonitoring
	default:
		return CategoryDefault
	}
}
