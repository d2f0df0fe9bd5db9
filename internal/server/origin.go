package server

import (
	"net/http"
	"strings"
)

// OriginChecker decides which browser origins may open a socket. Requests
// without an Origin header come from non-browser clients and are allowed.
type OriginChecker struct {
	allowed []string
}

func NewOriginChecker(allowed []string) *OriginChecker {
	return &OriginChecker{
		allowed: allowed,
	}
}

func (c *OriginChecker) Check(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	for _, allowed := range c.allowed {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}

	return false
}
