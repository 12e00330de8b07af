// Package request holds the per-request data model shared by the broker
// pipeline: trust tiers, the request context, and the tool result union.
package request

import "sync"

// Tier is a caller's trust level, fixed per entry point.
type Tier string

const (
	TierUser  Tier = "user"
	TierAdmin Tier = "admin"
)

// IsValid reports whether t is a recognised tier.
func (t Tier) IsValid() bool {
	return t == TierUser || t == TierAdmin
}

// AWSContext carries the caller-supplied cloud scope for a request.
// These values are authoritative: the resolver always overwrites any
// model-proposed account_id/region/backend_url with them.
type AWSContext struct {
	AccountID      string
	Region         string
	BackendBaseURL string
}

// Context is the per-request aggregate. It is created once per inbound
// call and owned by that call; it is never shared across requests.
// All fields are read-only after construction except the correlation id,
// which is set exactly once.
type Context struct {
	Tier     Tier
	Prompt   string
	Metadata map[string]string
	AWS      AWSContext

	mu            sync.Mutex
	correlationID string
}

// SetCorrelationID records the correlation id for the request.
// First writer wins; later calls are ignored.
func (c *Context) SetCorrelationID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.correlationID == "" {
		c.correlationID = id
	}
}

// CorrelationID returns the request's correlation id, or "" if unset.
func (c *Context) CorrelationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.correlationID
}

// Meta returns the metadata value for key, or "" if absent.
func (c *Context) Meta(key string) string {
	if c.Metadata == nil {
		return ""
	}
	return c.Metadata[key]
}
