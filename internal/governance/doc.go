// Package governance throttles callers of the admin endpoints with per-key token buckets.
package governance
