// Package sweeper runs the periodic maintenance loops: approval
// expiry, approval retention pruning, and tracker TTL eviction.
package sweeper
