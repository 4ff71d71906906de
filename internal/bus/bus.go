// Package bus publishes targeted refresh signals to the event-bus
// broker. Delivery is fire-and-forget and at-least-once: receivers are
// expected to be idempotent, so a dropped-and-retried message is never
// a correctness problem, only a latency one.
package bus

import (
	"context"
	"fmt"
	"regexp"
)

// Publisher is the outbound adapter port to the event-bus broker. The
// payload is empty by design — receivers reconcile via their own pull;
// only the destination carries information.
type Publisher interface {
	Publish(ctx context.Context, destination string) error
}

var destinationPattern = regexp.MustCompile(`^(\*|[a-zA-Z0-9_-]+)(:(\*|[a-zA-Z0-9_-]+))?$`)

// ValidDestination reports whether destination matches the grammar
// `<serviceId>[:<instanceId>]` with `*` as wildcard for either segment.
func ValidDestination(destination string) bool {
	return destinationPattern.MatchString(destination)
}

// Instance builds the destination targeting a single instance.
func Instance(serviceID, instanceID string) string {
	return fmt.Sprintf("%s:%s", serviceID, instanceID)
}

// Service builds the destination targeting every instance of a service.
func Service(serviceID string) string {
	return fmt.Sprintf("%s:*", serviceID)
}

// All builds the destination targeting every instance of every service.
func All() string {
	return "*"
}
