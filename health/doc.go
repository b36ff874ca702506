// Package health tracks the health of relay components.
//
// Statuses are "healthy", "degraded" or "unhealthy". Components either
// push their state with Update or register a Check that Monitor.Run polls.
// AggregateHealth rolls everything up for the /health endpoint: any unhealthy
// component makes the relay unhealthy, otherwise any degraded one makes it
// degraded.
//
// Messages built with FromError are sanitized, since the health endpoint is
// served without authentication.
package health
