// Package keys centralizes Redis key construction for the job tracker.
// It is kept in internal to avoid leaking key formats to public API.
// Keys carry the queue as a hash tag so one queue's keys share a cluster slot.
package keys

// Unique returns the String key reserving job id in queue q for de-duplication.
func Unique(q, id string) string { return "batch:{" + q + "}:unique:" + id }

// Job returns the Hash key holding the status record of job id in queue q.
func Job(q, id string) string { return "batch:{" + q + "}:job:" + id }
