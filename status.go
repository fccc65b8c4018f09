package batch

// Status is the lifecycle state of a job as recorded by a Tracker.
// Use the exported constants instead of raw strings to avoid typos.
type Status string

const (
	// StatusPending means the job was published and not yet received by a worker.
	StatusPending Status = "pending"
	// StatusStarted means a worker is executing the job.
	StatusStarted Status = "started"
	// StatusRetrying means the last attempt failed and a retry is scheduled.
	StatusRetrying Status = "retrying"
	// StatusSucceeded means the job completed successfully.
	StatusSucceeded Status = "succeeded"
	// StatusFailed means the job was dead-lettered; see the recorded Failure.
	StatusFailed Status = "failed"
)

// AllStatuses lists every valid status in lifecycle order.
var AllStatuses = []Status{StatusPending, StatusStarted, StatusRetrying, StatusSucceeded, StatusFailed}

// String returns the raw string value of the status.
func (s Status) String() string { return string(s) }

// Terminal reports whether no further transitions are expected.
func (s Status) Terminal() bool { return s == StatusSucceeded || s == StatusFailed }

// ParseStatus converts a string into a Status, returning an error for unknown values.
func ParseStatus(s string) (Status, error) {
	for _, st := range AllStatuses {
		if s == string(st) {
			return st, nil
		}
	}
	return "", ErrUnknownStatus
}
