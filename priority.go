package batch

// Priority orders jobs on queues declared with x-max-priority. Higher values
// are delivered first when the broker honors priorities.
type Priority uint8

const (
	// PriorityTrivial is the lowest priority.
	PriorityTrivial Priority = iota
	// PriorityLow sits between trivial and normal.
	PriorityLow
	// PriorityNormal is the default priority.
	PriorityNormal
	// PriorityHigh sits between normal and critical.
	PriorityHigh
	// PriorityCritical is the highest priority.
	PriorityCritical
)

// MaxPriority is the x-max-priority declared on work queues.
const MaxPriority = PriorityCritical

var priorityNames = [...]string{"trivial", "low", "normal", "high", "critical"}

// String returns the lowercase priority name.
func (p Priority) String() string {
	if int(p) < len(priorityNames) {
		return priorityNames[p]
	}
	return "unknown"
}

// ParsePriority converts a priority name into a Priority.
func ParsePriority(s string) (Priority, error) {
	for i, name := range priorityNames {
		if s == name {
			return Priority(i), nil
		}
	}
	return PriorityNormal, ErrInvalidPriority
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (p Priority) MarshalText() ([]byte, error) {
	if int(p) >= len(priorityNames) {
		return nil, ErrInvalidPriority
	}
	return []byte(p.String()), nil
}
