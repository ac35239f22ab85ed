package job

type Status string

const (
	StatusQueued    Status = "queued"
	StatusActive    Status = "active"
	StatusFinished  Status = "finished"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusFinished, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether s -> to is a forward edge of the job lifecycle:
//
//	queued -> active | cancelled
//	active -> finished | failed | cancelled
func (s Status) CanTransition(to Status) bool {
	switch s {
	case StatusQueued:
		return to == StatusActive || to == StatusCancelled
	case StatusActive:
		return to.Terminal()
	}
	return false
}

func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusActive, StatusFinished, StatusFailed, StatusCancelled:
		return true
	}
	return false
}
