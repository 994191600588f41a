package models

type Status string

const (
	StatusNew        Status = "new"
	StatusProcessing Status = "processing"
	StatusDelivering Status = "delivering"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

var transitions = map[Status][]Status{
	StatusNew:        {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusDelivering, StatusCancelled},
	StatusDelivering: {StatusCompleted},
}

// forward is the operator-driven successor of each non-terminal state.
var forward = map[Status]Status{
	StatusNew:        StatusProcessing,
	StatusProcessing: StatusDelivering,
	StatusDelivering: StatusCompleted,
}

func ParseStatus(s string) (Status, bool) {
	switch st := Status(s); st {
	case StatusNew, StatusProcessing, StatusDelivering, StatusCompleted, StatusCancelled:
		return st, true
	}
	return "", false
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

func (s Status) CanTransition(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Next returns the single forward successor, if any.
func (s Status) Next() (Status, bool) {
	next, ok := forward[s]
	return next, ok
}

// Delivered reports whether credentials may be handed to the buyer in this state.
func (s Status) Delivered() bool {
	return s == StatusProcessing || s == StatusDelivering || s == StatusCompleted
}
