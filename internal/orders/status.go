package orders

import "slices"

type Status string

const (
	StatusPending    Status = "pending"
	StatusConfirmed  Status = "confirmed"
	StatusProcessing Status = "processing"
	StatusShipped    Status = "shipped"
	StatusDelivered  Status = "delivered"
	StatusCancelled  Status = "cancelled"
	StatusRefunded   Status = "refunded"
)

// validNext is the order lifecycle. Statuses with an empty set are terminal.
var validNext = map[Status][]Status{
	StatusPending:    {StatusConfirmed, StatusCancelled},
	StatusConfirmed:  {StatusProcessing, StatusCancelled, StatusRefunded},
	StatusProcessing: {StatusShipped, StatusCancelled},
	StatusShipped:    {StatusDelivered},
	StatusDelivered:  {StatusRefunded},
	StatusCancelled:  {},
	StatusRefunded:   {},
}

func (s Status) Valid() bool {
	_, ok := validNext[s]
	return ok
}

func AllowedTransitions(from Status) []Status {
	return slices.Clone(validNext[from])
}

// CanTransition reports whether target is directly reachable from current.
func CanTransition(current, target Status) bool {
	return slices.Contains(validNext[current], target)
}

func IsTerminal(s Status) bool {
	return len(validNext[s]) == 0
}

func IsCancellable(s Status) bool {
	return CanTransition(s, StatusCancelled)
}

func IsRefundable(s Status) bool {
	return CanTransition(s, StatusRefunded)
}

// ValidateTransition returns a validation error naming the allowed targets
// when current -> target is not in the table.
func ValidateTransition(current, target Status) error {
	if CanTransition(current, target) {
		return nil
	}
	return &TransitionError{From: current, To: target, Allowed: AllowedTransitions(current)}
}

// PathTo returns the shortest chain of valid transitions leading from `from`
// to `to`, excluding `from` itself. It never routes through cancelled or
// refunded. ok is false when `to` is unreachable; an empty path with ok=true
// means from == to.
func PathTo(from, to Status) (path []Status, ok bool) {
	if from == to {
		return nil, true
	}
	prev := map[Status]Status{from: from}
	queue := []Status{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range validNext[cur] {
			if _, seen := prev[next]; seen {
				continue
			}
			if next != to && (next == StatusCancelled || next == StatusRefunded) {
				continue
			}
			prev[next] = cur
			if next == to {
				for s := to; s != from; s = prev[s] {
					path = append(path, s)
				}
				slices.Reverse(path)
				return path, true
			}
			queue = append(queue, next)
		}
	}
	return nil, false
}
