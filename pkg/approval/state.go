package approval

import "errors"

type State string

const (
	Pending  State = "PENDING"
	Consumed State = "CONSUMED"
	Expired  State = "EXPIRED"
)

var ErrInvalidTransition = errors.New("invalid approval transition")

func CanTransition(from, to State) bool {
	switch from {
	case Pending:
		return to == Consumed || to == Expired
	default:
		return false
	}
}

func Transition(from, to State) (State, error) {
	if !CanTransition(from, to) {
		return from, ErrInvalidTransition
	}
	return to, nil
}

func IsTerminal(s State) bool {
	return s == Consumed || s == Expired
}
