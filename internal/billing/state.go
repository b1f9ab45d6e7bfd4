package billing

import (
	"errors"
	"fmt"
)

// SubscriptionStatus is the state of a subscription row.
type SubscriptionStatus string

const (
	StatusIncomplete SubscriptionStatus = "incomplete"
	StatusActive     SubscriptionStatus = "active"
	StatusCancelled  SubscriptionStatus = "cancelled"
)

// ProfileStatus is the cached subscription summary on a profile.
type ProfileStatus string

const (
	ProfileStatusNone      ProfileStatus = "none"
	ProfileStatusActive    ProfileStatus = "active"
	ProfileStatusCancelled ProfileStatus = "cancelled"
)

// transitions is the closed set of allowed subscription state changes.
// A status may always "transition" to itself; refreshing period bounds on an
// already-active subscription is a legal write.
var transitions = map[SubscriptionStatus][]SubscriptionStatus{
	StatusIncomplete: {StatusActive, StatusCancelled},
	StatusActive:     {StatusCancelled},
	StatusCancelled:  {StatusActive},
}

// CanTransition reports whether a subscription may move from one status to
// another.
func CanTransition(from, to SubscriptionStatus) bool {
	if from == to {
		return true
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ProfileStatusFor maps a subscription status to the profile summary written
// alongside it.
func ProfileStatusFor(status SubscriptionStatus) ProfileStatus {
	switch status {
	case StatusActive:
		return ProfileStatusActive
	case StatusCancelled:
		return ProfileStatusCancelled
	default:
		return ProfileStatusNone
	}
}

// InvalidTransitionError reports an attempted state change outside the
// transition table.
type InvalidTransitionError struct {
	From SubscriptionStatus
	To   SubscriptionStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid subscription transition from %q to %q", e.From, e.To)
}

// IsInvalidTransitionError reports whether err is an InvalidTransitionError.
func IsInvalidTransitionError(err error) bool {
	var e *InvalidTransitionError
	return errors.As(err, &e)
}
