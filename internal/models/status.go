package models

// IntentStatus is the lifecycle state of an order intent
type IntentStatus string

const (
	IntentStatusCreated   IntentStatus = "INTENT_CREATED"
	IntentStatusConverted IntentStatus = "CONVERTED"
	IntentStatusCancelled IntentStatus = "CANCELLED"
	IntentStatusExpired   IntentStatus = "EXPIRED"
)

var intentTransitions = map[IntentStatus][]IntentStatus{
	IntentStatusCreated: {IntentStatusConverted, IntentStatusCancelled, IntentStatusExpired},
}

// CanTransitionTo reports whether moving from s to next is a legal transition
func (s IntentStatus) CanTransitionTo(next IntentStatus) bool {
	for _, allowed := range intentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible
func (s IntentStatus) Terminal() bool {
	return len(intentTransitions[s]) == 0
}

func (s IntentStatus) Valid() bool {
	switch s {
	case IntentStatusCreated, IntentStatusConverted, IntentStatusCancelled, IntentStatusExpired:
		return true
	}
	return false
}

// LockStatus is the lifecycle state of an inventory lock
type LockStatus string

const (
	LockStatusLocked    LockStatus = "LOCKED"
	LockStatusReleased  LockStatus = "RELEASED"
	LockStatusConverted LockStatus = "CONVERTED"
)

var lockTransitions = map[LockStatus][]LockStatus{
	LockStatusLocked: {LockStatusReleased, LockStatusConverted},
}

// CanTransitionTo reports whether moving from s to next is a legal transition
func (s LockStatus) CanTransitionTo(next LockStatus) bool {
	for _, allowed := range lockTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s LockStatus) Terminal() bool {
	return len(lockTransitions[s]) == 0
}
