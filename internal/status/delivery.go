package status

import (
	"errors"
	"fmt"
)

// Delivery is the delivery state of a single message.
type Delivery string

const (
	Pending   Delivery = "pending"
	Sent      Delivery = "sent"
	Delivered Delivery = "delivered"
	Read      Delivery = "read"
	Failed    Delivery = "failed"
)

// ErrBackward is returned when a transition would move a message's status
// backward or out of a terminal state.
var ErrBackward = errors.New("status: transition moves backward")

// rank orders the forward chain. Failed sits outside of it.
var rank = map[Delivery]int{
	Pending:   0,
	Sent:      1,
	Delivered: 2,
	Read:      3,
}

// Valid reports whether d is a known delivery status.
func (d Delivery) Valid() bool {
	if d == Failed {
		return true
	}
	_, ok := rank[d]
	return ok
}

// Terminal reports whether no further transition is possible from d.
func (d Delivery) Terminal() bool {
	return d == Read || d == Failed
}

// CanTransition reports whether from -> to is allowed. Forward skips along
// pending -> sent -> delivered -> read are allowed; failed is only reachable
// from pending. Staying in the same state is a no-op and allowed.
func CanTransition(from, to Delivery) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	if to == Failed {
		return from == Pending
	}
	if from == Failed {
		return false
	}
	return rank[to] > rank[from]
}

// Advance validates from -> to and returns the resulting status.
func Advance(from, to Delivery) (Delivery, error) {
	if !CanTransition(from, to) {
		return from, fmt.Errorf("%w: %s -> %s", ErrBackward, from, to)
	}
	return to, nil
}

// Merge returns the furthest of a and b. It is used when two views of the
// same message disagree, e.g. a late live event racing a local reconcile.
func Merge(a, b Delivery) Delivery {
	switch {
	case !a.Valid():
		return b
	case !b.Valid():
		return a
	case a == Failed || b == Failed:
		// A confirmed delivery beats a local failure marker.
		if a == Failed && b != Pending {
			return b
		}
		if b == Failed && a != Pending {
			return a
		}
		return Failed
	case rank[b] > rank[a]:
		return b
	default:
		return a
	}
}
