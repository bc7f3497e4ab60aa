package rdma

import (
	"errors"
)

// ErrProtocolViolation marks an event that is illegal for the record's
// current state.
var ErrProtocolViolation = errors.New("CM event illegal for connection state")

// action is the side effect the event loop must execute after a transition.
// The dispatcher only decides; the manager allocates, releases and notifies.
type action int

const (
	// actNone: advance the state tag, nothing else.
	actNone action = iota

	// actResolveRoute: request route resolution for the identifier.
	actResolveRoute

	// actRetryAddr / actRetryRoute: transient resolution failure below the
	// retry bound; re-issue the resolution request and bump the counter.
	actRetryAddr
	actRetryRoute

	// actConnect: allocate queue pair + completion queue + buffers and send
	// the connect request with the private payload.
	actConnect

	// actEstablish: activate the queue pair and notify the external caller
	// that the connection is usable.
	actEstablish

	// actTeardown: clean disconnect completed; release resources, remove
	// from the table, destroy the identifier, notify closure.
	actTeardown

	// actFail: unrecoverable failure; same release path as actTeardown but
	// the notification carries the failure reason.
	actFail

	// actIgnore: duplicate delivery of a terminal event; no state change,
	// no resource movement.
	actIgnore

	// actViolation: event illegal for the state and not idempotent-safe;
	// logged and escalated to the error path.
	actViolation
)

// decision is the outcome of dispatching one event against one record:
// the state to advance to and the side effect to run. For actIgnore and
// actViolation next is the unchanged current state.
type decision struct {
	next State
	act  action
}

// decide maps (role, state, event) to a transition. It is deterministic and
// has no side effects, so the whole transition graph is testable without a
// transport. retries is the number of resolution retries already spent,
// maxRetries the configured ceiling.
func decide(role Role, st State, ev EventType, retries, maxRetries int) decision {
	switch ev {
	case EventAddrResolved:
		if role == RoleClient && st == StateAddrResolving {
			return decision{next: StateAddrResolved, act: actResolveRoute}
		}

	case EventAddrError:
		if role == RoleClient && st == StateAddrResolving {
			if retries < maxRetries {
				return decision{next: StateAddrResolving, act: actRetryAddr}
			}

			return decision{next: StateError, act: actFail}
		}

	case EventRouteResolved:
		if role == RoleClient && st == StateRouteResolving {
			return decision{next: StateRouteResolved, act: actConnect}
		}

	case EventRouteError:
		if role == RoleClient && st == StateRouteResolving {
			if retries < maxRetries {
				return decision{next: StateRouteResolving, act: actRetryRoute}
			}

			return decision{next: StateError, act: actFail}
		}

	case EventEstablished:
		if st == StateConnecting || st == StateConnectRequested {
			return decision{next: StateEstablished, act: actEstablish}
		}

		// Duplicate delivery after establishment is a no-op.
		if st == StateEstablished {
			return decision{next: st, act: actIgnore}
		}

	case EventDisconnected:
		if st == StateEstablished || st == StateDisconnecting {
			return decision{next: StateDisconnected, act: actTeardown}
		}

		// Transports may deliver terminal events more than once.
		if st == StateDisconnected || st == StateError || st == StateDestroyed {
			return decision{next: st, act: actIgnore}
		}

	case EventRejected, EventUnreachable, EventError:
		if st.terminal() || st == StateError || st == StateDisconnected {
			return decision{next: st, act: actIgnore}
		}

		return decision{next: StateError, act: actFail}

	case EventConnectRequest:
		// Connect requests arrive on listener identifiers and never target
		// an existing record.
	}

	return decision{next: st, act: actViolation}
}

// failureReason maps an error-class event to the sentinel reported to the
// notification layer when the transport gives no more specific error.
func failureReason(ev Event) error {
	if ev.Err != nil {
		return ev.Err
	}

	switch ev.Type {
	case EventRejected:
		return ErrConnectionRejected
	case EventUnreachable:
		return ErrPeerUnreachable
	case EventAddrError, EventRouteError:
		return ErrRetriesExhausted
	default:
		return ErrConnectionFailed
	}
}
