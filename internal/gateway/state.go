package gateway

// State is a step of the per-request pipeline.
type State string

// Progress states, in the order a successful request visits them.
const (
	StateStart              State = "start"
	StateCredentialResolved State = "credential_resolved"
	StateAdmissionCleared   State = "admission_cleared"
	StateStorageAcquired    State = "storage_acquired"
	StateOriginAuthorized   State = "origin_authorized"
	StateHandlerInvoked     State = "handler_invoked"
	StateReleased           State = "released"
	StateResponded          State = "responded"
)

// Terminal failure states.
const (
	StateUnauthorized       State = "unauthorized"
	StateForbidden          State = "forbidden"
	StateRateLimited        State = "rate_limited"
	StateStorageUnavailable State = "storage_unavailable"
	StateOriginRejected     State = "origin_rejected"
)

// StatePreflight marks an OPTIONS request answered without entering the pipeline proper.
const StatePreflight State = "preflight"

// Terminal reports whether s ends the pipeline early.
func (s State) Terminal() bool {
	switch s {
	case StateUnauthorized, StateForbidden, StateRateLimited, StateStorageUnavailable, StateOriginRejected:
		return true
	}
	return false
}

// Observer is notified of every state transition. It runs on the request goroutine.
type Observer func(requestID string, from, to State)
