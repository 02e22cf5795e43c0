package credits

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing credit operation.
type OperationLog struct {
	Operation string
	AccountID AccountID
	EntryID   EntryID
	Delta     int64
	Reference string
	Status    string
	Error     error
}

// AuditEvent is one forensic record of a committed state transition.
// Details must not carry credentials; the sink additionally redacts values
// under secret-looking keys before logging.
type AuditEvent struct {
	Kind      string
	AccountID string
	Reference string
	Delta     int64
	Status    string
	Details   map[string]string
	AtUnixUTC int64
}

// AuditRecorder is the best-effort audit side channel. Implementations must
// never panic or block the caller; failures stay inside the recorder.
type AuditRecorder interface {
	Record(ctx context.Context, event AuditEvent)
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.opLogger = logger
	}
}

// WithAuditRecorder wires the audit sink called after each committed mutation.
func WithAuditRecorder(recorder AuditRecorder) ServiceOption {
	return func(service *Service) {
		service.audit = recorder
	}
}

// WithWelcomeGrant overrides the credits granted to a new account.
func WithWelcomeGrant(amount Credits) ServiceOption {
	return func(service *Service) {
		service.welcomeGrant = amount
	}
}

// WithGuestAllowance overrides the free-unit allowance per guest session.
func WithGuestAllowance(allowance int) ServiceOption {
	return func(service *Service) {
		if allowance > 0 {
			service.guestAllowance = allowance
		}
	}
}
