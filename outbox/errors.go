package outbox

import "errors"

var (
	ErrMessageRequired     = errors.New("outbox message is required")
	ErrMessageIDRequired   = errors.New("outbox message id is required")
	ErrServiceNameRequired = errors.New("outbox service name is required")
	ErrExchangeRequired    = errors.New("outbox exchange is required")
	ErrPayloadRequired     = errors.New("outbox message payload is required")
	ErrPayloadNotJSON      = errors.New("outbox message payload must be valid JSON")
	ErrRepositoryRequired  = errors.New("outbox repository is required")
	ErrPublisherRequired   = errors.New("broker publisher is required")
	ErrRegistryRequired    = errors.New("routing-key registry is required")
	ErrDispatcherRequired  = errors.New("outbox dispatcher is required")
	ErrDispatcherRunning   = errors.New("outbox dispatcher is already running")
	ErrTransactionRequired = errors.New("enqueue requires the caller's transaction")
	ErrStatusInvalid       = errors.New("invalid outbox status")
)
