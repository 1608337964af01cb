package protocol

// Error codes surfaced on the wire in error envelopes.
const (
	ErrCodeAgentNotFound    = "AGENT_NOT_FOUND"
	ErrCodeServiceNotFound  = "SERVICE_NOT_FOUND"
	ErrCodeServerNotFound   = "SERVER_NOT_FOUND"
	ErrCodeTaskNotFound     = "TASK_NOT_FOUND"
	ErrCodeUnsupportedType  = "UNSUPPORTED_TYPE"
	ErrCodeInvalidPayload   = "INVALID_PAYLOAD"
	ErrCodeDuplicateID      = "DUPLICATE_ID"
	ErrCodeNotRegistered    = "NOT_REGISTERED"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeDeliveryFailed   = "DELIVERY_FAILED"
	ErrCodeToolCallFailed   = "TOOL_CALL_FAILED"
	ErrCodeServerStopped    = "SERVER_STOPPED"
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeInternal         = "INTERNAL_ERROR"
)
