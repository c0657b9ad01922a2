package service

// ErrInvalidRequest reports a coordinator request that cannot be
// answered at all, as opposed to one answered with a nack.
type ErrInvalidRequest struct {
	Message string
}

func (e ErrInvalidRequest) Error() string {
	return "invalid request: " + e.Message
}

func NewErrInvalidRequest(message string) *ErrInvalidRequest {
	return &ErrInvalidRequest{Message: message}
}
