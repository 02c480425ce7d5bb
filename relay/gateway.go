package relay

import (
	"context"
	"errors"
	"fmt"
)

// CallInfo is the provider's view of a call.
type CallInfo struct {
	ID     string
	Status string
}

// Gateway is the telephony provider adapter used by the hub.
type Gateway interface {
	PlaceCall(ctx context.Context, to string) (CallInfo, error)
	SendSMS(ctx context.Context, to, body string) (string, error)
	TerminateCall(ctx context.Context, callID string) error
	CallStatus(ctx context.Context, callID string) (CallInfo, error)
}

// ProviderError is a failure reported by the telephony provider itself
// (authentication, rate limit, invalid number). Its message is safe to show
// to clients.
type ProviderError struct {
	Code     int
	Status   int
	Message  string
	MoreInfo string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error %d: %s", e.Code, e.Message)
}

// errorMessage turns a gateway error into the structured reply for a client.
// Only provider-supplied reasons and input errors are shown verbatim.
func errorMessage(err error) Message {
	var pe *ProviderError
	switch {
	case errors.As(err, &pe):
		return Message{Type: TypeError, Message: pe.Message, Code: pe.Code}
	case errors.Is(err, ErrInvalidDestination), errors.Is(err, ErrNoDestination), errors.Is(err, ErrNoBody):
		return Message{Type: TypeError, Message: err.Error()}
	default:
		return Message{Type: TypeError, Message: "telephony provider unavailable"}
	}
}
