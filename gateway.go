package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"panicrelay/dialplan"
	"panicrelay/relay"
	"panicrelay/twilio"
)

// twilioGateway places alert calls and SMS through the Twilio REST API.
type twilioGateway struct {
	client *twilio.Client
	plan   *dialplan.Plan
	from   string
	twiml  string
	status string // status callback URL
	log    zerolog.Logger
}

func newTwilioGateway(cfg *Config, client *twilio.Client, plan *dialplan.Plan, logger zerolog.Logger) *twilioGateway {
	return &twilioGateway{
		client: client,
		plan:   plan,
		from:   cfg.TwilioPhoneNumber,
		twiml:  twilio.AlertTwiML(cfg.AlertMessage, cfg.AlertLanguage, cfg.AlertPause, cfg.StreamURL()),
		status: cfg.StatusCallbackURL(),
		log:    logger,
	}
}

var statusEvents = []string{"initiated", "ringing", "answered", "completed"}

func (g *twilioGateway) PlaceCall(ctx context.Context, to string) (relay.CallInfo, error) {
	dest, err := g.resolve(ctx, to)
	if err != nil {
		return relay.CallInfo{}, err
	}
	params := twilio.MakeCallParams{
		To:    dest,
		From:  g.from,
		Twiml: g.twiml,
	}
	if g.status != "" {
		params.StatusCallback = g.status
		params.StatusCallbackEvent = statusEvents
	}
	call, err := g.client.MakeCall(ctx, params)
	if err != nil {
		return relay.CallInfo{}, providerError("place call", err)
	}
	g.log.Info().Str("call", call.SID).Str("to", dest).Str("status", call.Status).Msg("call placed")
	return relay.CallInfo{ID: call.SID, Status: call.Status}, nil
}

func (g *twilioGateway) SendSMS(ctx context.Context, to, body string) (string, error) {
	dest, err := g.resolve(ctx, to)
	if err != nil {
		return "", err
	}
	msg, err := g.client.SendMessage(ctx, dest, g.from, body)
	if err != nil {
		return "", providerError("send sms", err)
	}
	g.log.Info().Str("sms", msg.SID).Str("to", dest).Msg("sms sent")
	return msg.SID, nil
}

func (g *twilioGateway) TerminateCall(ctx context.Context, callID string) error {
	if _, err := g.client.HangupCall(ctx, callID); err != nil {
		return providerError("terminate call", err)
	}
	return nil
}

func (g *twilioGateway) CallStatus(ctx context.Context, callID string) (relay.CallInfo, error) {
	call, err := g.client.GetCall(ctx, callID)
	if err != nil {
		return relay.CallInfo{}, providerError("fetch call", err)
	}
	return relay.CallInfo{ID: call.SID, Status: call.Status}, nil
}

func (g *twilioGateway) resolve(ctx context.Context, to string) (string, error) {
	dest, err := g.plan.Resolve(ctx, to)
	if err != nil {
		if errors.Is(err, dialplan.ErrInvalidNumber) || errors.Is(err, dialplan.ErrRejected) {
			return "", fmt.Errorf("%w: %s", relay.ErrInvalidDestination, to)
		}
		return "", fmt.Errorf("dial plan: %w", err)
	}
	return dest, nil
}

// providerError keeps provider-reported failures visible to clients and
// wraps everything else.
func providerError(op string, err error) error {
	var apiErr *twilio.Error
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%s: %w", op, &relay.ProviderError{
			Code:     apiErr.Code,
			Status:   apiErr.Status,
			Message:  apiErr.Message,
			MoreInfo: apiErr.MoreInfo,
		})
	}
	return fmt.Errorf("%s: %w", op, err)
}
