package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/tidewatch/smartsos/shared"
	"github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/multierr"
)

type Sender interface {
	SendMessage(to, msg string) error
}

type ClientWrapper struct {
	client *twilio.RestClient
	config shared.TwilioConfig
	dryRun bool
}

// NewTwilioClient returns a client that only logs messages when dryRun is set.
func NewTwilioClient(config shared.TwilioConfig, dryRun bool) *ClientWrapper {
	client := twilio.NewRestClientWithParams(twilio.RestClientParams{
		Username: config.AccountSid,
		Password: config.AuthToken,
	})

	return &ClientWrapper{client: client, config: config, dryRun: dryRun}
}

func (cw *ClientWrapper) SendMessage(to, msg string) error {
	if cw.dryRun {
		logg.Infof("[twilio dry-run] to=%v msg=%q", to, msg)
		return nil
	}

	params := &openapi.CreateMessageParams{}
	params.SetMessagingServiceSid(cw.config.MessagingServiceSid)
	params.SetTo(to)
	params.SetBody(msg)

	resp, err := cw.client.ApiV2010.CreateMessage(params)
	if err != nil {
		return fmt.Errorf("SendMessage: %v", err)
	}

	if resp.ErrorMessage != nil {
		return fmt.Errorf("SendMessage: twilio rejected message to %v: %v", to, *resp.ErrorMessage)
	}

	return nil
}

// TwilioGateway texts the authority path: the configured authority numbers
// first, then the user's emergency contacts in priority order. Peers are not
// reachable by SMS and are skipped.
type TwilioGateway struct {
	sender           Sender
	authorityNumbers []string
}

func NewTwilioGateway(sender Sender, authorityNumbers []string) *TwilioGateway {
	return &TwilioGateway{sender: sender, authorityNumbers: authorityNumbers}
}

func (g *TwilioGateway) NotifyPeer(context.Context, string, Summary) error {
	return nil
}

func (g *TwilioGateway) NotifyAuthority(ctx context.Context, s Summary) error {
	var errs error
	msg := EscalationText(s)

	for _, to := range g.recipients(s) {
		if ctx.Err() != nil {
			return multierr.Append(errs, ctx.Err())
		}
		errs = multierr.Append(errs, g.sender.SendMessage(to, msg))
	}

	return errs
}

func (g *TwilioGateway) recipients(s Summary) []string {
	seen := make(map[string]bool)
	numbers := []string{}

	add := func(n string) {
		n = strings.TrimSpace(n)
		if n == "" || seen[n] {
			return
		}
		seen[n] = true
		numbers = append(numbers, n)
	}

	for _, n := range g.authorityNumbers {
		add(n)
	}
	for _, c := range s.Contacts {
		add(c.PhoneNumber)
	}

	return numbers
}

// EscalationText renders the SMS body sent when an alert escalates.
func EscalationText(s Summary) string {
	text := fmt.Sprintf(
		"SOS ESCALATION\nUser %v has not canceled alert %v.\nLocation: %.6f, %.6f\nBorder zone: %v",
		s.UserID, s.AlertID, s.Latitude, s.Longitude, s.BorderZone)

	if s.DistanceFromBorder != nil {
		text += fmt.Sprintf(" (%.1fkm)", *s.DistanceFromBorder)
	}

	text += fmt.Sprintf("\nRaised: %v", s.CreatedAt.UTC().Format("2006-01-02 15:04:05 MST"))

	if s.Message != "" {
		text += "\n" + s.Message
	}

	return text
}
