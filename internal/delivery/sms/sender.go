// Package sms delivers jobs as text messages through Twilio.
package sms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/bissquit/notification-dispatch/internal/delivery"
	"github.com/bissquit/notification-dispatch/internal/domain"
	"github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

// Config holds Twilio sender configuration.
type Config struct {
	Enabled       bool
	AccountSID    string
	AuthToken     string
	FromNumber    string
	DefaultRegion string
}

// messageAPI is the subset of the Twilio API used by Sender.
type messageAPI interface {
	CreateMessage(params *api.CreateMessageParams) (*api.ApiV2010Message, error)
}

// Sender delivers SMS jobs through Twilio.
type Sender struct {
	config Config
	api    messageAPI
}

// NewSender creates a new Twilio sender.
func NewSender(config Config) (*Sender, error) {
	if config.Enabled {
		if config.AccountSID == "" || config.AuthToken == "" {
			return nil, errors.New("sms sender: twilio credentials are required when enabled")
		}
		if config.FromNumber == "" {
			return nil, errors.New("sms sender: from number is required when enabled")
		}
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: config.AccountSID,
		Password: config.AuthToken,
	})

	slog.Info("sms sender configured",
		"enabled", config.Enabled,
		"from_number", config.FromNumber,
		"default_region", config.DefaultRegion,
	)

	return newSender(config, client.Api), nil
}

func newSender(config Config, messages messageAPI) *Sender {
	return &Sender{config: config, api: messages}
}

// Channel implements delivery.Sender.
func (s *Sender) Channel() domain.Channel {
	return domain.ChannelSMS
}

// Send implements delivery.Sender. job.Endpoint is the phone number.
func (s *Sender) Send(ctx context.Context, job *domain.DeliveryJob) error {
	if !s.config.Enabled {
		slog.Warn("sms sender disabled, skipping send", "job_id", job.JobID)
		return nil
	}

	to, err := Normalize(job.Endpoint, s.config.DefaultRegion)
	if err != nil {
		return delivery.NewPermanentError(err)
	}
	if err := ctx.Err(); err != nil {
		return delivery.NewRetryableError(err)
	}

	params := &api.CreateMessageParams{}
	params.SetBody(job.Message.Body)
	params.SetFrom(s.config.FromNumber)
	params.SetTo(to)

	resp, err := s.api.CreateMessage(params)
	if err != nil {
		return classify(err)
	}

	sid := ""
	if resp != nil && resp.Sid != nil {
		sid = *resp.Sid
	}
	slog.Debug("sms sent", "job_id", job.JobID, "sid", sid)
	return nil
}

// classify maps Twilio errors: 429 and 5xx are transient, other API
// rejections are permanent. Transport failures are transient.
func classify(err error) error {
	var restErr *twclient.TwilioRestError
	if errors.As(err, &restErr) {
		if restErr.Status == http.StatusTooManyRequests || restErr.Status >= 500 {
			return delivery.NewRetryableError(fmt.Errorf("twilio: %w", err))
		}
		return delivery.NewPermanentError(fmt.Errorf("twilio: %w", err))
	}
	return delivery.NewRetryableError(fmt.Errorf("twilio: %w", err))
}
