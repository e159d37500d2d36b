package email

import (
	"context"
	"errors"
	"net"
	"net/textproto"
	"strings"
	"testing"

	"github.com/bissquit/notification-dispatch/internal/delivery"
	"github.com/bissquit/notification-dispatch/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSender_Validation(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name:    "enabled without smtp host",
			config:  Config{Enabled: true, FromAddress: "noreply@example.com"},
			wantErr: "SMTP host is required",
		},
		{
			name:    "enabled without from address",
			config:  Config{Enabled: true, SMTPHost: "smtp.example.com"},
			wantErr: "from address is required",
		},
		{
			name:   "disabled skips validation",
			config: Config{Enabled: false},
		},
		{
			name:   "valid config",
			config: Config{Enabled: true, SMTPHost: "smtp.example.com", FromAddress: "noreply@example.com"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender, err := NewSender(tt.config)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.Nil(t, sender)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, sender)
		})
	}
}

func TestNewSender_Defaults(t *testing.T) {
	sender, err := NewSender(Config{Enabled: true, SMTPHost: "smtp.example.com", FromAddress: "noreply@example.com"})
	require.NoError(t, err)

	assert.Equal(t, 587, sender.config.SMTPPort)
	assert.Nil(t, sender.auth)
	assert.Equal(t, domain.ChannelEmail, sender.Channel())
}

func TestSender_DisabledSkips(t *testing.T) {
	sender, err := NewSender(Config{})
	require.NoError(t, err)

	err = sender.Send(context.Background(), &domain.DeliveryJob{JobID: "j1", Endpoint: "ann@example.com"})
	assert.NoError(t, err)
}

func TestSender_InvalidRecipientIsPermanent(t *testing.T) {
	sender, err := NewSender(Config{Enabled: true, SMTPHost: "127.0.0.1", FromAddress: "noreply@example.com"})
	require.NoError(t, err)

	err = sender.Send(context.Background(), &domain.DeliveryJob{JobID: "j1", Endpoint: "not-an-address"})
	require.Error(t, err)
	assert.False(t, delivery.IsRetryable(err))
}

func TestBuildMessage(t *testing.T) {
	sender, err := NewSender(Config{Enabled: true, SMTPHost: "smtp.example.com", FromAddress: "Dispatch <noreply@example.com>"})
	require.NoError(t, err)

	msg := string(sender.buildMessage(&domain.DeliveryJob{
		JobID:         "j1",
		CorrelationID: "c1",
		Endpoint:      "ann@example.com",
		Message:       domain.RenderedMessage{Subject: "Welcome", Body: "Hi Ann"},
	}))

	assert.Contains(t, msg, "From: Dispatch <noreply@example.com>\r\n")
	assert.Contains(t, msg, "To: ann@example.com\r\n")
	assert.Contains(t, msg, "Subject: Welcome\r\n")
	assert.Contains(t, msg, "Message-ID: <j1@notification-dispatch>\r\n")
	assert.Contains(t, msg, "X-Correlation-ID: c1\r\n")
	assert.True(t, strings.HasSuffix(msg, "\r\n\r\nHi Ann"))
}

func TestExtractEmail(t *testing.T) {
	assert.Equal(t, "noreply@example.com", extractEmail("Dispatch <noreply@example.com>"))
	assert.Equal(t, "noreply@example.com", extractEmail("noreply@example.com"))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{name: "421 service unavailable", err: &textproto.Error{Code: 421, Msg: "try later"}, retryable: true},
		{name: "452 insufficient storage", err: &textproto.Error{Code: 452, Msg: "full"}, retryable: true},
		{name: "550 mailbox unavailable", err: &textproto.Error{Code: 550, Msg: "no such user"}, retryable: false},
		{name: "554 rejected", err: &textproto.Error{Code: 554, Msg: "rejected"}, retryable: false},
		{name: "network", err: &net.OpError{Op: "dial", Err: errors.New("connection refused")}, retryable: true},
		{name: "unknown", err: errors.New("eof"), retryable: true},
		{name: "already classified", err: delivery.NewPermanentError(errors.New("no tls")), retryable: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, delivery.IsRetryable(classify(tt.err)))
		})
	}
}

func TestSender_ConnectionRefusedIsRetryable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	sender, err := NewSender(Config{Enabled: true, SMTPHost: "127.0.0.1", SMTPPort: port, FromAddress: "noreply@example.com"})
	require.NoError(t, err)

	err = sender.Send(context.Background(), &domain.DeliveryJob{JobID: "j1", Endpoint: "ann@example.com"})
	require.Error(t, err)
	assert.True(t, delivery.IsRetryable(err))
}
