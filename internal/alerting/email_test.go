package alerting

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmailSinkSend(t *testing.T) {
	sink, err := NewEmailSink(EmailOptions{Host: "smtp.example.com", Port: 587, From: "CryptoAlarm <alerts@example.com>"}, testLogger())
	require.NoError(t, err)
	sink.now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }

	var gotTo string
	var gotMsg []byte
	sink.send = func(_ context.Context, _ EmailOptions, to string, msg []byte) error {
		gotTo, gotMsg = to, msg
		return nil
	}

	ref, err := sink.Send(context.Background(), "user@example.com", testEvent())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ref, "email_rule-1_"))
	assert.Equal(t, "user@example.com", gotTo)

	body := string(gotMsg)
	assert.Contains(t, body, "To: user@example.com\r\n")
	assert.Contains(t, body, "Subject: CryptoAlarm: BTCUSDT alert\r\n")
	assert.Contains(t, body, "Bitcoin has risen above $50,000.00")
}

func TestEmailSinkPropagatesError(t *testing.T) {
	sink, err := NewEmailSink(EmailOptions{Host: "smtp.example.com", Port: 25, From: "a@example.com"}, testLogger())
	require.NoError(t, err)
	sink.send = func(context.Context, EmailOptions, string, []byte) error { return errors.New("relay denied") }

	_, err = sink.Send(context.Background(), "user@example.com", testEvent())
	assert.EqualError(t, err, "relay denied")
}

func TestEmailOptionsValidate(t *testing.T) {
	_, err := NewEmailSink(EmailOptions{Port: 25, From: "a@b.c"}, testLogger())
	assert.Error(t, err)
	_, err = NewEmailSink(EmailOptions{Host: "h", From: "a@b.c"}, testLogger())
	assert.Error(t, err)
	_, err = NewEmailSink(EmailOptions{Host: "h", Port: 25}, testLogger())
	assert.Error(t, err)
}

func TestExtractAddress(t *testing.T) {
	assert.Equal(t, "alerts@example.com", extractAddress("CryptoAlarm <alerts@example.com>"))
	assert.Equal(t, "plain@example.com", extractAddress("plain@example.com"))
}
