package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog"

	"cryptoalarm/internal/rules"
)

// TwilioOptions hold the REST credentials shared by voice and SMS sinks.
type TwilioOptions struct {
	AccountSID string
	AuthToken  string
	From       string
	APIBase    string
	Timeout    time.Duration
}

// TwilioSink places voice calls or sends SMS through the Twilio REST API.
type TwilioSink struct {
	channel rules.Channel
	opts    TwilioOptions
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
}

// NewTwilioSink builds a sink for ChannelVoice or ChannelSMS.
func NewTwilioSink(channel rules.Channel, opts TwilioOptions, logger zerolog.Logger) (*TwilioSink, error) {
	if channel != rules.ChannelVoice && channel != rules.ChannelSMS {
		return nil, fmt.Errorf("twilio does not serve channel %q", channel)
	}
	if opts.AccountSID == "" || opts.AuthToken == "" || opts.From == "" {
		return nil, fmt.Errorf("twilio account_sid, auth_token and from are required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.APIBase == "" {
		opts.APIBase = "https://api.twilio.com"
	}

	return &TwilioSink{
		channel: channel,
		opts:    opts,
		baseURL: strings.TrimRight(opts.APIBase, "/"),
		client:  &http.Client{Timeout: opts.Timeout},
		logger:  logger.With().Str("component", "alert_twilio").Str("channel", string(channel)).Logger(),
	}, nil
}

func (s *TwilioSink) Channel() rules.Channel { return s.channel }

// Send calls the Calls API for voice and the Messages API for SMS and
// returns the Twilio resource sid.
func (s *TwilioSink) Send(ctx context.Context, destination string, event rules.TriggerEvent) (string, error) {
	form := url.Values{}
	form.Set("To", CleanPhoneNumber(destination))
	form.Set("From", s.opts.From)

	resource := "Messages.json"
	if s.channel == rules.ChannelVoice {
		resource = "Calls.json"
		form.Set("Twiml", VoiceTwiML(event.Message))
	} else {
		form.Set("Body", event.Message)
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/%s", s.baseURL, url.PathEscape(s.opts.AccountSID), resource)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create twilio request: %w", err)
	}
	req.SetBasicAuth(s.opts.AccountSID, s.opts.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("send twilio request: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		SID     string `json:"sid"`
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	decodeErr := json.NewDecoder(resp.Body).Decode(&result)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if decodeErr == nil && result.Message != "" {
			return "", fmt.Errorf("twilio 响应码异常: %d: %s (code %d)", resp.StatusCode, result.Message, result.Code)
		}
		return "", fmt.Errorf("twilio 响应码异常: %d", resp.StatusCode)
	}
	if decodeErr != nil {
		return "", fmt.Errorf("decode twilio response: %w", decodeErr)
	}

	s.logger.Info().Str("rule_id", event.RuleID).Str("sid", result.SID).Msg("告警已发送 (Twilio)")
	return result.SID, nil
}

// CleanPhoneNumber keeps digits only, assumes a US number for ten digits
// and returns E.164 form.
func CleanPhoneNumber(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) == 10 && !strings.HasPrefix(digits, "1") {
		digits = "1" + digits
	}
	return "+" + digits
}

// VoiceTwiML reads message twice with a short pause in between.
func VoiceTwiML(message string) string {
	var escaped bytes.Buffer
	_ = xml.EscapeText(&escaped, []byte(message))
	m := escaped.String()
	return `<Response>` +
		`<Say voice="alice" language="en-US">Crypto Alarm Alert! ` + m + `</Say>` +
		`<Pause length="1"/>` +
		`<Say voice="alice" language="en-US">I repeat: ` + m + `</Say>` +
		`</Response>`
}

var _ Sink = (*TwilioSink)(nil)
