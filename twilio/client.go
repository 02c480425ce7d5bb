// Package twilio is a small client for the parts of the Twilio REST API the
// relay uses: outbound calls, SMS, number configuration and account checks.
package twilio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultBaseURL is the Twilio REST API root.
const DefaultBaseURL = "https://api.twilio.com/2010-04-01"

// Call statuses reported by Twilio.
const (
	StatusQueued     = "queued"
	StatusRinging    = "ringing"
	StatusInProgress = "in-progress"
	StatusCompleted  = "completed"
	StatusBusy       = "busy"
	StatusFailed     = "failed"
	StatusNoAnswer   = "no-answer"
	StatusCanceled   = "canceled"
)

// ErrMissingCredentials is returned by New without an account SID or token.
var ErrMissingCredentials = errors.New("twilio: account SID and auth token are required")

// Client is a Twilio API client.
type Client struct {
	accountSID string
	authToken  string
	baseURL    string
	httpClient *http.Client
}

// Config configures the Twilio client.
type Config struct {
	AccountSID string
	AuthToken  string
	BaseURL    string
	HTTPClient *http.Client
}

// New creates a new Twilio client.
func New(cfg Config) (*Client, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, ErrMissingCredentials
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		baseURL:    baseURL,
		httpClient: httpClient,
	}, nil
}

// AccountSID returns the account SID.
func (c *Client) AccountSID() string {
	return c.accountSID
}

// Call represents a Twilio call resource.
type Call struct {
	SID         string `json:"sid"`
	AccountSID  string `json:"account_sid"`
	To          string `json:"to"`
	From        string `json:"from"`
	Status      string `json:"status"`
	Direction   string `json:"direction"`
	Duration    string `json:"duration"`
	StartTime   string `json:"start_time"`
	EndTime     string `json:"end_time"`
	DateCreated string `json:"date_created"`
}

// MakeCallParams are parameters for making a call.
type MakeCallParams struct {
	To                  string
	From                string
	URL                 string
	Twiml               string
	StatusCallback      string
	StatusCallbackEvent []string
	Timeout             int
}

// MakeCall initiates an outbound call.
func (c *Client) MakeCall(ctx context.Context, params MakeCallParams) (*Call, error) {
	data := url.Values{}
	data.Set("To", params.To)
	data.Set("From", params.From)
	if params.URL != "" {
		data.Set("Url", params.URL)
	}
	if params.Twiml != "" {
		data.Set("Twiml", params.Twiml)
	}
	if params.StatusCallback != "" {
		data.Set("StatusCallback", params.StatusCallback)
		data.Set("StatusCallbackMethod", http.MethodPost)
	}
	for _, event := range params.StatusCallbackEvent {
		data.Add("StatusCallbackEvent", event)
	}
	if params.Timeout > 0 {
		data.Set("Timeout", strconv.Itoa(params.Timeout))
	}

	var call Call
	if err := c.post(ctx, c.accountPath("Calls.json"), data, &call); err != nil {
		return nil, err
	}
	return &call, nil
}

// GetCall retrieves a call by SID.
func (c *Client) GetCall(ctx context.Context, callSID string) (*Call, error) {
	var call Call
	if err := c.get(ctx, c.accountPath("Calls", callSID+".json"), &call); err != nil {
		return nil, err
	}
	return &call, nil
}

// UpdateCallParams are parameters for updating a call.
type UpdateCallParams struct {
	URL    string
	Twiml  string
	Status string // "completed" hangs up, "canceled" cancels a queued call
}

// UpdateCall modifies an in-progress call.
func (c *Client) UpdateCall(ctx context.Context, callSID string, params UpdateCallParams) (*Call, error) {
	data := url.Values{}
	if params.URL != "" {
		data.Set("Url", params.URL)
	}
	if params.Twiml != "" {
		data.Set("Twiml", params.Twiml)
	}
	if params.Status != "" {
		data.Set("Status", params.Status)
	}

	var call Call
	if err := c.post(ctx, c.accountPath("Calls", callSID+".json"), data, &call); err != nil {
		return nil, err
	}
	return &call, nil
}

// HangupCall ends a call.
func (c *Client) HangupCall(ctx context.Context, callSID string) (*Call, error) {
	return c.UpdateCall(ctx, callSID, UpdateCallParams{Status: StatusCompleted})
}

// Message represents a Twilio message resource.
type Message struct {
	SID          string `json:"sid"`
	To           string `json:"to"`
	From         string `json:"from"`
	Body         string `json:"body"`
	Status       string `json:"status"`
	ErrorCode    *int   `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

// SendMessage sends an SMS.
func (c *Client) SendMessage(ctx context.Context, to, from, body string) (*Message, error) {
	data := url.Values{}
	data.Set("To", to)
	data.Set("From", from)
	data.Set("Body", body)

	var msg Message
	if err := c.post(ctx, c.accountPath("Messages.json"), data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Account represents a Twilio account.
type Account struct {
	SID          string `json:"sid"`
	FriendlyName string `json:"friendly_name"`
	Status       string `json:"status"`
	Type         string `json:"type"`
}

// FetchAccount retrieves the account the client is authenticated as.
func (c *Client) FetchAccount(ctx context.Context) (*Account, error) {
	var acct Account
	if err := c.get(ctx, fmt.Sprintf("%s/Accounts/%s.json", c.baseURL, c.accountSID), &acct); err != nil {
		return nil, err
	}
	return &acct, nil
}

// PhoneNumber represents a Twilio incoming phone number.
type PhoneNumber struct {
	SID                 string `json:"sid"`
	PhoneNumber         string `json:"phone_number"`
	FriendlyName        string `json:"friendly_name"`
	VoiceURL            string `json:"voice_url"`
	VoiceMethod         string `json:"voice_method"`
	VoiceFallbackURL    string `json:"voice_fallback_url"`
	StatusCallback      string `json:"status_callback"`
	VoiceApplicationSID string `json:"voice_application_sid"`
	Capabilities        struct {
		Voice bool `json:"voice"`
		SMS   bool `json:"sms"`
		MMS   bool `json:"mms"`
	} `json:"capabilities"`
}

type phoneNumberList struct {
	PhoneNumbers []PhoneNumber `json:"incoming_phone_numbers"`
}

// ListPhoneNumbers returns all phone numbers on the account.
func (c *Client) ListPhoneNumbers(ctx context.Context) ([]PhoneNumber, error) {
	var list phoneNumberList
	if err := c.get(ctx, c.accountPath("IncomingPhoneNumbers.json"), &list); err != nil {
		return nil, err
	}
	return list.PhoneNumbers, nil
}

// GetPhoneNumber retrieves an incoming phone number by SID.
func (c *Client) GetPhoneNumber(ctx context.Context, sid string) (*PhoneNumber, error) {
	var pn PhoneNumber
	if err := c.get(ctx, c.accountPath("IncomingPhoneNumbers", sid+".json"), &pn); err != nil {
		return nil, err
	}
	return &pn, nil
}

// UpdatePhoneNumber applies form fields (VoiceUrl, StatusCallback, ...) to a
// phone number. Empty values clear the field.
func (c *Client) UpdatePhoneNumber(ctx context.Context, sid string, fields url.Values) (*PhoneNumber, error) {
	var pn PhoneNumber
	if err := c.post(ctx, c.accountPath("IncomingPhoneNumbers", sid+".json"), fields, &pn); err != nil {
		return nil, err
	}
	return &pn, nil
}

// Application represents a TwiML application.
type Application struct {
	SID          string `json:"sid"`
	FriendlyName string `json:"friendly_name"`
	VoiceURL     string `json:"voice_url"`
}

type applicationList struct {
	Applications []Application `json:"applications"`
}

// ListApplications returns the TwiML applications on the account.
func (c *Client) ListApplications(ctx context.Context) ([]Application, error) {
	var list applicationList
	if err := c.get(ctx, c.accountPath("Applications.json"), &list); err != nil {
		return nil, err
	}
	return list.Applications, nil
}

// DeleteApplication removes a TwiML application.
func (c *Client) DeleteApplication(ctx context.Context, sid string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.accountPath("Applications", sid+".json"), nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

// Error represents a Twilio API error.
type Error struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("twilio error %d: %s", e.Code, e.Message)
}

func (c *Client) accountPath(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return fmt.Sprintf("%s/Accounts/%s/%s", c.baseURL, c.accountSID, strings.Join(escaped, "/"))
}

func (c *Client) get(ctx context.Context, endpoint string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, result)
}

func (c *Client) post(ctx context.Context, endpoint string, data url.Values, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, result)
}

// do executes a request with authentication. Non-2xx answers become *Error
// when the body carries one.
func (c *Client) do(req *http.Request, result any) error {
	req.SetBasicAuth(c.accountSID, c.authToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("twilio %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read twilio response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &Error{Status: resp.StatusCode}
		if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Message == "" {
			return fmt.Errorf("twilio %s %s: http %d: %s", req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(body)))
		}
		if apiErr.Status == 0 {
			apiErr.Status = resp.StatusCode
		}
		return apiErr
	}

	if result != nil && len(body) > 0 {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}
