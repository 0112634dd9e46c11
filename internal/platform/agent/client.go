// Package agent is the client for the external monitoring agent that runs
// order commands, delivers messages and stores patient measurements.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Audience selects who receives a message.
type Audience int

const (
	AudienceBoth Audience = iota
	AudienceDoctor
	AudiencePatient
)

func (a Audience) String() string {
	switch a {
	case AudienceDoctor:
		return "doctor"
	case AudiencePatient:
		return "patient"
	default:
		return "both"
	}
}

// Message is a chat message sent on behalf of the agent.
type Message struct {
	Text       string
	Urgent     bool
	Audience   Audience
	NeedAnswer bool
}

// Record is a stored measurement.
type Record struct {
	Timestamp time.Time
	Value     float64
}

// RecordQuery selects measurements of one category. Zero times and limit
// mean unbounded.
type RecordQuery struct {
	Category string
	From     time.Time
	To       time.Time
	Limit    int
}

// Measurement is a value to store for the patient.
type Measurement struct {
	Category string
	Value    float64
}

type Config struct {
	Host    string
	APIKey  string
	AgentID string
	Timeout time.Duration
	RPS     float64
	Burst   int
}

// Client talks to the monitoring agent over HTTP. Every call is bounded by
// the configured timeout and paced by a shared rate limiter.
type Client struct {
	httpClient *http.Client
	host       string
	apiKey     string
	agentID    string
	timeout    time.Duration
	limiter    *rate.Limiter
	logger     zerolog.Logger
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

func New(cfg Config, logger zerolog.Logger, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	c := &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		host:       strings.TrimRight(cfg.Host, "/"),
		apiKey:     cfg.APIKey,
		agentID:    cfg.AgentID,
		timeout:    cfg.Timeout,
		limiter:    rate.NewLimiter(limit, cfg.Burst),
		logger:     logger,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type orderRequest struct {
	ContractID int64           `json:"contract_id"`
	APIKey     string          `json:"api_key"`
	AgentID    string          `json:"agent_id"`
	Order      string          `json:"order"`
	Params     json.RawMessage `json:"params,omitempty"`
	RequestID  string          `json:"request_id"`
}

// SendOrder runs a start or stop command. Only a response body of 1 counts
// as confirmation.
func (c *Client) SendOrder(ctx context.Context, contractID int64, command string, params json.RawMessage) Result {
	body, res := c.post(ctx, "/api/agents/order", orderRequest{
		ContractID: contractID,
		APIKey:     c.apiKey,
		AgentID:    c.agentID,
		Order:      command,
		Params:     params,
		RequestID:  uuid.NewString(),
	})
	if !res.OK() {
		return res
	}
	if strings.TrimSpace(string(body)) != "1" {
		return Result{Status: StatusFailure, Err: fmt.Errorf("%w: order %s answered %q", ErrRejected, command, truncate(body))}
	}
	return res
}

type messagePayload struct {
	Text        string `json:"text"`
	IsUrgent    bool   `json:"is_urgent"`
	OnlyDoctor  bool   `json:"only_doctor"`
	OnlyPatient bool   `json:"only_patient"`
	NeedAnswer  bool   `json:"need_answer"`
}

type messageRequest struct {
	ContractID int64          `json:"contract_id"`
	APIKey     string         `json:"api_key"`
	Message    messagePayload `json:"message"`
}

func (c *Client) SendMessage(ctx context.Context, contractID int64, msg Message) Result {
	_, res := c.post(ctx, "/api/agents/message", messageRequest{
		ContractID: contractID,
		APIKey:     c.apiKey,
		Message: messagePayload{
			Text:        msg.Text,
			IsUrgent:    msg.Urgent,
			OnlyDoctor:  msg.Audience == AudienceDoctor,
			OnlyPatient: msg.Audience == AudiencePatient,
			NeedAnswer:  msg.NeedAnswer,
		},
	})
	return res
}

type recordsRequest struct {
	ContractID int64  `json:"contract_id"`
	APIKey     string `json:"api_key"`
	Category   string `json:"category"`
	TimeFrom   int64  `json:"time_from,omitempty"`
	TimeTo     int64  `json:"time_to,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

type recordsResponse struct {
	Values []struct {
		Timestamp int64   `json:"timestamp"`
		Value     float64 `json:"value"`
	} `json:"values"`
}

// GetRecords fetches measurements in the order the agent returns them,
// newest first.
func (c *Client) GetRecords(ctx context.Context, contractID int64, q RecordQuery) ([]Record, Result) {
	req := recordsRequest{
		ContractID: contractID,
		APIKey:     c.apiKey,
		Category:   q.Category,
		Limit:      q.Limit,
	}
	if !q.From.IsZero() {
		req.TimeFrom = q.From.Unix()
	}
	if !q.To.IsZero() {
		req.TimeTo = q.To.Unix()
	}

	body, res := c.post(ctx, "/api/agents/records/get", req)
	if !res.OK() {
		return nil, res
	}
	var resp recordsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, Result{Status: StatusFailure, Err: fmt.Errorf("decode records: %w", err)}
	}
	out := make([]Record, 0, len(resp.Values))
	for _, v := range resp.Values {
		out = append(out, Record{Timestamp: time.Unix(v.Timestamp, 0).UTC(), Value: v.Value})
	}
	return out, res
}

type addRecordsRequest struct {
	ContractID int64         `json:"contract_id"`
	APIKey     string        `json:"api_key"`
	Values     []recordValue `json:"values"`
}

type recordValue struct {
	Category string  `json:"category"`
	Value    float64 `json:"value"`
	Time     int64   `json:"time"`
}

func (c *Client) AddRecords(ctx context.Context, contractID int64, values []Measurement) Result {
	if len(values) == 0 {
		return success()
	}
	now := time.Now().Unix()
	req := addRecordsRequest{ContractID: contractID, APIKey: c.apiKey}
	for _, m := range values {
		req.Values = append(req.Values, recordValue{Category: m.Category, Value: m.Value, Time: now})
	}
	_, res := c.post(ctx, "/api/agents/records/add", req)
	return res
}

// post sends payload as JSON and returns the response body of a 2xx answer.
func (c *Client) post(ctx context.Context, path string, payload any) ([]byte, Result) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, failed(fmt.Errorf("rate limit %s: %w", path, err))
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, failed(fmt.Errorf("encode %s: %w", path, err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+path, bytes.NewReader(data))
	if err != nil {
		return nil, failed(fmt.Errorf("build %s: %w", path, err))
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		res := failed(fmt.Errorf("post %s: %w", path, err))
		c.logger.Debug().Str("path", path).Str("outcome", res.Status.String()).Dur("duration", time.Since(start)).Msg("agent call failed")
		return nil, res
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, failed(fmt.Errorf("read %s: %w", path, err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return body, Result{Status: StatusFailure, Err: fmt.Errorf("%w: %s returned %d", ErrRejected, path, resp.StatusCode)}
	}
	c.logger.Debug().Str("path", path).Dur("duration", time.Since(start)).Msg("agent call")
	return body, success()
}

func truncate(b []byte) string {
	if len(b) > 64 {
		return string(b[:64]) + "..."
	}
	return string(b)
}
