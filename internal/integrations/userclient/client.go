package userclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Dan9191/wallet-ledger/internal/apperr"
	"github.com/Dan9191/wallet-ledger/internal/auth"
	"github.com/Dan9191/wallet-ledger/internal/config"
	"github.com/Dan9191/wallet-ledger/internal/models"
)

const step = "user_service"

// Client calls the User service over HTTP
type Client struct {
	baseURL string
	secret  string
	client  *http.Client
	log     *logrus.Logger
}

// NewClient initializes a new User service client. Every call is bounded by
// cfg.UserServiceTimeout.
func NewClient(cfg *config.Config, log *logrus.Logger) *Client {
	return &Client{
		baseURL: cfg.UserServiceURL,
		secret:  cfg.JWTSecret,
		client: &http.Client{
			Timeout: cfg.UserServiceTimeout,
		},
		log: log,
	}
}

type envelope struct {
	Success   bool              `json:"success"`
	Message   string            `json:"message"`
	Data      json.RawMessage   `json:"data"`
	Errors    map[string]string `json:"errors"`
	ErrorKind apperr.Kind       `json:"error_kind"`
}

// GetAccount fetches one account
func (c *Client) GetAccount(ctx context.Context, id int64) (*models.Account, error) {
	var acc models.Account
	if err := c.do(ctx, http.MethodGet, "/users/"+strconv.FormatInt(id, 10), nil, nil, &acc); err != nil {
		return nil, err
	}
	return &acc, nil
}

// MutateBalance applies one balance mutation. The idempotency key travels both in the
// body and as the Idempotency-Key header.
func (c *Client) MutateBalance(ctx context.Context, id int64, req models.MutationRequest) (*models.MutationResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, apperr.Internal(step, "Failed to encode mutation", err)
	}

	token, err := auth.IssueServiceToken(c.secret, time.Now())
	if err != nil {
		return nil, apperr.Internal(step, "Failed to issue service token", err)
	}
	headers := map[string]string{
		"Content-Type":  "application/json",
		"Authorization": "Bearer " + token,
	}
	if req.IdempotencyKey != "" {
		headers["Idempotency-Key"] = req.IdempotencyKey
	}

	var res models.MutationResult
	path := "/users/" + strconv.FormatInt(id, 10) + "/balance"
	if err := c.do(ctx, http.MethodPatch, path, body, headers, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// do sends one request and decodes the envelope into out. Transport failures,
// timeouts and unreadable answers come back as upstream errors since the peer may
// or may not have acted on the request.
func (c *Client) do(ctx context.Context, method, path string, body []byte, headers map[string]string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return apperr.Internal(step, "Failed to create request", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return apperr.Upstream(step, "User service unreachable", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperr.Upstream(step, "Failed to read User service response", err)
	}
	c.log.WithFields(logrus.Fields{"method": method, "path": path, "status": resp.StatusCode}).
		Debug("User service response")

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return apperr.Upstream(step, fmt.Sprintf("Unexpected User service response (status %d)", resp.StatusCode), err)
	}

	if resp.StatusCode >= 300 || !env.Success {
		kind := env.ErrorKind
		if kind == "" {
			kind = apperr.FromHTTPStatus(resp.StatusCode)
		}
		if resp.StatusCode >= 500 && apperr.Definitive(&apperr.Error{Kind: kind}) {
			kind = apperr.KindUpstream
		}
		msg := env.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &apperr.Error{Kind: kind, Step: step, Message: msg, Fields: env.Errors}
	}

	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return apperr.Upstream(step, "Failed to decode User service data", err)
		}
	}
	return nil
}
