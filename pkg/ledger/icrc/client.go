// Package icrc provides a ledger.Client for an ICRC-1-style token ledger
// reached through an HTTP gateway. Ledgers are addressed by an opaque
// identity; the gateway routes each call to the corresponding ledger.
package icrc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/meridianlabs/disperse/pkg/ledger"
)

const defaultTimeout = 15 * time.Second

type Config struct {
	Logger *slog.Logger
	// GatewayURL is the base URL of the ledger gateway.
	GatewayURL string
	// TransferRate caps outbound transfer submissions. Zero means no limit.
	TransferRate rate.Limit
	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.GatewayURL == "" {
		return errors.New("gateway url is required")
	}
	if _, err := url.Parse(cfg.GatewayURL); err != nil {
		return fmt.Errorf("invalid gateway url: %w", err)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultTimeout}
	}
	return nil
}

// Dialer creates per-ledger clients against a single gateway.
type Dialer struct {
	log     *slog.Logger
	cfg     Config
	limiter *rate.Limiter
}

func NewDialer(cfg Config) (*Dialer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var limiter *rate.Limiter
	if cfg.TransferRate > 0 {
		limiter = rate.NewLimiter(cfg.TransferRate, 1)
	}

	return &Dialer{
		log:     cfg.Logger,
		cfg:     cfg,
		limiter: limiter,
	}, nil
}

func (d *Dialer) Dial(ledgerID string) ledger.Client {
	return &client{
		log:      d.log,
		cfg:      d.cfg,
		limiter:  d.limiter,
		ledgerID: ledgerID,
	}
}

type client struct {
	log      *slog.Logger
	cfg      Config
	limiter  *rate.Limiter
	ledgerID string
}

type amountResponse struct {
	Amount uint64 `json:"amount"`
}

type transferRequest struct {
	To     string `json:"to"`
	Amount uint64 `json:"amount"`
}

type transferResponse struct {
	BlockIndex uint64 `json:"block_index"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *client) BalanceOf(ctx context.Context, account string) (uint64, error) {
	endpoint := fmt.Sprintf("%s/v1/ledgers/%s/balance?account=%s",
		c.cfg.GatewayURL, url.PathEscape(c.ledgerID), url.QueryEscape(account))

	var out amountResponse
	if err := c.get(ctx, endpoint, &out); err != nil {
		return 0, fmt.Errorf("failed to query balance: %w", err)
	}
	return out.Amount, nil
}

func (c *client) Fee(ctx context.Context) (uint64, error) {
	endpoint := fmt.Sprintf("%s/v1/ledgers/%s/fee", c.cfg.GatewayURL, url.PathEscape(c.ledgerID))

	var out amountResponse
	if err := c.get(ctx, endpoint, &out); err != nil {
		return 0, fmt.Errorf("failed to query transfer fee: %w", err)
	}
	return out.Amount, nil
}

// Transfer submits a single payment. Errors are classified for the engine:
// a 4xx response with an error body is a confirmed rejection; anything else
// (transport failure, timeout, 5xx, malformed response) is indeterminate
// because the gateway may have executed the transfer before failing.
func (c *client) Transfer(ctx context.Context, to string, amount uint64) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return &ledger.IndeterminateError{Err: err}
		}
	}

	endpoint := fmt.Sprintf("%s/v1/ledgers/%s/transfer", c.cfg.GatewayURL, url.PathEscape(c.ledgerID))

	body, err := json.Marshal(transferRequest{To: to, Amount: amount})
	if err != nil {
		return fmt.Errorf("failed to marshal transfer request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create transfer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return &ledger.IndeterminateError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var out transferResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return &ledger.IndeterminateError{Err: fmt.Errorf("failed to decode transfer response: %w", err)}
		}
		c.log.Debug("icrc: transfer confirmed", "to", to, "amount", amount, "block_index", out.BlockIndex)
		return nil

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		var out errorResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.Error.Code == "" {
			// A 4xx without a parseable ledger error is still a gateway-side
			// refusal before execution.
			return &ledger.RejectedError{
				Code:    fmt.Sprintf("http_%d", resp.StatusCode),
				Message: "gateway refused transfer",
			}
		}
		return &ledger.RejectedError{Code: out.Error.Code, Message: out.Error.Message}

	default:
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &ledger.IndeterminateError{
			Err: fmt.Errorf("unexpected status %d from gateway: %s", resp.StatusCode, payload),
		}
	}
}

func (c *client) get(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d from gateway: %s", resp.StatusCode, payload)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
