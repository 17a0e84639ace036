// Package httpledger implements simpleledger.LedgerTransport over the
// ledger network API. Every call passes through a circuit breaker; chunk
// uploads additionally wait on a rate limiter shared by all uploads.
package httpledger

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/tendant/simple-ledger/pkg/simpleledger"
	"github.com/tendant/simple-ledger/pkg/simpleledger/transport/wire"
)

// Config configures a Client. Endpoint, when set, overrides Protocol,
// Host and Port.
type Config struct {
	Protocol string
	Host     string
	Port     int
	Endpoint string

	HTTPClient *http.Client

	// RateLimit is chunk uploads per second; zero disables limiting.
	RateLimit float64
	RateBurst int

	// BreakerFailures consecutive server failures open the breaker for BreakerTimeout.
	BreakerFailures uint32
	BreakerTimeout  time.Duration

	Logger *slog.Logger
}

// BaseURL returns the ledger root URL.
func (c Config) BaseURL() string {
	if c.Endpoint != "" {
		return strings.TrimRight(c.Endpoint, "/")
	}
	protocol := c.Protocol
	if protocol == "" {
		protocol = "https"
	}
	return protocol + "://" + net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Client is a stateless ledger transport; it keeps no per-transaction state.
type Client struct {
	base    string
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

var _ simpleledger.LedgerTransport = (*Client)(nil)

// New creates a Client from cfg
func New(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" && cfg.Host == "" {
		return nil, fmt.Errorf("ledger host is required")
	}
	if cfg.Endpoint == "" && (cfg.Port <= 0 || cfg.Port > 65535) {
		return nil, fmt.Errorf("invalid ledger port %d", cfg.Port)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Transport: &http.Transport{
			DialContext:     (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
			MaxIdleConns:    32,
			IdleConnTimeout: 90 * time.Second,
		}}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}

	logger := cfg.Logger
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ledger",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		// Client errors say nothing about ledger health.
		IsSuccessful: func(err error) bool {
			return err == nil || !simpleledger.IsRetryable(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("ledger circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	})

	return &Client{
		base:    cfg.BaseURL(),
		http:    cfg.HTTPClient,
		limiter: rate.NewLimiter(limit, burst),
		breaker: breaker,
		logger:  logger,
	}, nil
}

// CreateTransaction registers the transaction with the ledger.
func (c *Client) CreateTransaction(ctx context.Context, params simpleledger.CreateParams, cred simpleledger.Credential) (*simpleledger.ContentTransaction, error) {
	if cred == nil {
		return nil, fmt.Errorf("%w: no credential", simpleledger.ErrAuth)
	}
	body, err := json.Marshal(wire.CreateRequest{
		DataSize:    len(params.Payload),
		DataRoot:    params.DataRoot.String(),
		ChunkCount:  len(params.Chunks),
		ContentType: params.ContentType,
		Owner:       cred.Owner(),
	})
	if err != nil {
		return nil, fmt.Errorf("encoding create request: %w", err)
	}

	var resp wire.CreateResponse
	err = c.do(ctx, "create", "", -1, &resp, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+wire.TxPath, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	if resp.ID == "" {
		return nil, &simpleledger.TransportError{Op: "create", Chunk: -1, Err: errors.New("ledger returned no transaction id")}
	}
	return simpleledger.NewContentTransaction(resp.ID, params, cred.Owner()), nil
}

// Sign signs tx locally; no network call is made.
func (c *Client) Sign(ctx context.Context, tx *simpleledger.ContentTransaction, cred simpleledger.Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return simpleledger.SignTransaction(tx, cred)
}

// SendChunk uploads chunk index of tx.
func (c *Client) SendChunk(ctx context.Context, tx *simpleledger.ContentTransaction, index int) error {
	if len(tx.Signature) == 0 {
		return fmt.Errorf("%w: tx %s is not signed", simpleledger.ErrAuth, tx.ID)
	}
	if index < 0 || index >= len(tx.Chunks) {
		return fmt.Errorf("%w: chunk %d out of range", simpleledger.ErrInvalidInput, index)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &simpleledger.TransportError{Op: "send_chunk", TxID: tx.ID, Chunk: index,
			Err: fmt.Errorf("%w: %w", simpleledger.ErrUploadIncomplete, err)}
	}

	data := tx.Chunk(index)
	signature := base64.RawURLEncoding.EncodeToString(tx.Signature)
	digest := simpleledger.ChunkDigest(data).String()

	var status wire.StatusResponse
	return c.do(ctx, "send_chunk", tx.ID, index, &status, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+wire.ChunkPath(tx.ID, index), bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		req.Header.Set(wire.HeaderSignature, signature)
		req.Header.Set(wire.HeaderChunkDigest, digest)
		return req, nil
	})
}

// IsComplete asks the ledger whether every chunk of tx has arrived.
func (c *Client) IsComplete(ctx context.Context, tx *simpleledger.ContentTransaction) (bool, error) {
	var status wire.StatusResponse
	err := c.do(ctx, "status", tx.ID, -1, &status, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.base+wire.StatusPath(tx.ID), nil)
	})
	if err != nil {
		return false, err
	}
	return status.Complete, nil
}

func (c *Client) do(ctx context.Context, op, txID string, chunk int, out interface{}, build func(context.Context) (*http.Request, error)) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := build(ctx)
		if err != nil {
			return nil, &simpleledger.TransportError{Op: op, TxID: txID, Chunk: chunk, Err: err}
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, &simpleledger.TransportError{Op: op, TxID: txID, Chunk: chunk, Retryable: true, Err: err}
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, statusError(op, txID, chunk, resp)
		}
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return nil, &simpleledger.TransportError{Op: op, TxID: txID, Chunk: chunk, Retryable: true,
					Err: fmt.Errorf("decoding response: %w", err)}
			}
		}
		return nil, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		c.logger.Debug("ledger call rejected by circuit breaker", "op", op, "tx_id", txID)
		return &simpleledger.TransportError{Op: op, TxID: txID, Chunk: chunk, Retryable: true, Err: err}
	}
	return err
}

func statusError(op, txID string, chunk int, resp *http.Response) error {
	var body wire.ErrorResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(raw, &body) != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(raw))
	}
	cause := fmt.Errorf("ledger returned %d: %s", resp.StatusCode, body.Error)

	terr := &simpleledger.TransportError{Op: op, TxID: txID, Chunk: chunk, Err: cause}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		terr.Err = fmt.Errorf("%w: %w", simpleledger.ErrAuth, cause)
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		terr.Retryable = true
	}
	return terr
}
