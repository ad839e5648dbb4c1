// Copyright 2025 James Ross
package gateway

import (
	"bytes"
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

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/bundleforge/fulfillment/internal/arweave"
)

// Client is an HTTP Gateway implementation. Transient failures (5xx, 429,
// transport errors) are retried with exponential backoff; 4xx responses fail
// immediately.
type Client struct {
	baseURL    string
	ratesURL   string
	httpClient *http.Client
	maxRetries uint64
	log        *zap.Logger
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.httpClient = h } }
func WithMaxRetries(n uint64) Option       { return func(c *Client) { c.maxRetries = n } }
func WithRatesURL(u string) Option         { return func(c *Client) { c.ratesURL = u } }

const defaultRatesURL = "https://api.coingecko.com/api/v3/simple/price?ids=arweave&vs_currencies=usd"

func NewClient(baseURL string, timeout time.Duration, log *zap.Logger, opts ...Option) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		ratesURL:   defaultRatesURL,
		httpClient: &http.Client{Timeout: timeout},
		maxRetries: 8,
		log:        log,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type httpStatusError struct {
	code int
	body string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("gateway responded %d: %s", e.code, e.body)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var out []byte
	op := func() error {
		var rdr io.Reader
		if body != nil {
			rdr = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, path, rdr)
		if err != nil {
			return backoff.Permanent(err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}
		if resp.StatusCode >= 400 {
			herr := &httpStatusError{code: resp.StatusCode, body: strings.TrimSpace(string(data))}
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				return herr
			}
			return backoff.Permanent(herr)
		}
		out = data
		return nil
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.maxRetries), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, c.baseURL+path, nil)
}

func (c *Client) post(ctx context.Context, path string, body []byte) error {
	_, err := c.do(ctx, http.MethodPost, c.baseURL+path, body)
	return err
}

func (c *Client) PostBundleTx(ctx context.Context, tx *arweave.Transaction) error {
	tx.PrepareForJSON()
	raw, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("marshal bundle tx: %w", err)
	}
	return c.post(ctx, "/tx", raw)
}

func (c *Client) UploadChunk(ctx context.Context, chunk *arweave.ChunkUpload) error {
	raw, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("marshal chunk: %w", err)
	}
	return c.post(ctx, "/chunk", raw)
}

func (c *Client) GetTxStatus(ctx context.Context, txID string) (*TxStatus, error) {
	data, err := c.do(ctx, http.MethodGet, c.baseURL+"/tx/"+url.PathEscape(txID)+"/status", nil)
	if err != nil {
		var herr *httpStatusError
		if errors.As(err, &herr) && (herr.code == http.StatusNotFound || herr.code == http.StatusGone) {
			return &TxStatus{Found: false}, nil
		}
		return nil, err
	}
	// pending transactions return the literal body "Pending"
	if strings.EqualFold(strings.TrimSpace(string(data)), "pending") {
		return &TxStatus{Found: true}, nil
	}
	var body struct {
		BlockHeight           int64 `json:"block_height"`
		NumberOfConfirmations int64 `json:"number_of_confirmations"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("parse tx status: %w", err)
	}
	return &TxStatus{
		Found:                 true,
		BlockHeight:           body.BlockHeight,
		NumberOfConfirmations: body.NumberOfConfirmations,
	}, nil
}

func (c *Client) GetBlockHeight(ctx context.Context) (int64, error) {
	data, err := c.get(ctx, "/info")
	if err != nil {
		return 0, err
	}
	var info struct {
		Height int64 `json:"height"`
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return 0, fmt.Errorf("parse network info: %w", err)
	}
	return info.Height, nil
}

// GetBlockHeightForTxAnchor resolves a format-2 tx anchor (a recent block's
// independent hash) to that block's height.
func (c *Client) GetBlockHeightForTxAnchor(ctx context.Context, anchor string) (int64, error) {
	data, err := c.get(ctx, "/block/hash/"+url.PathEscape(anchor))
	if err != nil {
		return 0, err
	}
	var block struct {
		Height int64 `json:"height"`
	}
	if err := json.Unmarshal(data, &block); err != nil {
		return 0, fmt.Errorf("parse block: %w", err)
	}
	return block.Height, nil
}

func (c *Client) GetBalance(ctx context.Context, address string) (int64, error) {
	data, err := c.get(ctx, "/wallet/"+url.PathEscape(address)+"/balance")
	if err != nil {
		return 0, err
	}
	return parseWinston(data)
}

func (c *Client) GetTxAnchor(ctx context.Context) (string, error) {
	data, err := c.get(ctx, "/tx_anchor")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (c *Client) GetPriceForBytes(ctx context.Context, byteCount int64) (int64, error) {
	data, err := c.get(ctx, "/price/"+strconv.FormatInt(byteCount, 10))
	if err != nil {
		return 0, err
	}
	return parseWinston(data)
}

func (c *Client) GetUSDToARRate(ctx context.Context) (float64, error) {
	data, err := c.do(ctx, http.MethodGet, c.ratesURL, nil)
	if err != nil {
		return 0, err
	}
	var body struct {
		Arweave struct {
			USD float64 `json:"usd"`
		} `json:"arweave"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return 0, fmt.Errorf("parse rate: %w", err)
	}
	return body.Arweave.USD, nil
}

func parseWinston(data []byte) (int64, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse winston amount %q: %w", string(data), err)
	}
	return v, nil
}
