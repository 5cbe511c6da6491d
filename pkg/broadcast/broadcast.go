// Package broadcast relays signed transactions to an ordered list of
// public endpoints, moving on to the next one when a relay fails.
package broadcast

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"fee-lens/pkg/metrics"
	"fee-lens/pkg/types"
	"fee-lens/pkg/utils"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/rs/zerolog"
)

// Endpoint response formats.
const (
	// FormatText posts the hex as text/plain and reads the txid from the
	// body (Esplora, mempool.space).
	FormatText = "text"
	// FormatJSON posts {"tx": hex} and reads tx.hash (BlockCypher).
	FormatJSON = "json"
)

const (
	defaultTimeout = 15 * time.Second
	maxResponse    = 1 << 16
)

// Endpoint is one relay.
type Endpoint struct {
	Name   string
	URL    string
	Format string
}

// Options tunes a Service.
type Options struct {
	// Timeout bounds each endpoint attempt.
	Timeout time.Duration
	Network *chaincfg.Params
	Client  *http.Client
}

// Service broadcasts transactions.
type Service struct {
	endpoints []Endpoint
	timeout   time.Duration
	net       *chaincfg.Params
	client    *http.Client
	logger    zerolog.Logger
	metrics   *metrics.Metrics
}

// New creates a service trying endpoints in order.
func New(endpoints []Endpoint, opts Options, logger zerolog.Logger, m *metrics.Metrics) *Service {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Network == nil {
		opts.Network = &chaincfg.MainNetParams
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	return &Service{
		endpoints: endpoints,
		timeout:   opts.Timeout,
		net:       opts.Network,
		client:    opts.Client,
		logger:    logger,
		metrics:   m,
	}
}

// Endpoints returns the configured relays in order.
func (s *Service) Endpoints() []Endpoint {
	return append([]Endpoint(nil), s.endpoints...)
}

// Broadcast validates signedTx, a raw transaction or PSBT in hex or base64,
// and hands it to the endpoints in order until one accepts it. Validation
// failures return a *ValidationError without contacting any relay; when
// every relay fails the result is an *Error.
func (s *Service) Broadcast(ctx context.Context, signedTx string) (*types.BroadcastResult, error) {
	tx, err := Prepare(signedTx, s.net)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Rejected transaction before broadcast")
		return nil, err
	}
	if len(s.endpoints) == 0 {
		return nil, ErrNoEndpoints
	}

	rawHex, err := TxHex(tx)
	if err != nil {
		return nil, invalidTx(err)
	}
	localTxid := tx.TxHash().String()

	failed := &Error{}
	for i, ep := range s.endpoints {
		txid, status, err := s.send(ctx, ep, rawHex)
		s.metrics.BroadcastAttempt(ep.Name, err)
		if err == nil {
			if txid != localTxid {
				s.logger.Warn().
					Str("endpoint", ep.Name).
					Str("relay_txid", txid).
					Str("local_txid", localTxid).
					Msg("Relay returned a different txid")
			}
			s.logger.Info().Str("endpoint", ep.Name).Str("txid", txid).Int("attempt", i+1).Msg("Transaction broadcast")
			return &types.BroadcastResult{Txid: txid, Endpoint: ep.Name, Attempts: i + 1}, nil
		}

		epErr := &EndpointError{Endpoint: ep.Name, StatusCode: status, Err: err}
		failed.Attempts = append(failed.Attempts, epErr)
		s.logger.Warn().Err(err).Str("endpoint", ep.Name).Int("status", status).Msg("Broadcast attempt failed")

		if ctx.Err() != nil {
			break
		}
	}
	return nil, failed
}

// send posts rawHex to one endpoint and returns the txid it reports.
func (s *Service) send(ctx context.Context, ep Endpoint, rawHex string) (string, int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var (
		body        io.Reader
		contentType string
	)
	switch ep.Format {
	case FormatJSON:
		payload, err := json.Marshal(struct {
			Tx string `json:"tx"`
		}{rawHex})
		if err != nil {
			return "", 0, err
		}
		body, contentType = bytes.NewReader(payload), "application/json"
	case FormatText, "":
		body, contentType = strings.NewReader(rawHex), "text/plain"
	default:
		return "", 0, fmt.Errorf("unknown endpoint format %q", ep.Format)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, body)
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponse))
	if err != nil {
		return "", resp.StatusCode, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(respBody))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return "", resp.StatusCode, errors.New(msg)
	}

	txid, err := parseTxid(ep.Format, respBody)
	return txid, resp.StatusCode, err
}

func parseTxid(format string, body []byte) (string, error) {
	var txid string
	if format == FormatJSON {
		var resp struct {
			Tx struct {
				Hash string `json:"hash"`
			} `json:"tx"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", fmt.Errorf("decoding relay response: %w", err)
		}
		txid = resp.Tx.Hash
	} else {
		txid = strings.TrimSpace(string(body))
	}

	txid = strings.ToLower(txid)
	if len(txid) != 64 || !utils.IsHex(txid) {
		return "", fmt.Errorf("relay returned malformed txid %q", truncate(txid, 80))
	}
	return txid, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// TxHex serializes tx for display.
func TxHex(tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", fmt.Errorf("failed to serialize transaction: %w", err)
	}
	return hex.EncodeToString(buf.Bytes()), nil
}
