// Package voltz re-attempts failed Lightning payouts through the Voltz
// payout service
package voltz

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"gitlab.com/useghost/settle/build"
	"gitlab.com/useghost/settle/gateway"
)

var log = build.AddSubLogger("VOLT")

// paying an invoice can take a while when routes have to be probed
const defaultTimeout = 45 * time.Second

// Config configures the Voltz client
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client is a gateway.PaymentResubmitter backed by the Voltz payout service
type Client struct {
	conf    Config
	http    gateway.Doer
	breaker *gateway.Breaker
}

var _ gateway.PaymentResubmitter = &Client{}

type retryRequest struct {
	DepositRef string `json:"depix_id"`
}

type retryResponse struct {
	Success     *bool  `json:"success"`
	PaymentHash string `json:"payment_hash"`
	Error       string `json:"error"`
}

// NewClient creates a Voltz client. A nil doer gets an *http.Client with the
// configured timeout
func NewClient(conf Config, doer gateway.Doer, breaker *gateway.Breaker) (*Client, error) {
	if conf.BaseURL == "" {
		return nil, errors.New("Voltz base URL is not set")
	}
	if conf.APIKey == "" {
		return nil, errors.New("Voltz API key is not set")
	}
	if conf.Timeout == 0 {
		conf.Timeout = defaultTimeout
	}
	if doer == nil {
		doer = &http.Client{Timeout: conf.Timeout}
	}
	return &Client{conf: conf, http: doer, breaker: breaker}, nil
}

// ResubmitPayment asks Voltz to pay out the deposit again. A payout that
// Voltz refuses is reported with Success false and no error; errors are
// reserved for not getting an answer at all.
func (c *Client) ResubmitPayment(ctx context.Context, depositRef string) (gateway.Resubmission, error) {
	body, err := json.Marshal(retryRequest{DepositRef: depositRef})
	if err != nil {
		return gateway.Resubmission{}, errors.Wrap(err, "could not encode retry request")
	}

	endpoint := strings.TrimRight(c.conf.BaseURL, "/") + "/payments/retry"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return gateway.Resubmission{}, errors.Wrap(err, "could not build retry request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-KEY", c.conf.APIKey)

	res, err := c.breaker.Do(c.http, req)
	if err != nil {
		return gateway.Resubmission{}, err
	}

	var parsed retryResponse
	if err := json.Unmarshal(res.Body, &parsed); err != nil {
		return gateway.Resubmission{}, fmt.Errorf("%w: %w", gateway.ErrMalformedResponse, err)
	}
	if parsed.Success == nil {
		return gateway.Resubmission{}, fmt.Errorf("%w: missing success field", gateway.ErrMalformedResponse)
	}

	result := gateway.Resubmission{
		Success:     *parsed.Success,
		PaymentHash: parsed.PaymentHash,
		Error:       parsed.Error,
	}
	if result.Success && result.PaymentHash == "" {
		return gateway.Resubmission{}, fmt.Errorf("%w: successful payout without payment hash",
			gateway.ErrMalformedResponse)
	}
	if !result.Success && result.Error == "" {
		result.Error = "payout refused without a reason"
	}

	log.WithFields(logrus.Fields{
		"depositRef": depositRef,
		"success":    result.Success,
	}).Debug("Resubmitted payment")
	return result, nil
}
