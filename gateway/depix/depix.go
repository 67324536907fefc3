// Package depix queries deposit settlement status from the DePix PIX API
package depix

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"gitlab.com/useghost/settle/build"
	"gitlab.com/useghost/settle/gateway"
)

var log = build.AddSubLogger("DPIX")

const (
	// DefaultBaseURL is the production DePix API
	DefaultBaseURL = "https://depix.eulen.app/api"
	defaultTimeout = 15 * time.Second
)

// Config configures the DePix client
type Config struct {
	BaseURL string
	// Token is sent as a bearer token
	Token   string
	Timeout time.Duration
	// StrictTxID only accepts settlement references that are 32 byte hex
	// transaction ids. Anything else is treated as a malformed response
	StrictTxID bool
}

// Client is a gateway.StatusQuerier backed by the DePix API
type Client struct {
	conf    Config
	http    gateway.Doer
	breaker *gateway.Breaker
}

var _ gateway.StatusQuerier = &Client{}

// NewClient creates a DePix client. A nil doer gets an *http.Client with the
// configured timeout
func NewClient(conf Config, doer gateway.Doer, breaker *gateway.Breaker) (*Client, error) {
	if conf.Token == "" {
		return nil, errors.New("DePix API token is not set")
	}
	if conf.BaseURL == "" {
		conf.BaseURL = DefaultBaseURL
	}
	if _, err := url.Parse(conf.BaseURL); err != nil {
		return nil, errors.Wrap(err, "invalid DePix base URL")
	}
	if conf.Timeout == 0 {
		conf.Timeout = defaultTimeout
	}
	if doer == nil {
		doer = &http.Client{Timeout: conf.Timeout}
	}
	return &Client{conf: conf, http: doer, breaker: breaker}, nil
}

// QueryStatus fetches the status of the deposit the gateway knows by
// externalID. A deposit that is not settled yet gives an empty
// SettlementRef and no error.
func (c *Client) QueryStatus(ctx context.Context, externalID string) (gateway.StatusResult, error) {
	if externalID == "" {
		return gateway.StatusResult{}, errors.New("external id cannot be empty")
	}

	endpoint := strings.TrimRight(c.conf.BaseURL, "/") + "/deposit-status?" +
		url.Values{"id": []string{externalID}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return gateway.StatusResult{}, errors.Wrap(err, "could not build deposit status request")
	}
	req.Header.Set("Authorization", "Bearer "+c.conf.Token)
	req.Header.Set("Accept", "application/json")

	res, err := c.breaker.Do(c.http, req)
	if err != nil {
		return gateway.StatusResult{}, err
	}

	return c.parseStatus(externalID, res.Body)
}

func (c *Client) parseStatus(externalID string, body []byte) (gateway.StatusResult, error) {
	if !gjson.ValidBytes(body) {
		return gateway.StatusResult{}, fmt.Errorf("%w: body is not JSON", gateway.ErrMalformedResponse)
	}
	parsed := gjson.ParseBytes(body)
	response := parsed.Get("response")
	if !response.Exists() || !response.IsObject() {
		return gateway.StatusResult{}, fmt.Errorf("%w: missing response object", gateway.ErrMalformedResponse)
	}

	result := gateway.StatusResult{
		RawStatus: response.Get("status").String(),
	}

	txid := strings.TrimSpace(response.Get("blockchainTxID").String())
	if txid == "" || strings.EqualFold(txid, "null") {
		log.WithFields(logrus.Fields{
			"externalId": externalID,
			"status":     result.RawStatus,
		}).Debug("Deposit has no settlement reference yet")
		return result, nil
	}

	if c.conf.StrictTxID {
		if err := validateTxID(txid); err != nil {
			return gateway.StatusResult{}, fmt.Errorf("%w: %w", gateway.ErrMalformedResponse, err)
		}
	}
	result.SettlementRef = txid
	return result, nil
}

func validateTxID(txid string) error {
	if len(txid) != chainhash.MaxHashStringSize {
		return fmt.Errorf("txid %q has %d characters, expected %d",
			txid, len(txid), chainhash.MaxHashStringSize)
	}
	if _, err := chainhash.NewHashFromStr(txid); err != nil {
		return fmt.Errorf("txid %q is not a valid hash: %w", txid, err)
	}
	return nil
}
