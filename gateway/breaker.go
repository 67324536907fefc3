package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"

	"gitlab.com/useghost/settle/util"
)

const (
	maxBodyBytes  = 1 << 20
	maxLoggedBody = 256
)

// Doer sends HTTP requests. *http.Client satisfies it
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Response is a fully read 2xx gateway response
type Response struct {
	StatusCode int
	Body       []byte
}

// BreakerConfig tunes the circuit breaker in front of a gateway
type BreakerConfig struct {
	Name string
	// MaxRequests is how many probes are let through while half-open
	MaxRequests uint32
	// Interval is the window after which failure counts reset while closed
	Interval time.Duration
	// Timeout is how long the breaker stays open before probing again
	Timeout time.Duration
	// ConsecutiveFailures trips the breaker
	ConsecutiveFailures uint32
}

// Breaker stops calling a gateway that keeps failing, so a run against a
// dead provider finishes quickly instead of waiting on every item
type Breaker struct {
	cb *gobreaker.CircuitBreaker[Response]
}

// NewBreaker creates a circuit breaker. Zero values get defaults
func NewBreaker(conf BreakerConfig) *Breaker {
	if conf.Name == "" {
		conf.Name = "gateway"
	}
	if conf.MaxRequests == 0 {
		conf.MaxRequests = 1
	}
	if conf.Interval <= 0 {
		conf.Interval = time.Minute
	}
	if conf.Timeout <= 0 {
		conf.Timeout = 30 * time.Second
	}
	if conf.ConsecutiveFailures == 0 {
		conf.ConsecutiveFailures = 5
	}

	settings := gobreaker.Settings{
		Name:        conf.Name,
		MaxRequests: conf.MaxRequests,
		Interval:    conf.Interval,
		Timeout:     conf.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= conf.ConsecutiveFailures
		},
		// only an unreachable or struggling gateway counts against it. a 4xx
		// is an answer about a single deposit
		IsSuccessful: func(err error) bool {
			var gwErr *Error
			if errors.As(err, &gwErr) {
				return !gwErr.Transient()
			}
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Gateway circuit breaker changed state")
		},
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker[Response](settings)}
}

// State is the current breaker state, for logging and metrics
func (b *Breaker) State() string {
	if b == nil {
		return gobreaker.StateClosed.String()
	}
	return b.cb.State().String()
}

// Do sends req and reads the response. Transport failures are wrapped in
// ErrGatewayUnavailable and non-2xx answers become *Error. A nil breaker
// sends the request unguarded.
func (b *Breaker) Do(client Doer, req *http.Request) (Response, error) {
	attempt := func() (Response, error) {
		return send(client, req)
	}
	if b == nil {
		return attempt()
	}

	res, err := b.cb.Execute(attempt)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Response{}, fmt.Errorf("%w: %w", ErrGatewayUnavailable, err)
	}
	return res, err
}

func send(client Doer, req *http.Request) (Response, error) {
	res, err := client.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return Response{}, ctxErr
		}
		return Response{}, fmt.Errorf("%w: %w", ErrGatewayUnavailable, err)
	}
	defer func() { _ = res.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxBodyBytes))
	if err != nil {
		return Response{}, fmt.Errorf("%w: could not read response body: %w", ErrGatewayUnavailable, err)
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return Response{}, &Error{
			Code: res.StatusCode,
			Body: util.Truncate(string(body), maxLoggedBody),
		}
	}
	return Response{StatusCode: res.StatusCode, Body: body}, nil
}
