package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "nil", err: nil, want: KindNone},
		{name: "unavailable", err: fmt.Errorf("%w: dial tcp", ErrGatewayUnavailable), want: KindUnavailable},
		{name: "deadline", err: context.DeadlineExceeded, want: KindUnavailable},
		{name: "cancelled", err: context.Canceled, want: KindCancelled},
		{name: "malformed", err: fmt.Errorf("%w: not JSON", ErrMalformedResponse), want: KindMalformed},
		{name: "http error", err: fmt.Errorf("wrapped: %w", &Error{Code: 502}), want: KindGatewayError},
		{name: "other", err: errors.New("boom"), want: KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestErrorTransient(t *testing.T) {
	assert.True(t, (&Error{Code: 500}).Transient())
	assert.True(t, (&Error{Code: 503}).Transient())
	assert.True(t, (&Error{Code: 429}).Transient())
	assert.False(t, (&Error{Code: 404}).Transient())
	assert.False(t, (&Error{Code: 401}).Transient())
	assert.Contains(t, (&Error{Code: 404, Body: "not found"}).Error(), "HTTP 404: not found")
}

func TestBreakerDo(t *testing.T) {
	var calls int32
	status := int32(http.StatusOK)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(int(atomic.LoadInt32(&status)))
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	breaker := NewBreaker(BreakerConfig{Name: "test", ConsecutiveFailures: 2, Timeout: time.Hour})
	request := func() (Response, error) {
		req, err := http.NewRequest(http.MethodGet, server.URL, nil)
		require.NoError(t, err)
		return breaker.Do(server.Client(), req)
	}

	res, err := request()
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(res.Body))

	t.Run("client errors do not trip the breaker", func(t *testing.T) {
		atomic.StoreInt32(&status, http.StatusNotFound)
		for i := 0; i < 3; i++ {
			_, err := request()
			var gwErr *Error
			require.True(t, errors.As(err, &gwErr))
			assert.Equal(t, http.StatusNotFound, gwErr.Code)
		}
		assert.Equal(t, "closed", breaker.State())
	})

	t.Run("server errors open it", func(t *testing.T) {
		atomic.StoreInt32(&status, http.StatusBadGateway)
		for i := 0; i < 2; i++ {
			_, err := request()
			assert.Equal(t, KindGatewayError, Classify(err))
		}
		assert.Equal(t, "open", breaker.State())

		before := atomic.LoadInt32(&calls)
		_, err := request()
		assert.True(t, errors.Is(err, ErrGatewayUnavailable))
		assert.Equal(t, before, atomic.LoadInt32(&calls), "open breaker must not call the gateway")
	})
}

func TestBreakerDoUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	var breaker *Breaker
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	_, err = breaker.Do(http.DefaultClient, req)
	assert.True(t, errors.Is(err, ErrGatewayUnavailable))
}
