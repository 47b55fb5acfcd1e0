package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSendClassifiesSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"accepted":true}`))
	}))
	defer srv.Close()

	c := New(time.Second)
	out := c.Send(context.Background(), srv.URL, "+15551234567", "hello")
	require.Equal(t, StatusOK, out.Status)
	require.Equal(t, http.StatusOK, out.HTTPStatus)
}

func TestSendClassifiesPermanentOn400(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(time.Second)
	out := c.Send(context.Background(), srv.URL, "+15551234567", "hello")
	require.Equal(t, StatusErrorPermanent, out.Status)
}

func TestSendClassifiesTransientOn503(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(time.Second)
	out := c.Send(context.Background(), srv.URL, "+15551234567", "hello")
	require.Equal(t, StatusErrorTransient, out.Status)
}

func TestSendClassifiesTransientOn429(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(time.Second)
	out := c.Send(context.Background(), srv.URL, "+15551234567", "hello")
	require.Equal(t, StatusErrorTransient, out.Status)
}

func TestSendClassifiesTimeoutOnDeadlineExceeded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(5 * time.Millisecond)
	out := c.Send(context.Background(), srv.URL, "+15551234567", "hello")
	require.Equal(t, StatusTimeout, out.Status)
}

func TestSendTruncatesLargeResponseBody(t *testing.T) {
	big := make([]byte, 10000)
	for i := range big {
		big[i] = 'x'
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write(big)
	}))
	defer srv.Close()

	c := New(time.Second)
	out := c.Send(context.Background(), srv.URL, "+15551234567", "hello")
	require.LessOrEqual(t, len(out.ResponseBodyTruncated), responseBodyCap)
}
