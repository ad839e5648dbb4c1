// Copyright 2025 James Ross
package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, 5*time.Second, nil, WithMaxRetries(2))
}

func TestGetTxStatusNotFound(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	st, err := c.GetTxStatus(context.Background(), "abc")
	require.NoError(t, err)
	require.False(t, st.Found)
}

func TestGetTxStatusPending(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("Pending"))
	}))
	st, err := c.GetTxStatus(context.Background(), "abc")
	require.NoError(t, err)
	require.True(t, st.Found)
	require.Zero(t, st.NumberOfConfirmations)
}

func TestGetTxStatusConfirmed(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/tx/abc/status", r.URL.Path)
		_, _ = w.Write([]byte(`{"block_height":1200,"number_of_confirmations":51}`))
	}))
	st, err := c.GetTxStatus(context.Background(), "abc")
	require.NoError(t, err)
	require.True(t, st.Found)
	require.Equal(t, int64(1200), st.BlockHeight)
	require.Equal(t, int64(51), st.NumberOfConfirmations)
}

func TestTransientErrorsAreRetried(t *testing.T) {
	var calls int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("42"))
	}))
	price, err := c.GetPriceForBytes(context.Background(), 100)
	require.NoError(t, err)
	require.Equal(t, int64(42), price)
	require.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var calls int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad tx", http.StatusBadRequest)
	}))
	_, err := c.GetBalance(context.Background(), "addr")
	require.Error(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestGetBlockHeightAndAnchor(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/info":
			_, _ = w.Write([]byte(`{"height":987}`))
		case "/tx_anchor":
			_, _ = w.Write([]byte("anchor-hash\n"))
		case "/block/hash/anchor-hash":
			_, _ = w.Write([]byte(`{"height":950}`))
		default:
			http.NotFound(w, r)
		}
	}))
	h, err := c.GetBlockHeight(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(987), h)

	anchor, err := c.GetTxAnchor(context.Background())
	require.NoError(t, err)
	require.Equal(t, "anchor-hash", anchor)

	ah, err := c.GetBlockHeightForTxAnchor(context.Background(), anchor)
	require.NoError(t, err)
	require.Equal(t, int64(950), ah)
}
