package miniapm

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransportPostMarshalsPayload(t *testing.T) {
	assert := assert.New(t)
	var gotBody []byte
	var gotHeader http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeader = r.Header.Clone()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	res := newTransport().post(srv.URL, map[string]interface{}{"a": 1}, map[string]string{"Authorization": "Bearer k"})
	require.NoError(t, res.Err)
	assert.True(res.Success)
	assert.Equal(http.StatusAccepted, res.Status)
	assert.JSONEq(`{"a":1}`, string(gotBody))
	assert.Equal("application/json", gotHeader.Get("Content-Type"))
	assert.Equal("Bearer k", gotHeader.Get("Authorization"))
	assert.True(strings.HasPrefix(gotHeader.Get("User-Agent"), "miniapm-go/"))
}

func TestTransportPostRawPayloads(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()
	tr := newTransport()

	tr.post(srv.URL, []byte(`{"raw":true}`), nil)
	assert.Equal(t, `{"raw":true}`, string(gotBody))

	tr.post(srv.URL, `{"str":true}`, nil)
	assert.Equal(t, `{"str":true}`, string(gotBody))

	tr.post(srv.URL, nil, nil)
	assert.Empty(t, gotBody)
}

func TestTransportPostFailureStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no thanks", http.StatusUnauthorized)
	}))
	defer srv.Close()

	res := newTransport().post(srv.URL, nil, nil)
	assert := assert.New(t)
	assert.False(res.Success)
	assert.Equal(http.StatusUnauthorized, res.Status)
	assert.Contains(res.Body, "no thanks")
}

func TestTransportPostBoundedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(strings.Repeat("x", 5000)))
	}))
	defer srv.Close()

	res := newTransport().post(srv.URL, nil, nil)
	assert.LessOrEqual(t, len(res.Body), 1000)
}

func TestTransportPostNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	res := newTransport().post(srv.URL, nil, nil)
	assert := assert.New(t)
	assert.Error(res.Err)
	assert.False(res.Success)
	assert.Zero(res.Status)
}

func TestTransportPostUnencodablePayload(t *testing.T) {
	res := newTransport().post("http://localhost:0", map[string]interface{}{"f": func() {}}, nil)
	assert.Error(t, res.Err)
	assert.Zero(t, res.Status)
}
