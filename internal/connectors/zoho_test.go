package connectors

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-crm-sync/internal/common/crmerrors"
	"go-crm-sync/internal/features/vault"
)

var zohoCreds = vault.Credentials{
	"client_id":     "zcid",
	"client_secret": "zsecret",
	"refresh_token": "1000.refresh",
}

type zohoServer struct {
	*httptest.Server
	refreshes atomic.Int32
}

func newZohoServer(t *testing.T, api http.HandlerFunc) *zohoServer {
	t.Helper()
	zs := &zohoServer{}
	zs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/oauth/v2/token" {
			zs.refreshes.Add(1)
			assert.NoError(t, r.ParseForm())
			if r.PostForm.Get("refresh_token") != "1000.refresh" || r.PostForm.Get("client_secret") != "zsecret" {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_code"})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"access_token": "1000.access",
				"expires_in":   3600,
				"token_type":   "Bearer",
			})
			return
		}
		assert.Equal(t, "Zoho-oauthtoken 1000.access", r.Header.Get("Authorization"))
		api(w, r)
	}))
	t.Cleanup(zs.Close)
	return zs
}

func newZoho(t *testing.T, zs *zohoServer, creds vault.Credentials) Connector {
	t.Helper()
	opts := testOptions()
	opts.AuthURL = zs.URL
	opts.BaseURL = zs.URL
	conn, err := NewZohoConnector(creds, opts)
	require.NoError(t, err)
	return conn
}

func TestZohoFetchPagesAndReusesToken(t *testing.T) {
	zs := newZohoServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/crm/v2/Leads", r.URL.Path)
		if r.URL.Query().Get("page") == "1" {
			writeJSON(w, http.StatusOK, map[string]any{
				"data": []map[string]any{{"id": "z1", "Email": "a@x.io", "Modified_Time": "2024-04-01T09:30:00+05:30"}},
				"info": map[string]any{"more_records": true, "page": 1},
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"data": []map[string]any{{"id": "z2", "Email": "b@x.io"}},
			"info": map[string]any{"more_records": false, "page": 2},
		})
	})
	conn := newZoho(t, zs, zohoCreds)
	ctx := context.Background()
	require.NoError(t, conn.Authenticate(ctx))

	leads, err := conn.GetLeads(ctx, nil)

	require.NoError(t, err)
	require.Len(t, leads, 2)
	assert.Equal(t, "z1", leads[0].ExternalID)
	assert.Equal(t, time.Date(2024, 4, 1, 4, 0, 0, 0, time.UTC), leads[0].ModifiedAt.UTC())
	assert.Equal(t, int32(1), zs.refreshes.Load())
}

func TestZohoNotModifiedMeansNoRecords(t *testing.T) {
	since := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	zs := newZohoServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2024-04-01T00:00:00Z", r.Header.Get("If-Modified-Since"))
		w.WriteHeader(http.StatusNotModified)
	})
	conn := newZoho(t, zs, zohoCreds)
	require.NoError(t, conn.Authenticate(context.Background()))

	deals, err := conn.GetOpportunities(context.Background(), &since)

	require.NoError(t, err)
	assert.Empty(t, deals)
}

func TestZohoRefreshRejected(t *testing.T) {
	zs := newZohoServer(t, nil)
	creds := vault.Credentials{"client_id": "zcid", "client_secret": "zsecret", "refresh_token": "revoked"}

	err := newZoho(t, zs, creds).Authenticate(context.Background())

	require.Error(t, err)
	assert.True(t, errors.Is(err, crmerrors.ErrAuthentication))
	assert.Contains(t, err.Error(), "invalid_code")
	assert.NotContains(t, err.Error(), "zsecret")
}

func TestZohoWriteEnvelope(t *testing.T) {
	zs := newZohoServer(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Data []map[string]any `json:"data"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		switch r.Method {
		case http.MethodPost:
			assert.Equal(t, "/crm/v2/Deals", r.URL.Path)
			writeJSON(w, http.StatusCreated, map[string]any{"data": []map[string]any{{
				"code": "SUCCESS", "status": "success", "details": map[string]any{"id": "d77"},
			}}})
		case http.MethodPut:
			assert.Equal(t, "/crm/v2/Deals/d77", r.URL.Path)
			writeJSON(w, http.StatusAccepted, map[string]any{"data": []map[string]any{{
				"code": "INVALID_DATA", "status": "error", "message": "invalid data",
			}}})
		}
	})
	conn := newZoho(t, zs, zohoCreds)
	ctx := context.Background()
	require.NoError(t, conn.Authenticate(ctx))

	id, err := conn.CreateOpportunity(ctx, map[string]any{"Deal_Name": "Renewal"})
	require.NoError(t, err)
	assert.Equal(t, "d77", id)

	err = conn.UpdateOpportunity(ctx, "d77", map[string]any{"Amount": 10})
	assert.True(t, errors.Is(err, crmerrors.ErrValidation))
	assert.Contains(t, err.Error(), "INVALID_DATA")
}

func TestZohoSearchNoContent(t *testing.T) {
	zs := newZohoServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/crm/v2/Deals/search", r.URL.Path)
		assert.Equal(t, `(Deal_Name:equals:Acme \(EU\))`, r.URL.Query().Get("criteria"))
		w.WriteHeader(http.StatusNoContent)
	})
	conn := newZoho(t, zs, zohoCreds)
	require.NoError(t, conn.Authenticate(context.Background()))

	found, err := conn.FindOpportunityByName(context.Background(), "Acme (EU)")

	require.NoError(t, err)
	assert.Nil(t, found)
}
