package license

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "kerzzcli/internal/errors"
)

func TestAuthorityClient_Verify(t *testing.T) {
	var gotReq VerifyRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotReq)
		json.NewEncoder(w).Encode(VerifyResponse{Status: StatusValid, Features: []string{"pos"}})
	}))
	defer server.Close()

	client := NewAuthorityClient(server.URL, time.Second, 100, 10, nil)
	resp, err := client.Verify(context.Background(), VerifyRequest{
		LicenseKey:     "KBSA2B3C4D5E6F7",
		MachineID:      "machine",
		CurrentVersion: "3.0.0",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusValid, resp.Status)
	assert.Equal(t, []string{"pos"}, resp.Features)
	assert.Equal(t, "KBSA2B3C4D5E6F7", gotReq.LicenseKey)
	assert.Equal(t, "3.0.0", gotReq.CurrentVersion)
}

func TestAuthorityClient_ErrorMapping(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}},
		{"not found", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}},
		{"garbage body", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("not json"))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			client := NewAuthorityClient(server.URL, time.Second, 100, 10, nil)
			_, err := client.Verify(context.Background(), VerifyRequest{LicenseKey: "KBSA2B3C4D5E6F7"})
			assert.ErrorIs(t, err, apperrors.ErrNetworkUnreachable)
		})
	}
}

func TestAuthorityClient_TransportFailure(t *testing.T) {
	// A closed server is indistinguishable from an offline authority.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	client := NewAuthorityClient(server.URL, time.Second, 100, 10, nil)
	_, err := client.Verify(context.Background(), VerifyRequest{LicenseKey: "KBSA2B3C4D5E6F7"})
	assert.ErrorIs(t, err, apperrors.ErrNetworkUnreachable)
}

func TestAuthorityClient_RateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(VerifyResponse{Status: StatusValid})
	}))
	defer server.Close()

	// Burst of 2 at a negligible refill rate: the third call is suppressed
	// locally without touching the network.
	client := NewAuthorityClient(server.URL, time.Second, 0.0001, 2, nil)

	for i := 0; i < 2; i++ {
		_, err := client.Verify(context.Background(), VerifyRequest{LicenseKey: "KBSA2B3C4D5E6F7"})
		require.NoError(t, err)
	}
	_, err := client.Verify(context.Background(), VerifyRequest{LicenseKey: "KBSA2B3C4D5E6F7"})
	assert.ErrorIs(t, err, apperrors.ErrRateLimited)
}
