package safeware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tech-consulting/assetops/internal/configuration"
	"github.com/tech-consulting/assetops/internal/model"
	"github.com/tech-consulting/assetops/internal/normalize"
)

type fakeSafeware struct {
	mu       sync.Mutex
	sessions map[string]bool
	logins   int
	password string
}

func (f *fakeSafeware) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.URL.Path {
	case "/" + loginPath:
		creds := credentials{}
		if err := json.NewDecoder(r.Body).Decode(&creds); err != nil || creds.Password != f.password {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		f.logins++
		session := "s" + strconv.Itoa(f.logins)
		f.sessions[session] = true
		http.SetCookie(w, &http.Cookie{Name: "SWSESSION", Value: session, Path: "/"})
	case "/" + coveragePath:
		cookie, err := r.Cookie("SWSESSION")
		if err != nil || !f.sessions[cookie.Value] {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		_ = json.NewEncoder(w).Encode(coverage{
			Serial:       r.URL.Query().Get("serial"),
			PolicyStatus: "In Force",
			Expires:      "2027-08-31",
		})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeSafeware) expireSessions() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sessions = map[string]bool{}
}

func newTestAdapter(t *testing.T, password string) (*Adapter, *fakeSafeware) {
	fake := &fakeSafeware{sessions: map[string]bool{}, password: "hunter2"}
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	opts := configuration.New().Vendors.Safeware
	opts.BaseURL = server.URL
	opts.Username = "techconsulting"
	opts.Password = password

	adapter, err := New(opts, nil)
	require.NoError(t, err)

	return adapter, fake
}

func lookup() *model.OperationRequest {
	return &model.OperationRequest{Kind: model.WarrantyLookup, Asset: model.AssetRef{SerialNumber: "C02XK0AAJG5J"}}
}

func TestSessionIsReusedAndRenewed(t *testing.T) {
	adapter, fake := newTestAdapter(t, "hunter2")

	for i := 0; i < 2; i++ {
		raw, err := adapter.Execute(context.Background(), lookup())
		require.NoError(t, err)

		outcome := normalize.Safe(Normalizer{}, raw)
		require.NotNil(t, outcome.Warranty)
		assert.Equal(t, model.CoverageActive, outcome.Warranty.CoverageStatus)
	}

	assert.Equal(t, 1, fake.logins)

	fake.expireSessions()

	raw, err := adapter.Execute(context.Background(), lookup())
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, raw.HTTPStatus)
	assert.Equal(t, 2, fake.logins)
}

func TestExpiredSessionIsRenewedOnce(t *testing.T) {
	adapter, fake := newTestAdapter(t, "hunter2")

	_, err := adapter.Execute(context.Background(), lookup())
	require.NoError(t, err)

	fake.expireSessions()

	var wg sync.WaitGroup
	errs := make([]error, 8)

	for i := range errs {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()
			_, errs[i] = adapter.Execute(context.Background(), lookup())
		}(i)
	}

	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()

	assert.Equal(t, 2, fake.logins)
}

func TestBadPasswordIsAuthError(t *testing.T) {
	adapter, _ := newTestAdapter(t, "wrong")

	_, err := adapter.Execute(context.Background(), lookup())
	assert.Equal(t, model.KindAuth, model.KindOf(err))
}

func TestNormalize(t *testing.T) {
	cases := []struct {
		name     string
		body     string
		kind     model.ErrorKind
		coverage model.CoverageStatus
	}{
		{"lapsed", `{"serial":"S","policyStatus":"Lapsed","expires":"2025-01-01"}`, "", model.CoverageExpired},
		{"pending", `{"serial":"S","policyStatus":"Pending Underwriting"}`, "", model.CoverageUnknown},
		{"not found", `{"serial":"S","found":false}`, model.KindInvalidRequest, ""},
		{"array", `[1,2,3]`, model.KindMalformedResponse, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			outcome := normalize.Safe(Normalizer{}, &model.RawVendorResponse{Vendor: model.VendorSafeware, HTTPStatus: 200, Body: []byte(tc.body)})

			assert.Equal(t, tc.kind, outcome.ErrorKind)

			if tc.coverage != "" {
				require.NotNil(t, outcome.Warranty)
				assert.Equal(t, tc.coverage, outcome.Warranty.CoverageStatus)
			}
		})
	}
}
