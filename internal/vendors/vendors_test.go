package vendors

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tech-consulting/assetops/internal/configuration"
	"github.com/tech-consulting/assetops/internal/model"
	"github.com/tech-consulting/assetops/internal/normalize"
)

type fakeAdapter struct {
	vendor model.VendorIdentity
	kinds  []model.OperationKind
}

func (f *fakeAdapter) Vendor() model.VendorIdentity { return f.vendor }

func (f *fakeAdapter) Supports(kind model.OperationKind) bool {
	for _, k := range f.kinds {
		if k == kind {
			return true
		}
	}

	return false
}

func (f *fakeAdapter) Execute(context.Context, *model.OperationRequest) (*model.RawVendorResponse, error) {
	return &model.RawVendorResponse{Vendor: f.vendor}, nil
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	noop := normalize.Func(func(*model.RawVendorResponse) model.OperationOutcome { return model.Succeeded("") })

	r.Register(&fakeAdapter{vendor: model.VendorSafeware, kinds: []model.OperationKind{model.WarrantyLookup}}, noop)
	r.Register(&fakeAdapter{vendor: model.VendorApple, kinds: []model.OperationKind{model.WarrantyLookup}}, noop)
	r.Register(&fakeAdapter{vendor: model.VendorTicketing, kinds: []model.OperationKind{model.CheckOut, model.CheckIn}}, noop)

	warranty := r.Supporting(model.WarrantyLookup)
	assert.Equal(t, []model.VendorIdentity{model.VendorApple, model.VendorSafeware}, Sorted(warranty))

	_, err := r.Adapter(model.VendorDell)
	assert.ErrorIs(t, err, ErrNotRegistered)
	assert.Nil(t, r.Normalizer(model.VendorDell))

	a, err := r.Adapter(model.VendorApple)
	require.NoError(t, err)
	assert.Equal(t, model.VendorApple, a.Vendor())
}

func TestSorted(t *testing.T) {
	set := mapset.NewSet(model.VendorSafeware, model.VendorDell, model.VendorApple, model.VendorHP, model.VendorLenovo)

	assert.Equal(t, model.WarrantyVendors, Sorted(set))
}

func TestClientClassifiesStatus(t *testing.T) {
	status := http.StatusOK

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/items", r.URL.Path)
		assert.Equal(t, "x", r.URL.Query().Get("q"))

		if status == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", "12")
		}

		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(server.Close)

	client, err := NewClient(model.VendorHP, server.URL+"/v1/", nil, nil)
	require.NoError(t, err)

	req := &Request{Kind: model.WarrantyLookup, Method: http.MethodGet, Path: "items", Query: map[string][]string{"q": {"x"}}}

	raw, err := client.Do(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, model.VendorHP, raw.Vendor)
	assert.Equal(t, model.WarrantyLookup, raw.Kind)
	assert.JSONEq(t, `{"ok":true}`, string(raw.Body))

	cases := map[int]model.ErrorKind{
		http.StatusUnauthorized:        model.KindAuth,
		http.StatusNotFound:            model.KindInvalidRequest,
		http.StatusConflict:            model.KindDuplicateOperation,
		http.StatusTooManyRequests:     model.KindRateLimitExceeded,
		http.StatusInternalServerError: model.KindVendorServer,
	}

	for code, kind := range cases {
		status = code

		raw, err := client.Do(context.Background(), req)
		assert.Equal(t, kind, model.KindOf(err), code)
		require.NotNil(t, raw)
		assert.Equal(t, code, raw.HTTPStatus)

		if code == http.StatusTooManyRequests {
			var vendorErr *model.VendorError
			require.ErrorAs(t, err, &vendorErr)
			assert.Equal(t, 12*time.Second, vendorErr.RetryAfter)
		}
	}
}

func TestClientTransportErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))

	client, err := NewClient(model.VendorLenovo, server.URL, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = client.Do(ctx, &Request{Method: http.MethodGet, Path: "slow"})
	assert.Equal(t, model.KindTimeout, model.KindOf(err))

	server.Close()

	_, err = client.Do(context.Background(), &Request{Method: http.MethodGet, Path: "gone"})
	assert.Equal(t, model.KindTransientNetwork, model.KindOf(err))
}

func TestNewClientRejectsBadURL(t *testing.T) {
	_, err := NewClient(model.VendorDell, "not a url", nil, nil)
	assert.ErrorIs(t, err, model.ErrConfig)
}

func TestRetryAfter(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, 30*time.Second, RetryAfter("30", now))
	assert.Equal(t, 90*time.Second, RetryAfter(now.Add(90*time.Second).Format(http.TimeFormat), now))
	assert.Equal(t, time.Duration(0), RetryAfter("", now))
	assert.Equal(t, time.Duration(0), RetryAfter("-5", now))
	assert.Equal(t, time.Duration(0), RetryAfter("later", now))
}

func TestAPIKeyTransport(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "k", r.Header.Get("ClientID"))
	}))
	t.Cleanup(server.Close)

	transport, err := NewTransport(model.VendorLenovo, &configuration.VendorOptions{
		AuthMode:     configuration.AuthAPIKey,
		APIKey:       "k",
		APIKeyHeader: "ClientID",
	})
	require.NoError(t, err)

	client, err := NewClient(model.VendorLenovo, server.URL, transport, nil)
	require.NoError(t, err)

	_, err = client.Do(context.Background(), &Request{Method: http.MethodGet, Path: "warranty"})
	require.NoError(t, err)

	_, err = NewTransport(model.VendorLenovo, &configuration.VendorOptions{AuthMode: "kerberos"})
	assert.ErrorIs(t, err, model.ErrConfig)
}

func TestSlowTokenEndpointHonoursDeadline(t *testing.T) {
	var tokenRequests atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/token" {
			tokenRequests.Add(1)
			time.Sleep(200 * time.Millisecond)

			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"access_token":"t0k3n","token_type":"Bearer","expires_in":3600}`))

			return
		}

		assert.Equal(t, "Bearer t0k3n", r.Header.Get("Authorization"))
	}))
	t.Cleanup(server.Close)

	transport, err := NewTransport(model.VendorHP, &configuration.VendorOptions{
		AuthMode:     configuration.AuthOAuth2,
		ClientID:     "id",
		ClientSecret: "secret",
		TokenURL:     server.URL + "/token",
	})
	require.NoError(t, err)

	client, err := NewClient(model.VendorHP, server.URL, transport, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	begin := time.Now()
	_, err = client.Do(ctx, &Request{Method: http.MethodGet, Path: "warranty"})

	assert.Less(t, time.Since(begin), 150*time.Millisecond)
	assert.Equal(t, model.KindTimeout, model.KindOf(err))

	// the abandoned fetch still fills the token cache
	require.Eventually(t, func() bool {
		_, err := client.Do(context.Background(), &Request{Method: http.MethodGet, Path: "warranty"})
		return err == nil
	}, 2*time.Second, 50*time.Millisecond)

	assert.Equal(t, int32(1), tokenRequests.Load())
}

func TestTransportFailuresLogAtDebug(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	server.Close()

	client, err := NewClient(model.VendorDell, server.URL, nil, logger)
	require.NoError(t, err)

	_, err = client.Do(context.Background(), &Request{Method: http.MethodGet, Path: "warranty"})
	assert.Equal(t, model.KindTransientNetwork, model.KindOf(err))

	require.NotEmpty(t, hook.AllEntries())

	for _, entry := range hook.AllEntries() {
		assert.Equal(t, logrus.DebugLevel, entry.Level, entry.Message)
		assert.Equal(t, "dell", entry.Data["vendor"])
	}
}
