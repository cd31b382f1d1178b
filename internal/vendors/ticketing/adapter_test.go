package ticketing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tech-consulting/assetops/internal/configuration"
	"github.com/tech-consulting/assetops/internal/model"
	"github.com/tech-consulting/assetops/internal/normalize"
)

const (
	testTicketApp = "ITS Tickets"
	testAssetApp  = "EUC Assets"
	testToken     = "static-token"
)

// fakePlatform is an in-memory ticketing platform.
type fakePlatform struct {
	t *testing.T

	mu        sync.Mutex
	tickets   map[string]*ticket
	assets    map[int]*asset
	attached  map[string][]int
	feed      map[string][]feedEntry
	requests  []string
	keys      []string
	pageSize  int
	failWith  int
	token     string
	logins    int
	loginTok  string
	retryHint string
}

func newFakePlatform(t *testing.T) *fakePlatform {
	return &fakePlatform{
		t: t,
		tickets: map[string]*ticket{
			"1000": {
				ID: 1000, Title: "Loaner laptop", StatusName: "Open", RequestorUID: "bjensen",
				Attributes: []attribute{{Name: "sah_Loan Length (Term)", Value: "Fall 2026"}},
			},
		},
		assets: map[int]*asset{
			55: {ID: 55, Tag: "TRL12345", SerialNumber: "C02XK0AAJG5J", StatusName: "In Stock - Reserved", LocationName: "MICHIGAN UNION"},
			56: {ID: 56, Tag: "TRL12346", SerialNumber: "5CG1234XYZ", StatusName: "In Stock - Reserved", LocationName: "MICHIGAN UNION"},
		},
		attached: map[string][]int{},
		feed:     map[string][]feedEntry{},
		pageSize: 2,
		token:    testToken,
	}
}

func (f *fakePlatform) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r.URL.Path == adminLoginPath {
		f.logins++
		_, _ = w.Write([]byte(f.loginTok))

		return
	}

	f.requests = append(f.requests, r.Method+" "+r.URL.Path)

	if key := r.Header.Get("Idempotency-Key"); key != "" {
		f.keys = append(f.keys, key)
	}

	if r.Header.Get("Authorization") != "Bearer "+f.token {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	if f.failWith != 0 {
		if f.retryHint != "" {
			w.Header().Set("Retry-After", f.retryHint)
		}

		w.WriteHeader(f.failWith)

		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/"), "/")

	switch {
	case parts[0] == testTicketApp && len(parts) == 3:
		f.writeJSON(w, f.tickets[parts[2]])
	case parts[0] == testTicketApp && len(parts) == 4 && parts[3] == "assets":
		f.listAssets(w, parts[2], r.URL.Query().Get("cursor"))
	case parts[0] == testTicketApp && len(parts) == 5 && parts[3] == "assets":
		id, _ := strconv.Atoi(parts[4])
		f.attached[parts[2]] = append(f.attached[parts[2]], id)
		w.WriteHeader(http.StatusOK)
	case parts[0] == testTicketApp && len(parts) == 4 && parts[3] == "feed":
		entry := feedEntry{}
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&entry))
		f.feed[parts[2]] = append(f.feed[parts[2]], entry)
		f.tickets[parts[2]].StatusName = entry.NewStatusName
		w.WriteHeader(http.StatusOK)
	case parts[0] == testAssetApp && parts[2] == "search":
		search := assetSearch{}
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&search))
		f.search(w, search.SearchText)
	case parts[0] == testAssetApp && r.Method == http.MethodGet:
		id, _ := strconv.Atoi(parts[2])
		f.writeJSON(w, f.assets[id])
	case parts[0] == testAssetApp && r.Method == http.MethodPost:
		id, _ := strconv.Atoi(parts[2])
		updated := &asset{}
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(updated))
		f.assets[id] = updated
		f.writeJSON(w, updated)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakePlatform) listAssets(w http.ResponseWriter, ticketID, cursor string) {
	start, _ := strconv.Atoi(cursor)
	ids := f.attached[ticketID]

	page := assetPage{}
	for i := start; i < len(ids) && i < start+f.pageSize; i++ {
		page.Items = append(page.Items, *f.assets[ids[i]])
	}

	if start+f.pageSize < len(ids) {
		page.NextCursor = strconv.Itoa(start + f.pageSize)
	}

	f.writeJSON(w, page)
}

func (f *fakePlatform) search(w http.ResponseWriter, text string) {
	results := []asset{}
	for _, a := range f.assets {
		if strings.Contains(strings.ToUpper(a.Tag), strings.ToUpper(text)) || strings.Contains(a.SerialNumber, text) {
			results = append(results, *a)
		}
	}

	f.writeJSON(w, results)
}

func (f *fakePlatform) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	require.NoError(f.t, json.NewEncoder(w).Encode(v))
}

func (f *fakePlatform) count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, r := range f.requests {
		if strings.HasPrefix(r, prefix) {
			n++
		}
	}

	return n
}

func testOptions(baseURL string) *configuration.TicketingOptions {
	opts := configuration.New().Ticketing
	opts.BaseURL = baseURL
	opts.APIToken = testToken
	opts.TicketApp = testTicketApp
	opts.AssetApp = testAssetApp
	opts.IdempotencyHeader = "Idempotency-Key"

	return opts
}

func newTestAdapter(t *testing.T) (*Adapter, *fakePlatform) {
	platform := newFakePlatform(t)
	server := httptest.NewServer(platform)
	t.Cleanup(server.Close)

	adapter, err := New(testOptions(server.URL), nil)
	require.NoError(t, err)

	adapter.now = func() time.Time { return time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC) }

	return adapter, platform
}

func TestTicket(t *testing.T) {
	adapter, _ := newTestAdapter(t)

	tk, err := adapter.Ticket(context.Background(), "1000")
	require.NoError(t, err)

	assert.Equal(t, "1000", tk.ID)
	assert.Equal(t, "Open", tk.StatusName)
	assert.Equal(t, "bjensen", tk.RequestorUID)
	assert.Equal(t, "Fall 2026", tk.Attributes["sah_Loan Length (Term)"])
}

func TestTicketAssetsFollowsCursor(t *testing.T) {
	adapter, platform := newTestAdapter(t)

	for id := 60; id < 65; id++ {
		platform.assets[id] = &asset{ID: id, Tag: "TRL000" + strconv.Itoa(id)}
		platform.attached["1000"] = append(platform.attached["1000"], id)
	}

	assets, err := adapter.TicketAssets(context.Background(), "1000")
	require.NoError(t, err)

	assert.Len(t, assets, 5)
	assert.Equal(t, "60", assets[0].ID)
	assert.Equal(t, "64", assets[4].ID)
	assert.Equal(t, 3, platform.count("GET /api/ITS Tickets/tickets/1000/assets"))
}

func TestExecuteCheckOut(t *testing.T) {
	adapter, platform := newTestAdapter(t)

	req := &model.OperationRequest{
		Vendor:         model.VendorTicketing,
		Kind:           model.CheckOut,
		Asset:          model.AssetRef{AssetTag: "TRL12345", TicketID: "1000"},
		Actor:          "jdoe",
		Owner:          "bjensen",
		Notes:          "On Loan until Fall 2026",
		IdempotencyKey: "key-1",
	}

	raw, err := adapter.Execute(context.Background(), req)
	require.NoError(t, err)

	updated := platform.assets[55]
	assert.Equal(t, "Offsite", updated.LocationName)
	assert.Equal(t, "On Loan", updated.StatusName)
	assert.Equal(t, "bjensen", updated.OwningCustomerID)
	assert.Equal(t, "On Loan until Fall 2026", updated.Notes)
	assert.Contains(t, updated.Attributes, attribute{Name: lastInventoriedAttr, Value: "2026-09-01"})

	assert.Equal(t, []int{55}, platform.attached["1000"])
	assert.Equal(t, []feedEntry{{NewStatusName: "Closed", Comments: checkedOutComment}}, platform.feed["1000"])
	assert.ElementsMatch(t, []string{"key-1-attach", "key-1-update", "key-1-feed"}, platform.keys)

	outcome := normalize.Safe(Normalizer{}, raw)
	assert.Equal(t, model.StatusSuccess, outcome.Status)
	assert.Equal(t, "TRL12345 checked out: On Loan at Offsite", outcome.Message)
}

func TestExecuteCheckInWithoutTicket(t *testing.T) {
	adapter, platform := newTestAdapter(t)
	platform.assets[55].OwningCustomerID = "bjensen"

	req := &model.OperationRequest{
		Vendor: model.VendorTicketing,
		Kind:   model.CheckIn,
		Asset:  model.AssetRef{SerialNumber: "C02XK0AAJG5J"},
		Notes:  checkedInComment,
	}

	raw, err := adapter.Execute(context.Background(), req)
	require.NoError(t, err)

	updated := platform.assets[55]
	assert.Equal(t, "MICHIGAN UNION", updated.LocationName)
	assert.Equal(t, "In Stock - Reserved", updated.StatusName)
	assert.Empty(t, updated.OwningCustomerID)
	assert.Empty(t, platform.feed)
	assert.Equal(t, 0, platform.count("POST /api/ITS Tickets"))

	outcome := normalize.Safe(Normalizer{}, raw)
	assert.Equal(t, "TRL12345 checked in: In Stock - Reserved at MICHIGAN UNION", outcome.Message)
}

func TestExecuteSkipsAttachWhenAlreadyAttached(t *testing.T) {
	adapter, platform := newTestAdapter(t)
	platform.attached["1000"] = []int{56, 55}

	_, err := adapter.Execute(context.Background(), &model.OperationRequest{
		Kind:  model.CheckOut,
		Asset: model.AssetRef{AssetTag: "TRL12345", TicketID: "1000"},
		Owner: "bjensen",
	})
	require.NoError(t, err)

	assert.Equal(t, []int{56, 55}, platform.attached["1000"])
}

func TestAssetResolution(t *testing.T) {
	adapter, platform := newTestAdapter(t)

	_, err := adapter.Asset(context.Background(), model.AssetRef{AssetTag: "TRL99999"})
	assert.ErrorIs(t, err, ErrAssetNotFound)
	assert.Equal(t, model.KindInvalidRequest, model.KindOf(err))

	platform.assets[57] = &asset{ID: 57, Tag: "trl12345"}

	_, err = adapter.Asset(context.Background(), model.AssetRef{AssetTag: "TRL12345"})
	assert.ErrorIs(t, err, ErrAmbiguousAsset)

	_, err = adapter.Asset(context.Background(), model.AssetRef{AssetTag: "XYZ1"})
	assert.Equal(t, model.KindInvalidRequest, model.KindOf(err))
}

func TestStatusClassification(t *testing.T) {
	adapter, platform := newTestAdapter(t)

	platform.failWith = http.StatusServiceUnavailable
	_, err := adapter.Ticket(context.Background(), "1000")
	assert.Equal(t, model.KindVendorServer, model.KindOf(err))

	platform.failWith = http.StatusTooManyRequests
	platform.retryHint = "3"
	_, err = adapter.Ticket(context.Background(), "1000")

	var vendorErr *model.VendorError
	require.ErrorAs(t, err, &vendorErr)
	assert.Equal(t, model.KindRateLimitExceeded, vendorErr.Kind)
	assert.Equal(t, 3*time.Second, vendorErr.RetryAfter)

	platform.failWith = 0
	platform.token = "rotated"
	_, err = adapter.Ticket(context.Background(), "1000")
	assert.Equal(t, model.KindAuth, model.KindOf(err))
}

func TestUnsupportedWarrantyLookup(t *testing.T) {
	adapter, _ := newTestAdapter(t)

	_, err := adapter.Execute(context.Background(), &model.OperationRequest{Kind: model.WarrantyLookup})
	assert.Equal(t, model.KindUnsupportedOperation, model.KindOf(err))
}

func TestAdminTokenIsReusedUntilExpiry(t *testing.T) {
	platform := newFakePlatform(t)

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	platform.loginTok = signed
	platform.token = signed

	server := httptest.NewServer(platform)
	t.Cleanup(server.Close)

	opts := testOptions(server.URL)
	opts.APIToken = ""
	opts.BEID = "beid"
	opts.WebServicesKey = "key"

	adapter, err := New(opts, nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = adapter.Ticket(context.Background(), "1000")
		require.NoError(t, err)
	}

	assert.Equal(t, 1, platform.logins)
}

func TestAdminTokenExpiry(t *testing.T) {
	now := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	s := &adminTokenSource{now: func() time.Time { return now }}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(now.Add(20 * time.Minute)),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	assert.WithinDuration(t, now.Add(20*time.Minute), s.expiry(signed), 0)
	assert.WithinDuration(t, now.Add(defaultTokenTTL), s.expiry("not-a-jwt"), 0)
}
