package apple

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tech-consulting/assetops/internal/configuration"
	"github.com/tech-consulting/assetops/internal/model"
	"github.com/tech-consulting/assetops/internal/normalize"
)

const statusResponse = `<?xml version="1.0" encoding="UTF-8"?>
<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/">
  <soap:Body>
    <ns2:warrantyStatusResponse xmlns:ns2="http://gsxws.apple.com/elements/warranty">
      <warrantyDetailInfo>
        <serialNumber>%s</serialNumber>
        <warrantyStatus>%s</warrantyStatus>
        <coverageEndDate>2027-03-14</coverageEndDate>
      </warrantyDetailInfo>
    </ns2:warrantyStatusResponse>
  </soap:Body>
</soap:Envelope>`

const faultResponse = `<?xml version="1.0" encoding="UTF-8"?>
<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/">
  <soap:Body>
    <soap:Fault>
      <faultcode>%s</faultcode>
      <faultstring>%s</faultstring>
    </soap:Fault>
  </soap:Body>
</soap:Envelope>`

var serialPattern = regexp.MustCompile(`<serialNumber>([^<]*)</serialNumber>`)

func newTestAdapter(t *testing.T, handler http.HandlerFunc) *Adapter {
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	opts := configuration.New().Vendors.Apple
	opts.BaseURL = server.URL
	opts.APIKey = "apple-key"

	adapter, err := New(opts, nil)
	require.NoError(t, err)

	return adapter
}

func lookup(serial string) *model.OperationRequest {
	return &model.OperationRequest{
		Vendor: model.VendorApple,
		Kind:   model.WarrantyLookup,
		Asset:  model.AssetRef{SerialNumber: serial},
	}
}

func TestLookupActive(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/warranty", r.URL.Path)
		assert.Equal(t, "apple-key", r.Header.Get("X-Apple-Api-Key"))
		assert.Equal(t, soapAction, r.Header.Get("SOAPAction"))

		body, _ := io.ReadAll(r.Body)
		match := serialPattern.FindSubmatch(body)
		if !assert.Len(t, match, 2) {
			return
		}

		w.Header().Set("Content-Type", "text/xml")
		fmt.Fprintf(w, statusResponse, match[1], "AppleCare+")
	})

	raw, err := adapter.Execute(context.Background(), lookup("C02XK0AAJG5J"))
	require.NoError(t, err)

	outcome := normalize.Safe(Normalizer{}, raw)
	require.Equal(t, model.StatusSuccess, outcome.Status)
	assert.Equal(t, model.CoverageActive, outcome.Warranty.CoverageStatus)
	assert.Equal(t, "C02XK0AAJG5J", outcome.Warranty.SerialNumber)
	assert.Equal(t, "2027-03-14", outcome.Warranty.ExpirationDate.Format("2006-01-02"))
	assert.Equal(t, "AppleCare+", outcome.Warranty.Raw)
}

func TestServerFaultIsRetryable(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintf(w, faultResponse, "soap:Server", "backend unavailable")
	})

	raw, err := adapter.Execute(context.Background(), lookup("C02XK0AAJG5J"))
	assert.Equal(t, model.KindVendorServer, model.KindOf(err))
	require.NotNil(t, raw)
	assert.Equal(t, "soap:Server: backend unavailable", raw.SOAPFault)
	assert.True(t, model.KindOf(err).Transient())
}

func TestClientFaultInSuccessResponse(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, faultResponse, "soap:Client", "serial number not recognized")
	})

	raw, err := adapter.Execute(context.Background(), lookup("BADSERIAL"))
	assert.Equal(t, model.KindInvalidRequest, model.KindOf(err))

	outcome := normalize.Safe(Normalizer{}, raw)
	assert.Equal(t, model.StatusFailed, outcome.Status)
	assert.Equal(t, model.KindInvalidRequest, outcome.ErrorKind)
}

func TestUnsupported(t *testing.T) {
	adapter := newTestAdapter(t, func(http.ResponseWriter, *http.Request) {
		t.Fatal("vendor must not be contacted")
	})

	_, err := adapter.Execute(context.Background(), &model.OperationRequest{Kind: model.CheckOut})
	assert.Equal(t, model.KindUnsupportedOperation, model.KindOf(err))
}

func TestNormalize(t *testing.T) {
	cases := []struct {
		name     string
		body     string
		status   model.Status
		coverage model.CoverageStatus
		kind     model.ErrorKind
	}{
		{"expired", fmt.Sprintf(statusResponse, "SN", "Out Of Warranty"), model.StatusSuccess, model.CoverageExpired, ""},
		{"unrecognized vocabulary", fmt.Sprintf(statusResponse, "SN", "Vintage Hardware"), model.StatusSuccess, model.CoverageUnknown, ""},
		{"not xml", "{\"status\":\"ok\"}", model.StatusFailed, "", model.KindMalformedResponse},
		{"empty envelope", `<Envelope><Body></Body></Envelope>`, model.StatusFailed, "", model.KindMalformedResponse},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			outcome := normalize.Safe(Normalizer{}, &model.RawVendorResponse{
				Vendor:     model.VendorApple,
				HTTPStatus: http.StatusOK,
				Body:       []byte(tc.body),
			})

			assert.Equal(t, tc.status, outcome.Status)
			assert.Equal(t, tc.kind, outcome.ErrorKind)

			if tc.coverage != "" {
				require.NotNil(t, outcome.Warranty)
				assert.Equal(t, tc.coverage, outcome.Warranty.CoverageStatus)
			}
		})
	}
}
