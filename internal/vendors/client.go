package vendors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"

	"github.com/tech-consulting/assetops/internal/model"
)

const (
	// maxBodyBytes bounds how much of a vendor response is read.
	maxBodyBytes = 8 << 20

	contentTypeJSON = "application/json"
)

// Client sends single attempts to one vendor and classifies the response.
// Retries are left to the resilience layer, the retryable client only contributes
// its transport error classification.
type Client struct {
	vendor  model.VendorIdentity
	baseURL *url.URL
	client  *retryablehttp.Client
	logger  *logrus.Entry
}

// ClientOption configures a Client.
type ClientOption func(*retryablehttp.Client)

// WithCookieJar keeps session cookies between requests.
func WithCookieJar(jar http.CookieJar) ClientOption {
	return func(c *retryablehttp.Client) {
		c.HTTPClient.Jar = jar
	}
}

// NewClient returns a client for the vendor served at baseURL. transport carries
// the vendor authentication, nil uses the default transport.
func NewClient(
	vendor model.VendorIdentity,
	baseURL string,
	transport http.RoundTripper,
	logger *logrus.Logger,
	opts ...ClientOption,
) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.Wrapf(model.ErrConfig, "%s: invalid base url %q", vendor, baseURL)
	}

	if transport == nil {
		transport = http.DefaultTransport
	}

	if logger == nil {
		logger = logrus.New()
	}

	entry := logger.WithField("vendor", vendor.String())

	rc := retryablehttp.NewClient()
	rc.RetryMax = 0
	rc.CheckRetry = noRetry
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.Logger = debugLogger{entry: entry}
	rc.HTTPClient = &http.Client{
		Transport: otelhttp.NewTransport(transport),
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	for _, opt := range opts {
		opt(rc)
	}

	return &Client{
		vendor:  vendor,
		baseURL: u,
		client:  rc,
		logger:  entry,
	}, nil
}

// debugLogger keeps the retryable client's own messages at debug level,
// failures are classified and logged by the resilience layer.
type debugLogger struct {
	entry *logrus.Entry
}

func (l debugLogger) Error(msg string, keysAndValues ...interface{}) { l.log(msg, keysAndValues) }
func (l debugLogger) Info(msg string, keysAndValues ...interface{})  { l.log(msg, keysAndValues) }
func (l debugLogger) Debug(msg string, keysAndValues ...interface{}) { l.log(msg, keysAndValues) }
func (l debugLogger) Warn(msg string, keysAndValues ...interface{})  { l.log(msg, keysAndValues) }

func (l debugLogger) log(msg string, keysAndValues []interface{}) {
	fields := logrus.Fields{}

	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}

	l.entry.WithFields(fields).Debug(msg)
}

func noRetry(context.Context, *http.Response, error) (bool, error) {
	return false, nil
}

// Vendor returns the vendor the client talks to.
func (c *Client) Vendor() model.VendorIdentity {
	return c.vendor
}

// Logger returns the vendor tagged logger.
func (c *Client) Logger() *logrus.Entry {
	return c.logger
}

// HTTPClient exposes the underlying client, for token requests that must share its transport.
func (c *Client) HTTPClient() *http.Client {
	return c.client.HTTPClient
}

// Request describes one vendor call.
type Request struct {
	Kind   model.OperationKind
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte
}

// JSON sets body to the JSON encoding of payload.
func (r *Request) JSON(payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "failed to marshal request body")
	}

	r.Body = body

	if r.Header == nil {
		r.Header = http.Header{}
	}

	r.Header.Set("Content-Type", contentTypeJSON)

	return nil
}

// Do sends req and returns the raw response. A non 2xx status returns the raw
// response along with a VendorError classifying it, so adapters can inspect the body.
func (c *Client) Do(ctx context.Context, req *Request) (*model.RawVendorResponse, error) {
	target := c.baseURL.JoinPath(req.Path)
	if len(req.Query) > 0 {
		target.RawQuery = req.Query.Encode()
	}

	var body any
	if req.Body != nil {
		body = req.Body
	}

	httpReq, err := retryablehttp.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		return nil, model.NewVendorError(c.vendor, model.KindInvalidRequest, errors.Wrap(err, "failed to build request"))
	}

	httpReq.Header.Set("Accept", contentTypeJSON+", text/xml;q=0.9, */*;q=0.8")

	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}

	start := time.Now()

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, c.transportError(ctx, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, c.transportError(ctx, err)
	}

	raw := &model.RawVendorResponse{
		Vendor:      c.vendor,
		Kind:        req.Kind,
		HTTPStatus:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        payload,
		Latency:     time.Since(start),
	}

	c.logger.WithFields(logrus.Fields{
		"method":  req.Method,
		"path":    req.Path,
		"status":  resp.StatusCode,
		"latency": raw.Latency.String(),
	}).Debug("vendor response")

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return raw, nil
	}

	vendorErr := &model.VendorError{
		Kind:       model.KindForHTTPStatus(resp.StatusCode),
		Vendor:     c.vendor,
		HTTPStatus: resp.StatusCode,
		Err:        errors.New(summarize(payload)),
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		vendorErr.RetryAfter = RetryAfter(resp.Header.Get("Retry-After"), time.Now())
	}

	return raw, vendorErr
}

// transportError classifies a failure to get any response at all.
func (c *Client) transportError(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return model.NewVendorError(c.vendor, model.KindTimeout, err)
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) || errors.Is(err, ErrCredentials) {
		return model.NewVendorError(c.vendor, model.KindAuth, err)
	}

	// the default policy separates connection failures worth retrying from
	// permanent ones such as certificate errors or unsupported schemes
	retry, _ := retryablehttp.DefaultRetryPolicy(ctx, nil, err)
	if !retry {
		return model.NewVendorError(c.vendor, model.KindInvalidRequest, err)
	}

	return model.NewVendorError(c.vendor, model.KindTransientNetwork, err)
}

// RetryAfter parses a Retry-After header given in seconds or as an HTTP date.
func RetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0
		}

		return time.Duration(seconds) * time.Second
	}

	if at, err := http.ParseTime(value); err == nil && at.After(now) {
		return at.Sub(now)
	}

	return 0
}

// summarize shortens an error body for messages.
func summarize(body []byte) string {
	const maxLen = 200

	s := string(bytes.TrimSpace(body))
	if s == "" {
		return "empty response body"
	}

	if len(s) > maxLen {
		s = s[:maxLen] + "..."
	}

	return s
}
