package configuration

import (
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/jeremywohl/flatten"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/tech-consulting/assetops/internal/model"
)

var (
	defaultConcurrency     = 8
	defaultDedupWindow     = 30 * time.Second
	defaultMetricsAddress  = "localhost:9090"
	defaultConfirmAttempts = 3
	defaultConfirmInterval = 2 * time.Second
)

type AuthMode string

const (
	AuthNone    AuthMode = "none"
	AuthAPIKey  AuthMode = "api_key"
	AuthOAuth2  AuthMode = "oauth2"
	AuthSession AuthMode = "session"
)

type RateLimitMode string

const (
	RateLimitWait     RateLimitMode = "wait"
	RateLimitFailFast RateLimitMode = "failfast"
)

// ResilienceOptions holds the timeout, retry, circuit breaker and rate limit policy of one vendor.
// Zero values fall back to the top level resilience defaults.
type ResilienceOptions struct {
	Timeout          time.Duration `mapstructure:"timeout"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	BackoffMin       time.Duration `mapstructure:"backoff_min"`
	BackoffMax       time.Duration `mapstructure:"backoff_max"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
	MaxCooldown      time.Duration `mapstructure:"max_cooldown"`
	RateLimitRPM     int           `mapstructure:"rate_limit_rpm"`
	RateLimitBurst   int           `mapstructure:"rate_limit_burst"`
	RateLimitMode    RateLimitMode `mapstructure:"rate_limit_mode"`
}

// DefaultResilience returns the policy applied when nothing is configured.
func DefaultResilience() ResilienceOptions {
	return ResilienceOptions{
		Timeout:          10 * time.Second,
		MaxAttempts:      3,
		BackoffMin:       200 * time.Millisecond,
		BackoffMax:       5 * time.Second,
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		MaxCooldown:      5 * time.Minute,
		RateLimitRPM:     60,
		RateLimitBurst:   5,
		RateLimitMode:    RateLimitWait,
	}
}

// Merge returns o with every zero field taken from defaults.
func (o ResilienceOptions) Merge(defaults ResilienceOptions) ResilienceOptions {
	if o.Timeout == 0 {
		o.Timeout = defaults.Timeout
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = defaults.MaxAttempts
	}
	if o.BackoffMin == 0 {
		o.BackoffMin = defaults.BackoffMin
	}
	if o.BackoffMax == 0 {
		o.BackoffMax = defaults.BackoffMax
	}
	if o.FailureThreshold == 0 {
		o.FailureThreshold = defaults.FailureThreshold
	}
	if o.Cooldown == 0 {
		o.Cooldown = defaults.Cooldown
	}
	if o.MaxCooldown == 0 {
		o.MaxCooldown = defaults.MaxCooldown
	}
	if o.RateLimitRPM == 0 {
		o.RateLimitRPM = defaults.RateLimitRPM
	}
	if o.RateLimitBurst == 0 {
		o.RateLimitBurst = defaults.RateLimitBurst
	}
	if o.RateLimitMode == "" {
		o.RateLimitMode = defaults.RateLimitMode
	}

	return o
}

// validate rejects negative values, Merge only replaces zero ones.
func (o ResilienceOptions) validate(prefix string) error {
	fields := []struct {
		name  string
		value int64
	}{
		{"timeout", int64(o.Timeout)},
		{"max_attempts", int64(o.MaxAttempts)},
		{"backoff_min", int64(o.BackoffMin)},
		{"backoff_max", int64(o.BackoffMax)},
		{"failure_threshold", int64(o.FailureThreshold)},
		{"cooldown", int64(o.Cooldown)},
		{"max_cooldown", int64(o.MaxCooldown)},
		{"rate_limit_rpm", int64(o.RateLimitRPM)},
		{"rate_limit_burst", int64(o.RateLimitBurst)},
	}

	for _, f := range fields {
		if f.value < 0 {
			return errors.Errorf("%s.%s must not be negative", prefix, f.name)
		}
	}

	return nil
}

// TicketingOptions defines configuration for the ticketing platform client.
type TicketingOptions struct {
	BaseURL  string `mapstructure:"base_url"`
	APIToken string `mapstructure:"api_token"`
	// BEID and WebServicesKey request short lived admin tokens instead of a static APIToken.
	BEID              string   `mapstructure:"beid"`
	WebServicesKey    string   `mapstructure:"web_services_key"`
	TicketApp         string   `mapstructure:"ticket_app"`
	AssetApp          string   `mapstructure:"asset_app"`
	IdempotencyHeader string   `mapstructure:"idempotency_header"`
	OpenStatuses      []string `mapstructure:"open_statuses"`
	ClosedStatus      string   `mapstructure:"closed_status"`
	CheckOutLocation  string   `mapstructure:"checkout_location"`
	CheckOutStatus    string   `mapstructure:"checkout_status"`
	CheckInLocation   string   `mapstructure:"checkin_location"`
	CheckInStatus     string   `mapstructure:"checkin_status"`
	LoanLengthAttr    string   `mapstructure:"loan_length_attribute"`

	Resilience ResilienceOptions `mapstructure:"resilience"`
}

func newTicketingOptions() *TicketingOptions {
	return &TicketingOptions{
		TicketApp:        "ITS Tickets",
		AssetApp:         "ITS EUC Assets/CIs",
		OpenStatuses:     []string{"New", "Open", "Scheduled"},
		ClosedStatus:     "Closed",
		CheckOutLocation: "Offsite",
		CheckOutStatus:   "On Loan",
		CheckInLocation:  "MICHIGAN UNION",
		CheckInStatus:    "In Stock - Reserved",
		LoanLengthAttr:   "sah_Loan Length (Term)",
	}
}

// VendorOptions defines configuration for one warranty vendor client.
type VendorOptions struct {
	Enabled      bool     `mapstructure:"enabled"`
	BaseURL      string   `mapstructure:"base_url"`
	AuthMode     AuthMode `mapstructure:"auth_mode"`
	APIKey       string   `mapstructure:"api_key"`
	APIKeyHeader string   `mapstructure:"api_key_header"`
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	TokenURL     string   `mapstructure:"token_url"`
	OidcIssuer   string   `mapstructure:"oidc_issuer"`
	Scopes       []string `mapstructure:"scopes"`
	Username     string   `mapstructure:"username"`
	Password     string   `mapstructure:"password"`

	Resilience ResilienceOptions `mapstructure:"resilience"`
}

// Vendors holds the warranty vendor configuration.
// Fields rather than a map so every key can be bound to an env var.
type Vendors struct {
	Apple    *VendorOptions `mapstructure:"apple"`
	HP       *VendorOptions `mapstructure:"hp"`
	Dell     *VendorOptions `mapstructure:"dell"`
	Lenovo   *VendorOptions `mapstructure:"lenovo"`
	Safeware *VendorOptions `mapstructure:"safeware"`
}

func newVendors() *Vendors {
	return &Vendors{
		Apple:    &VendorOptions{AuthMode: AuthAPIKey, APIKeyHeader: "X-Apple-Api-Key"},
		HP:       &VendorOptions{AuthMode: AuthOAuth2},
		Dell:     &VendorOptions{AuthMode: AuthOAuth2},
		Lenovo:   &VendorOptions{AuthMode: AuthAPIKey, APIKeyHeader: "ClientID"},
		Safeware: &VendorOptions{AuthMode: AuthSession},
	}
}

// Get returns the options of a warranty vendor, nil for unknown vendors.
func (v *Vendors) Get(vendor model.VendorIdentity) *VendorOptions {
	switch vendor {
	case model.VendorApple:
		return v.Apple
	case model.VendorHP:
		return v.HP
	case model.VendorDell:
		return v.Dell
	case model.VendorLenovo:
		return v.Lenovo
	case model.VendorSafeware:
		return v.Safeware
	default:
		return nil
	}
}

// ConfirmOptions bounds the re-reads done after a check-out or check-in.
type ConfirmOptions struct {
	Attempts int           `mapstructure:"attempts"`
	Interval time.Duration `mapstructure:"interval"`
}

// Configuration holds application configuration read from a YAML or set by env variables.
// nolint:govet // prefer readability over field alignment optimization for this case.
type Configuration struct {
	// LogLevel is the app verbose logging level.
	// one of - info, debug, trace
	LogLevel string `mapstructure:"log_level"`

	// Concurrency caps the number of vendor calls in flight across all requests.
	Concurrency int `mapstructure:"concurrency"`

	// DedupWindow is how long a check-out or check-in outcome is replayed to duplicate requests.
	DedupWindow time.Duration `mapstructure:"dedup_window"`

	// DryRun replaces every vendor with an in-memory simulation.
	DryRun bool `mapstructure:"dry_run"`

	MetricsAddress string `mapstructure:"metrics_address"`

	EnableProfiling bool `mapstructure:"enable_profiling"`

	Confirm *ConfirmOptions `mapstructure:"confirm"`

	// Resilience holds the defaults for every vendor.
	Resilience *ResilienceOptions `mapstructure:"resilience"`

	Ticketing *TicketingOptions `mapstructure:"ticketing"`

	Vendors *Vendors `mapstructure:"vendors"`
}

// New creates a configuration struct with defaults.
func New() *Configuration {
	config := &Configuration{}

	// these are initialized here so viper can read in configuration from env vars
	// once https://github.com/spf13/viper/pull/1429 is merged, this can go.
	defaults := DefaultResilience()
	config.Resilience = &defaults
	config.Confirm = &ConfirmOptions{}
	config.Ticketing = newTicketingOptions()
	config.Vendors = newVendors()

	return config
}

func (c *Configuration) AsLogFields() []any {
	return []any{
		"logLevel", c.LogLevel,
		"concurrency", c.Concurrency,
		"dedupWindow", c.DedupWindow.String(),
		"dryRun", c.DryRun,
		"ticketingURL", c.Ticketing.BaseURL,
		"vendors", c.EnabledVendors(),
		"enableProfiling", c.EnableProfiling,
	}
}

// EnabledVendors lists warranty vendors turned on in the configuration.
func (c *Configuration) EnabledVendors() []model.VendorIdentity {
	enabled := []model.VendorIdentity{}
	for _, v := range model.WarrantyVendors {
		if opts := c.Vendors.Get(v); opts != nil && (opts.Enabled || c.DryRun) {
			enabled = append(enabled, v)
		}
	}

	return enabled
}

// ResilienceFor returns the merged policy of one vendor.
func (c *Configuration) ResilienceFor(vendor model.VendorIdentity) ResilienceOptions {
	defaults := DefaultResilience()
	if c.Resilience != nil {
		defaults = c.Resilience.Merge(defaults)
	}

	if vendor == model.VendorTicketing {
		return c.Ticketing.Resilience.Merge(defaults)
	}

	if opts := c.Vendors.Get(vendor); opts != nil {
		return opts.Resilience.Merge(defaults)
	}

	return defaults
}

func (c *Configuration) LoadArgs(args *model.Args) {
	if args.LogLevel != "" {
		c.LogLevel = args.LogLevel
	}

	if args.EnableProfiling {
		c.EnableProfiling = true
	}

	if args.DryRun {
		c.DryRun = true
	}
}

// Load the application configuration
// Reads in the configFile when available and overrides from environment variables.
func Load(args *model.Args) (*Configuration, error) {
	viperConfig := viper.New()
	viperConfig.SetConfigType("yaml")
	viperConfig.SetEnvPrefix(model.AppName)
	viperConfig.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viperConfig.AutomaticEnv()

	if args.ConfigFile != "" {
		fh, err := os.Open(args.ConfigFile)
		if err != nil {
			return nil, errors.Wrap(model.ErrConfig, err.Error())
		}
		defer fh.Close()

		if err = viperConfig.ReadConfig(fh); err != nil {
			return nil, errors.Wrap(model.ErrConfig, "ReadConfig error: "+err.Error())
		}
	}

	config := New()

	if err := config.envBindVars(viperConfig); err != nil {
		return nil, errors.Wrap(model.ErrConfig, "env var bind error: "+err.Error())
	}

	if err := viperConfig.Unmarshal(config); err != nil {
		return nil, errors.Wrap(model.ErrConfig, "Unmarshal error: "+err.Error())
	}

	config.envVarSecretOverrides(viperConfig)
	config.LoadArgs(args)

	if err := config.validate(); err != nil {
		return nil, errors.Wrap(model.ErrConfig, err.Error())
	}

	return config, nil
}

// envBindVars binds environment variables to the struct
// without a configuration file being unmarshalled,
// this is a workaround for a viper bug,
//
// This can be replaced by the solution in https://github.com/spf13/viper/pull/1429
// once that PR is merged.
func (c *Configuration) envBindVars(viperConfig *viper.Viper) error {
	envKeysMap := map[string]interface{}{}
	if err := mapstructure.Decode(c, &envKeysMap); err != nil {
		return err
	}

	// Flatten nested conf map
	flat, err := flatten.Flatten(envKeysMap, "", flatten.DotStyle)
	if err != nil {
		return errors.Wrap(err, "Unable to flatten configuration")
	}

	for k := range flat {
		if err := viperConfig.BindEnv(k); err != nil {
			return errors.Wrap(model.ErrConfig, "env var bind error: "+err.Error())
		}
	}

	return nil
}

// envVarSecretOverrides lets credentials come from the environment
// even when the configuration file does not mention them.
func (c *Configuration) envVarSecretOverrides(viperConfig *viper.Viper) {
	if token := viperConfig.GetString("ticketing.api.token"); token != "" {
		c.Ticketing.APIToken = token
	}

	if key := viperConfig.GetString("ticketing.web.services.key"); key != "" {
		c.Ticketing.WebServicesKey = key
	}

	for _, vendor := range model.WarrantyVendors {
		opts := c.Vendors.Get(vendor)
		prefix := "vendors." + vendor.String()

		if key := viperConfig.GetString(prefix + ".api.key"); key != "" {
			opts.APIKey = key
		}

		if secret := viperConfig.GetString(prefix + ".client.secret"); secret != "" {
			opts.ClientSecret = secret
		}

		if password := viperConfig.GetString(prefix + ".password"); password != "" {
			opts.Password = password
		}
	}
}

// nolint:gocyclo // parameter validation is cyclomatic
func (c *Configuration) validate() error {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}

	if c.DedupWindow <= 0 {
		c.DedupWindow = defaultDedupWindow
	}

	if c.MetricsAddress == "" {
		c.MetricsAddress = defaultMetricsAddress
	}

	if c.Confirm.Attempts <= 0 {
		c.Confirm.Attempts = defaultConfirmAttempts
	}

	if c.Confirm.Interval <= 0 {
		c.Confirm.Interval = defaultConfirmInterval
	}

	if c.Resilience.RateLimitMode != RateLimitWait && c.Resilience.RateLimitMode != RateLimitFailFast {
		return errors.New("resilience.rate_limit_mode must be wait or failfast")
	}

	if err := c.validateResilience(); err != nil {
		return err
	}

	if c.DryRun {
		return nil
	}

	if err := c.validateTicketing(); err != nil {
		return err
	}

	for _, vendor := range model.WarrantyVendors {
		if err := c.validateVendor(vendor, c.Vendors.Get(vendor)); err != nil {
			return err
		}
	}

	return nil
}

func (c *Configuration) validateResilience() error {
	if err := c.Resilience.validate("resilience"); err != nil {
		return err
	}

	if c.Ticketing != nil {
		if err := c.Ticketing.Resilience.validate("ticketing.resilience"); err != nil {
			return err
		}
	}

	for _, vendor := range model.WarrantyVendors {
		if opts := c.Vendors.Get(vendor); opts != nil {
			if err := opts.Resilience.validate("vendors." + vendor.String() + ".resilience"); err != nil {
				return err
			}
		}
	}

	return nil
}

func (c *Configuration) validateTicketing() error {
	if c.Ticketing.BaseURL == "" {
		return errors.New("missing parameter: ticketing.base_url")
	}

	if _, err := url.Parse(c.Ticketing.BaseURL); err != nil {
		return errors.New("ticketing base URL error: " + err.Error())
	}

	if c.Ticketing.APIToken == "" && (c.Ticketing.BEID == "" || c.Ticketing.WebServicesKey == "") {
		return errors.New("ticketing requires api_token or beid and web_services_key")
	}

	return nil
}

func (c *Configuration) validateVendor(vendor model.VendorIdentity, opts *VendorOptions) error {
	if opts == nil || !opts.Enabled {
		return nil
	}

	prefix := "vendors." + vendor.String()

	if opts.BaseURL == "" {
		return errors.New("missing parameter: " + prefix + ".base_url")
	}

	if _, err := url.Parse(opts.BaseURL); err != nil {
		return errors.New(prefix + " base URL error: " + err.Error())
	}

	switch opts.AuthMode {
	case AuthNone:
	case AuthAPIKey:
		if opts.APIKey == "" {
			return errors.New(prefix + ".api_key not defined")
		}
	case AuthOAuth2:
		if opts.ClientID == "" || opts.ClientSecret == "" {
			return errors.New(prefix + " oauth2 client_id and client_secret required")
		}

		if opts.TokenURL == "" && opts.OidcIssuer == "" {
			return errors.New(prefix + " oauth2 requires token_url or oidc_issuer")
		}
	case AuthSession:
		if opts.Username == "" || opts.Password == "" {
			return errors.New(prefix + " session auth requires username and password")
		}
	default:
		return errors.New(prefix + ".auth_mode unknown: " + string(opts.AuthMode))
	}

	return nil
}
