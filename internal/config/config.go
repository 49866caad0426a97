package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

var (
	// ErrParsingConfig is returned when environment variables cannot be parsed into the config struct
	ErrParsingConfig = errors.New("failed to parse environment variables into config")

	// ErrInvalidConfig is returned when a parsed configuration fails validation
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Catch-up modes for messages that existed before the watcher's first run.
const (
	CatchUpNone    = "none"
	CatchUpProcess = "process"
	CatchUpDryRun  = "dry-run"
)

// Config is the full runtime configuration, read from the environment.
type Config struct {
	AppEnv    string `env:"APP_ENV" envDefault:"development"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" validate:"omitempty,oneof=json text"`
	HTTPAddr  string `env:"HTTP_ADDR" envDefault:":8080"`
	NATSURL   string `env:"NATS_URL"`
	RedisURL  string `env:"REDIS_URL"`

	Mailbox    Mailbox
	IMAP       IMAP       `envPrefix:"IMAP_"`
	Gmail      Gmail      `envPrefix:"GMAIL_"`
	Outlook    Outlook    `envPrefix:"OUTLOOK_"`
	Postcard   Postcard   `envPrefix:"POSTCARD_"`
	Extraction Extraction `envPrefix:"EXTRACTION_"`
	Notify     Notify
	Store      Store `envPrefix:"STORE_"`
	Images     Images
	API        API `envPrefix:"API_"`
}

// Mailbox holds the watcher settings shared by every mailbox source.
type Mailbox struct {
	Source                 string `env:"MAILBOX_SOURCE" envDefault:"imap" validate:"oneof=imap gmail outlook"`
	SubjectFilter          string `env:"SUBJECT_FILTER" envDefault:"postcard" validate:"required"`
	PollIntervalSeconds    int    `env:"POLL_INTERVAL_SECONDS" envDefault:"60" validate:"min=1"`
	InitialSyncDays        int    `env:"INITIAL_SYNC_DAYS" envDefault:"7" validate:"min=0"`
	CatchUpMode            string `env:"CATCH_UP_MODE" envDefault:"none" validate:"oneof=none process dry-run"`
	RequireImageAttachment bool   `env:"REQUIRE_IMAGE_ATTACHMENT" envDefault:"true"`
	Workers                int    `env:"WORKERS" envDefault:"2" validate:"min=1,max=16"`
	MaxAttempts            int    `env:"MAX_ATTEMPTS" envDefault:"4" validate:"min=1"`
	OutboxMaxAttempts      int    `env:"OUTBOX_MAX_ATTEMPTS" envDefault:"10" validate:"min=1"`
	StaleAfterSeconds      int    `env:"STALE_AFTER_SECONDS" validate:"min=0"`
}

type IMAP struct {
	Host     string `env:"HOST"`
	Port     int    `env:"PORT" envDefault:"993"`
	User     string `env:"USER"`
	Password string `env:"PASSWORD"`
	TLS      bool   `env:"TLS" envDefault:"true"`
	Inbox    string `env:"INBOX" envDefault:"INBOX"`
}

type Gmail struct {
	ClientID     string `env:"CLIENT_ID"`
	ClientSecret string `env:"CLIENT_SECRET"`
	RefreshToken string `env:"REFRESH_TOKEN"`
	User         string `env:"USER" envDefault:"me"`
	Label        string `env:"LABEL" envDefault:"INBOX"`
}

type Outlook struct {
	TenantID     string `env:"TENANT_ID"`
	ClientID     string `env:"CLIENT_ID"`
	ClientSecret string `env:"CLIENT_SECRET"`
	User         string `env:"USER"`
}

// Postcard configures the print-and-mail provider.
type Postcard struct {
	Mode          string `env:"MODE" envDefault:"test" validate:"oneof=test live"`
	TestKey       string `env:"TEST_KEY"`
	LiveKey       string `env:"LIVE_KEY"`
	ForceTest     bool   `env:"FORCE_TEST"`
	WebhookSecret string `env:"WEBHOOK_SECRET"`
	Size          string `env:"SIZE" envDefault:"4x6" validate:"oneof=4x6 6x9"`
	SenderID      string `env:"SENDER_ID"`
	APIURL        string `env:"API_URL" envDefault:"https://api.lob.com/v1" validate:"url"`
}

type Extraction struct {
	Provider       string `env:"PROVIDER" envDefault:"openrouter" validate:"oneof=openrouter ollama custom"`
	APIKey         string `env:"API_KEY"`
	Model          string `env:"MODEL" validate:"required"`
	Endpoint       string `env:"ENDPOINT" validate:"omitempty,url"`
	MaxTokens      int    `env:"MAX_TOKENS" envDefault:"1024" validate:"min=64"`
	TimeoutSeconds int    `env:"TIMEOUT_SECONDS" envDefault:"45" validate:"min=1"`
}

type Notify struct {
	Transport            string `env:"NOTIFY_TRANSPORT" envDefault:"smtp" validate:"oneof=smtp postmark"`
	SMTPHost             string `env:"SMTP_HOST"`
	SMTPPort             int    `env:"SMTP_PORT" envDefault:"587"`
	SMTPUser             string `env:"SMTP_USER"`
	SMTPPassword         string `env:"SMTP_PASSWORD"`
	SMTPSecurity         string `env:"SMTP_SECURITY" validate:"omitempty,oneof=starttls tls none"`
	From                 string `env:"SMTP_FROM" validate:"required,email"`
	PostmarkServerToken  string `env:"POSTMARK_SERVER_TOKEN"`
	PostmarkAccountToken string `env:"POSTMARK_ACCOUNT_TOKEN"`
}

type Store struct {
	Path   string `env:"PATH" envDefault:"data/postcards.db"`
	Driver string `env:"DRIVER" envDefault:"sqlite" validate:"oneof=sqlite sqlite3"`
}

type Images struct {
	Backend       string `env:"IMAGE_STORE" envDefault:"local" validate:"oneof=local s3"`
	Dir           string `env:"IMAGE_DIR" envDefault:"data/images"`
	PublicBaseURL string `env:"PUBLIC_BASE_URL" validate:"omitempty,url"`
	S3Bucket      string `env:"S3_BUCKET"`
	S3Region      string `env:"S3_REGION"`
	S3Endpoint    string `env:"S3_ENDPOINT"`
	S3AccessKeyID string `env:"S3_ACCESS_KEY_ID"`
	S3SecretKey   string `env:"S3_SECRET_KEY"`
	S3URLTTLHours int    `env:"S3_URL_TTL_HOURS" envDefault:"168" validate:"min=1"`
}

type API struct {
	JWTSecret string `env:"JWT_SECRET"`
	JWKSURL   string `env:"JWKS_URL" validate:"omitempty,url"`
}

// Load reads a .env file if present, then parses the process environment.
func Load() (*Config, error) {
	// The .env file is optional.
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, errors.Join(ErrParsingConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadStore reads only the STORE_ variables, for commands that just inspect
// the database.
func LoadStore() (*Store, error) {
	_ = godotenv.Load()

	var st Store
	if err := env.ParseWithOptions(&st, env.Options{Prefix: "STORE_"}); err != nil {
		return nil, errors.Join(ErrParsingConfig, err)
	}
	if err := validator.New().Struct(st); err != nil {
		return nil, errors.Join(ErrInvalidConfig, err)
	}
	return &st, nil
}

// LoadFrom parses the given variables instead of the process environment.
func LoadFrom(vars map[string]string) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: vars}); err != nil {
		return nil, errors.Join(ErrParsingConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field-level rules and the requirements that depend on
// which backends are selected.
func (c *Config) Validate() error {
	var errs []error
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, fmt.Errorf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
		} else {
			errs = append(errs, err)
		}
	}

	require := func(ok bool, name string) {
		if !ok {
			errs = append(errs, fmt.Errorf("%s is required", name))
		}
	}

	switch c.Mailbox.Source {
	case "imap":
		require(c.IMAP.Host != "", "IMAP_HOST")
		require(c.IMAP.User != "", "IMAP_USER")
		require(c.IMAP.Password != "", "IMAP_PASSWORD")
	case "gmail":
		require(c.Gmail.ClientID != "", "GMAIL_CLIENT_ID")
		require(c.Gmail.ClientSecret != "", "GMAIL_CLIENT_SECRET")
		require(c.Gmail.RefreshToken != "", "GMAIL_REFRESH_TOKEN")
	case "outlook":
		require(c.Outlook.TenantID != "", "OUTLOOK_TENANT_ID")
		require(c.Outlook.ClientID != "", "OUTLOOK_CLIENT_ID")
		require(c.Outlook.ClientSecret != "", "OUTLOOK_CLIENT_SECRET")
		require(c.Outlook.User != "", "OUTLOOK_USER")
	}

	require(c.Postcard.TestKey != "", "POSTCARD_TEST_KEY")
	if c.Postcard.Mode == "live" && !c.Postcard.ForceTest {
		require(c.Postcard.LiveKey != "", "POSTCARD_LIVE_KEY")
	}

	switch c.Extraction.Provider {
	case "openrouter":
		require(c.Extraction.APIKey != "", "EXTRACTION_API_KEY")
	case "custom":
		require(c.Extraction.Endpoint != "", "EXTRACTION_ENDPOINT")
	}

	switch c.Notify.Transport {
	case "smtp":
		require(c.Notify.SMTPHost != "", "SMTP_HOST")
	case "postmark":
		require(c.Notify.PostmarkServerToken != "", "POSTMARK_SERVER_TOKEN")
		require(c.Notify.PostmarkAccountToken != "", "POSTMARK_ACCOUNT_TOKEN")
	}

	switch c.Images.Backend {
	case "local":
		require(c.Images.PublicBaseURL != "", "PUBLIC_BASE_URL")
	case "s3":
		require(c.Images.S3Bucket != "", "S3_BUCKET")
		require(c.Images.S3Region != "", "S3_REGION")
	}

	if len(errs) > 0 {
		return errors.Join(append([]error{ErrInvalidConfig}, errs...)...)
	}
	return nil
}

// PollInterval is the watcher tick.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Mailbox.PollIntervalSeconds) * time.Second
}

// StaleAfter is how long a record may stay in processing before it is
// considered abandoned. Defaults to one poll interval.
func (c *Config) StaleAfter() time.Duration {
	if c.Mailbox.StaleAfterSeconds > 0 {
		return time.Duration(c.Mailbox.StaleAfterSeconds) * time.Second
	}
	return c.PollInterval()
}

// NetworkTimeout bounds a single network call by the poll interval.
func (c *Config) NetworkTimeout(d time.Duration) time.Duration {
	if p := c.PollInterval(); d <= 0 || d > p {
		return p
	}
	return d
}
