package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "WEBPHONE_"

var (
	// ErrMissingOption is returned when a required option is empty.
	ErrMissingOption = errors.New("missing required option")
	// ErrInvalidOption is returned when an option has an unusable value.
	ErrInvalidOption = errors.New("invalid option")
)

// RefreshPolicy selects how the registration refresh interval is derived.
type RefreshPolicy string

const (
	// RefreshFixed always waits SessionRefresh, whatever the registrar granted.
	RefreshFixed RefreshPolicy = "fixed"
	// RefreshBounded waits min(granted expiry, SessionRefresh).
	RefreshBounded RefreshPolicy = "bounded"
)

// Config holds the phone configuration
type Config struct {
	// Identity
	UserAgent   string `env:"USER_AGENT"`
	Domain      string `env:"DOMAIN"`
	DisplayName string `env:"DISPLAY_NAME"`
	Username    string `env:"USERNAME"`
	Login       string `env:"LOGIN"` // auth user, defaults to Username
	Password    string `env:"PASSWORD"`

	// Outbound proxy, e.g. "wss://edge.example.net:443" or "10.0.0.1:5060".
	// Empty means discover it through DNS SRV for Domain.
	Proxy string `env:"PROXY"`

	// Registration
	RegisterMode    bool          `env:"REGISTER"`
	ContactParams   []string      `env:"CONTACT_PARAMS" envSeparator:","`
	RegisterExpires time.Duration `env:"REGISTER_EXPIRES"`
	SessionRefresh  time.Duration `env:"SESSION_REFRESH"`
	RefreshPolicy   RefreshPolicy `env:"REFRESH_POLICY"`

	// Call handling
	CancelTimeout   time.Duration `env:"CANCEL_TIMEOUT"`
	RejectUnmatched bool          `env:"REJECT_UNMATCHED"`

	// Local listening point
	BindAddr      string `env:"BIND"`
	Port          int    `env:"PORT"`
	AdvertiseAddr string `env:"ADVERTISE"`

	// Demo behavior of the binary
	Dial       string `env:"DIAL"`
	AutoAnswer bool   `env:"AUTO_ANSWER"`
	MediaPort  int    `env:"MEDIA_PORT"`

	// Ambient
	LogLevel    string `env:"LOGLEVEL"`
	LogFormat   string `env:"LOGFORMAT"`
	MetricsAddr string `env:"METRICS_ADDR"`
}

// Default returns a configuration with every optional field populated.
func Default() *Config {
	return &Config{
		UserAgent:       "webphone/1.0",
		RegisterMode:    true,
		RegisterExpires: time.Hour,
		SessionRefresh:  5 * time.Minute,
		RefreshPolicy:   RefreshBounded,
		CancelTimeout:   32 * time.Second,
		RejectUnmatched: true,
		BindAddr:        "0.0.0.0",
		Port:            5070,
		MediaPort:       40000,
		LogLevel:        "info",
		LogFormat:       "text",
	}
}

// Load loads configuration from command line flags, an optional env file
// and environment variables. Environment variables win over flags.
func Load(args []string) (*Config, error) {
	cfg := Default()

	fs := flag.NewFlagSet("webphone", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cfg.UserAgent, "user-agent", cfg.UserAgent, "User-Agent header value")
	fs.StringVar(&cfg.Proxy, "proxy", cfg.Proxy, "Outbound proxy (udp|tcp|tls|ws|wss://host[:port])")
	fs.StringVar(&cfg.Domain, "domain", cfg.Domain, "SIP domain")
	fs.StringVar(&cfg.DisplayName, "display-name", cfg.DisplayName, "Display name")
	fs.StringVar(&cfg.Username, "user", cfg.Username, "SIP user")
	fs.StringVar(&cfg.Login, "login", cfg.Login, "Authentication user (defaults to -user)")
	fs.StringVar(&cfg.Password, "password", cfg.Password, "Authentication password")
	fs.BoolVar(&cfg.RegisterMode, "register", cfg.RegisterMode, "Register with the domain on open")
	fs.DurationVar(&cfg.RegisterExpires, "expires", cfg.RegisterExpires, "Requested registration expiry")
	fs.DurationVar(&cfg.SessionRefresh, "refresh", cfg.SessionRefresh, "Registration refresh interval")
	fs.DurationVar(&cfg.CancelTimeout, "cancel-timeout", cfg.CancelTimeout, "Wait for the INVITE final after CANCEL")
	fs.BoolVar(&cfg.RejectUnmatched, "reject-unmatched", cfg.RejectUnmatched, "Answer unmatched requests with 481/501")
	fs.StringVar(&cfg.BindAddr, "bind", cfg.BindAddr, "SIP bind address")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "SIP listening port")
	fs.StringVar(&cfg.AdvertiseAddr, "advertise", "", "Address to advertise in SIP headers (auto-detected if not set)")
	fs.StringVar(&cfg.Dial, "dial", cfg.Dial, "Call this target once open")
	fs.BoolVar(&cfg.AutoAnswer, "answer", cfg.AutoAnswer, "Answer incoming calls")
	fs.IntVar(&cfg.MediaPort, "media-port", cfg.MediaPort, "RTP port advertised in SDP")
	fs.StringVar(&cfg.LogLevel, "loglevel", cfg.LogLevel, "Log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "logformat", cfg.LogFormat, "Log format (text, console, dev)")
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "Prometheus listen address, empty to disable")

	var policy, contactParams string
	fs.StringVar(&policy, "refresh-policy", string(cfg.RefreshPolicy), "Refresh policy (fixed, bounded)")
	fs.StringVar(&contactParams, "contact-params", "", "Comma-separated Contact parameters (name=value)")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}
	cfg.RefreshPolicy = RefreshPolicy(policy)
	cfg.ContactParams = parseList(contactParams)

	if err := loadEnvFile(); err != nil {
		return nil, err
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if cfg.AdvertiseAddr == "" || !isValidAddress(cfg.AdvertiseAddr) {
		cfg.AdvertiseAddr = getPrimaryInterfaceIP()
	}
	return cfg, nil
}

// loadEnvFile loads ENV_FILE, or .env when present.
func loadEnvFile() error {
	if envfile := os.Getenv("ENV_FILE"); envfile != "" {
		if err := godotenv.Load(envfile); err != nil {
			return fmt.Errorf("load %s: %w", envfile, err)
		}
		return nil
	}
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return fmt.Errorf("load .env: %w", err)
		}
	}
	return nil
}

// Validate reports the first configuration error.
func (c *Config) Validate() error {
	if c.Domain == "" {
		return fmt.Errorf("%w: domain", ErrMissingOption)
	}
	if c.Username == "" {
		return fmt.Errorf("%w: username", ErrMissingOption)
	}
	if c.UserAgent == "" {
		return fmt.Errorf("%w: user agent", ErrMissingOption)
	}
	if c.RegisterExpires < time.Second {
		return fmt.Errorf("%w: register expires %s", ErrInvalidOption, c.RegisterExpires)
	}
	if c.SessionRefresh <= 0 {
		return fmt.Errorf("%w: session refresh %s", ErrInvalidOption, c.SessionRefresh)
	}
	switch c.RefreshPolicy {
	case RefreshFixed, RefreshBounded:
	default:
		return fmt.Errorf("%w: refresh policy %q", ErrInvalidOption, c.RefreshPolicy)
	}
	for _, p := range c.ContactParams {
		name, _, _ := strings.Cut(p, "=")
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("%w: contact parameter %q", ErrInvalidOption, p)
		}
	}
	if c.Proxy != "" {
		if _, _, err := ParseProxy(c.Proxy); err != nil {
			return err
		}
	}
	return nil
}

// AuthUser returns the user presented in digest responses.
func (c *Config) AuthUser() string {
	if c.Login != "" {
		return c.Login
	}
	return c.Username
}

// HasCredentials reports whether a challenge can be answered.
func (c *Config) HasCredentials() bool {
	return c.Password != ""
}

// ParseProxy splits a proxy option into transport and host:port.
// A missing scheme means udp; a missing port uses the transport default.
func ParseProxy(proxy string) (transport, hostport string, err error) {
	transport = "udp"
	rest := proxy
	if scheme, after, ok := strings.Cut(proxy, "://"); ok {
		transport = strings.ToLower(scheme)
		rest = after
	}
	rest = strings.TrimSuffix(rest, "/")
	if i := strings.IndexAny(rest, "/;?"); i >= 0 {
		rest = rest[:i]
	}

	var port string
	switch transport {
	case "udp", "tcp":
		port = "5060"
	case "tls":
		port = "5061"
	case "ws":
		port = "80"
	case "wss":
		port = "443"
	default:
		return "", "", fmt.Errorf("%w: proxy transport %q", ErrInvalidOption, transport)
	}
	if rest == "" {
		return "", "", fmt.Errorf("%w: proxy %q has no host", ErrInvalidOption, proxy)
	}

	if _, _, splitErr := net.SplitHostPort(rest); splitErr != nil {
		rest = net.JoinHostPort(strings.Trim(rest, "[]"), port)
	}
	return transport, rest, nil
}

// parseList parses a comma-separated list, dropping empty items
func parseList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	items := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			items = append(items, p)
		}
	}
	return items
}

// isValidAddress checks if the address is a valid IP or resolvable hostname
func isValidAddress(addr string) bool {
	if ip := net.ParseIP(addr); ip != nil {
		return true
	}
	if ips, err := net.LookupIP(addr); err == nil && len(ips) > 0 {
		return true
	}
	return false
}

// getPrimaryInterfaceIP detects the primary network interface IP address
func getPrimaryInterfaceIP() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}
