// Package config parses and validates the proxy's startup configuration:
// CLI flags via cobra/pflag, merged over policy defaults via koanf, then
// checked with go-playground/validator — the same three-stage pipeline
// the teacher's config package uses for its own (environment-sourced)
// configuration, substituting a CLI-flag source for the teacher's
// environment-variable one since this proxy's bind/connect endpoints are
// naturally repeatable flags rather than env vars.
package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"

	"github.com/randomstuff/dnsfwd/internal/dns/log"
)

// ListenFDsConfig captures the legacy --listen-fds socket inheritance
// mode. The host comes from --listen-fds and the port from the separate
// --listen-fds-port flag; a port given as a second argument to
// --listen-fds is not read. Adopting the inherited descriptors themselves is
// bootstrap's job (see internal/dns/bootstrap); this package only parses
// and validates the two arguments.
type ListenFDsConfig struct {
	Host string `koanf:"host" validate:"required"`
	Port int    `koanf:"port" validate:"required,gte=1,lt=65536"`
}

// AppConfig holds the proxy's complete startup configuration.
type AppConfig struct {
	// BindUDP lists the downstream UDP endpoints to listen on, one
	// listener per entry, already normalized to host:port form.
	BindUDP []string `koanf:"bind_udp" validate:"required,min=1,dive,required"`

	// ConnectTCP lists configured upstream endpoints; only the first is
	// used by the core connector (spec §4.3).
	ConnectTCP []string `koanf:"connect_tcp" validate:"required,min=1,dive,required"`

	// LogLevel is a syslog-style severity filter, see log.Level*.
	LogLevel int `koanf:"log_level" validate:"gte=0,lte=8"`

	// LogFormat selects the output style, see log.Format*.
	LogFormat string `koanf:"log_format" validate:"required,oneof=kernel daemon human"`

	// PendingLimit bounds the upstream connector's in-flight table.
	PendingLimit int `koanf:"pending_limit" validate:"required,gte=1,lt=65536"`

	// DeferredLimit bounds the service's deferred-request FIFO.
	DeferredLimit int `koanf:"deferred_limit" validate:"required,gte=1"`

	// TTLSeconds is how long a pending request may go unanswered before
	// it is aged out. Stored as seconds (not time.Duration) so koanf's
	// structs/confmap providers never need a duration decode hook.
	TTLSeconds int `koanf:"ttl_seconds" validate:"required,gt=0"`

	// ListenFDs is non-nil only when --listen-fds was given.
	ListenFDs *ListenFDsConfig `koanf:"-"`
}

// TTL returns the configured pending-request TTL as a time.Duration.
func (c *AppConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// defaultAppConfig supplies every value Load does not receive from a
// flag, and every flag's own default.
// PendingLimit's default is kept well below the 16-bit id space (spec.md
// §9): freshClientID rejection-samples against the pending table, and a
// limit anywhere near 65536 risks that loop spinning forever once the
// table is full.
var defaultAppConfig = AppConfig{
	LogLevel:      log.LevelInfo,
	LogFormat:     log.FormatHuman,
	PendingLimit:  4096,
	DeferredLimit: 1024,
	TTLSeconds:    60,
}

// defaultEndpointPort is the port substituted for "domain" (RFC 1035's
// port 53) when an endpoint omits one.
const defaultEndpointPort = 53

// CLIFlags holds the raw, unvalidated flag values parsed from argv.
type CLIFlags struct {
	BindUDP       []string
	ConnectTCP    []string
	LogLevel      int
	LogFormat     string
	PendingLimit  int
	DeferredLimit int
	TTLSeconds    int
	ListenFDsHost string
	ListenFDsPort int
	ListenFDsSet  bool
}

// ParseFlags parses argv (typically os.Args[1:]) into CLIFlags. It never
// starts the proxy itself — RunE only captures the parsed values — so
// callers retain full control over when Load and startup happen.
func ParseFlags(argv []string) (*CLIFlags, error) {
	flags := &CLIFlags{}

	cmd := &cobra.Command{
		Use:           "dnsfwdd",
		Short:         "DNS forwarding proxy: UDP downstream, TCP upstream",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(*cobra.Command, []string) error {
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&flags.BindUDP, "bind-udp", nil,
		"UDP address to accept downstream queries on (repeatable)")
	cmd.Flags().StringArrayVar(&flags.ConnectTCP, "connect-tcp", nil,
		"TCP upstream resolver address (repeatable; only the first is used)")
	cmd.Flags().IntVar(&flags.LogLevel, "loglevel", defaultAppConfig.LogLevel,
		"syslog-style severity filter (0=emerg .. 7=debug)")
	cmd.Flags().StringVar(&flags.LogFormat, "logformat", defaultAppConfig.LogFormat,
		"kernel|daemon|human")
	cmd.Flags().IntVar(&flags.PendingLimit, "pending-limit", defaultAppConfig.PendingLimit,
		"bound on the upstream connector's in-flight request table")
	cmd.Flags().IntVar(&flags.DeferredLimit, "deferred-limit", defaultAppConfig.DeferredLimit,
		"bound on requests queued while no connector is ready")
	cmd.Flags().IntVar(&flags.TTLSeconds, "ttl", defaultAppConfig.TTLSeconds,
		"seconds before an unanswered request is aged out")
	cmd.Flags().StringVar(&flags.ListenFDsHost, "listen-fds", "",
		"adopt inherited sockets bound to this host (legacy mode)")
	cmd.Flags().IntVar(&flags.ListenFDsPort, "listen-fds-port", 0,
		"port for --listen-fds")

	cmd.SetArgs(argv)
	if err := cmd.Execute(); err != nil {
		return nil, err
	}
	flags.ListenFDsSet = cmd.Flags().Changed("listen-fds")
	return flags, nil
}

// Load merges flags over the policy defaults via koanf, normalizes every
// endpoint's syntax, and validates the result.
func Load(flags *CLIFlags) (*AppConfig, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultAppConfig, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("error loading default config: %w", err)
	}

	overrides := map[string]any{
		"log_level":      flags.LogLevel,
		"log_format":     flags.LogFormat,
		"pending_limit":  flags.PendingLimit,
		"deferred_limit": flags.DeferredLimit,
		"ttl_seconds":    flags.TTLSeconds,
	}
	if len(flags.BindUDP) > 0 {
		overrides["bind_udp"] = flags.BindUDP
	}
	if len(flags.ConnectTCP) > 0 {
		overrides["connect_tcp"] = flags.ConnectTCP
	}
	if err := k.Load(confmap.Provider(overrides, "."), nil); err != nil {
		return nil, fmt.Errorf("error loading CLI flags: %w", err)
	}

	var cfg AppConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	normalizedBind, err := normalizeEndpoints(cfg.BindUDP)
	if err != nil {
		return nil, fmt.Errorf("invalid bind-udp endpoint: %w", err)
	}
	cfg.BindUDP = normalizedBind

	normalizedConnect, err := normalizeEndpoints(cfg.ConnectTCP)
	if err != nil {
		return nil, fmt.Errorf("invalid connect-tcp endpoint: %w", err)
	}
	cfg.ConnectTCP = normalizedConnect

	if flags.ListenFDsSet {
		cfg.ListenFDs = &ListenFDsConfig{Host: flags.ListenFDsHost, Port: flags.ListenFDsPort}
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	if cfg.ListenFDs != nil {
		if err := validate.Struct(cfg.ListenFDs); err != nil {
			return nil, fmt.Errorf("validation failed: %w", err)
		}
	}

	return &cfg, nil
}

func normalizeEndpoints(endpoints []string) ([]string, error) {
	out := make([]string, len(endpoints))
	for i, e := range endpoints {
		n, err := ParseEndpoint(e, defaultEndpointPort)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}

// ParseEndpoint accepts the syntaxes spec.md documents — "[ipv6]:port",
// "[ipv6]", "host:port", "host" — and returns a host:port string with
// defaultPort substituted wherever the input omitted one.
func ParseEndpoint(s string, defaultPort int) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("empty endpoint")
	}

	if strings.HasPrefix(s, "[") {
		if host, port, err := net.SplitHostPort(s); err == nil {
			return net.JoinHostPort(host, port), nil
		}
		if !strings.HasSuffix(s, "]") {
			return "", fmt.Errorf("malformed bracketed endpoint %q", s)
		}
		host := strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
		return net.JoinHostPort(host, strconv.Itoa(defaultPort)), nil
	}

	if host, port, err := net.SplitHostPort(s); err == nil {
		return net.JoinHostPort(host, port), nil
	}
	return net.JoinHostPort(s, strconv.Itoa(defaultPort)), nil
}
