package cfg

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/keithlinneman/shortstack/internal/log"
	"github.com/keithlinneman/shortstack/internal/xerrors"
)

// EnvPrefix is prepended to upper-cased flag names: http-port reads
// SHORTSTACK_HTTP_PORT.
const EnvPrefix = "SHORTSTACK"

type App struct {
	ConfigFile string

	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	HTTPPort         int
	AdminPort        int
	TrustedProxyHops int
	RateLimitRPS     float64
	RateLimitBurst   int
	DrainPeriod      time.Duration

	EnablePprof     bool
	EnablePyroscope bool
	EnableTracing   bool
	PyroServer      string
	PyroTenantID    string
	OTLPEndpoint    string
	TraceSample     float64

	EnableAssets        bool
	AssetsSSMParam      string
	AssetsS3Bucket      string
	AssetsS3Prefix      string
	AssetsSigningKeyARN string
}

// Register binds all config fields to fs with defaults inline.
func Register(fs *pflag.FlagSet, c *App) {
	fs.StringVarP(&c.ConfigFile, "config", "c", "", "optional YAML config file; flags and env override it")

	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "include error chain positions in error logs")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")

	fs.IntVar(&c.HTTPPort, "http-port", 8080, "site listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "ops listen TCP port (1..65535)")
	fs.IntVar(&c.TrustedProxyHops, "trusted-proxy-hops", 0, "reverse proxies trusted for X-Forwarded-For (0 ignores the header)")
	fs.Float64Var(&c.RateLimitRPS, "rate-limit-rps", 10, "per-ip request refill rate (0 disables rate limiting)")
	fs.IntVar(&c.RateLimitBurst, "rate-limit-burst", 30, "per-ip request burst")
	fs.DurationVar(&c.DrainPeriod, "drain-period", 15*time.Second, "time to fail readiness before stopping listeners")

	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "serve pprof on the ops listener")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "push profiles to --pyro-server")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "export traces to --otlp-endpoint")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "pyroscope tenant (x-scope-orgid)")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP gRPC endpoint (host:port), or stdout")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")

	fs.BoolVar(&c.EnableAssets, "enable-assets", false, "load the public asset bundle from S3 during boot")
	fs.StringVar(&c.AssetsSSMParam, "assets-ssm-param", "/app/shortstack/assets/release/id", "SSM parameter holding the asset bundle sha256")
	fs.StringVar(&c.AssetsS3Bucket, "assets-s3-bucket", "", "S3 bucket holding asset bundles")
	fs.StringVar(&c.AssetsS3Prefix, "assets-s3-prefix", "apps/shortstack/assets/bundles", "S3 key prefix of asset bundles")
	fs.StringVar(&c.AssetsSigningKeyARN, "assets-signing-key-arn", "", "KMS key ARN verifying asset bundle signatures (empty skips verification)")
}

// Load layers the environment and the optional config file under the flags
// already parsed into fs. Precedence: cli flag > env var > config file >
// default. Values that do not parse are reported through logf and skipped.
func Load(fs *pflag.FlagSet, c *App, logf func(string, ...any)) error {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return xerrors.Wrap(err, "bind flags")
	}

	file := c.ConfigFile
	if file == "" {
		file = v.GetString("config")
	}
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return xerrors.Wrapf(err, "read config file %s", file)
		}
	}

	fs.VisitAll(func(f *pflag.Flag) {
		if f.Changed || !v.IsSet(f.Name) {
			return
		}
		val := v.GetString(f.Name)
		prev := f.Value.String()
		if err := fs.Set(f.Name, val); err != nil {
			_ = f.Value.Set(prev)
			if logf != nil {
				logf("flag --%s: ignoring invalid value %q: %v", f.Name, val, err)
			}
		}
	})
	if file != "" {
		c.ConfigFile = file
	}
	return nil
}

// Validate reports every invalid field at once.
func Validate(c App) error {
	var errs []error

	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}
	if c.TrustedProxyHops < 0 {
		errs = append(errs, fmt.Errorf("TRUSTED_PROXY_HOPS must be >= 0 (got %d)", c.TrustedProxyHops))
	}
	if c.RateLimitRPS < 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_RPS must be >= 0 (got %.2f)", c.RateLimitRPS))
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst < 1 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_BURST must be >= 1 when rate limiting (got %d)", c.RateLimitBurst))
	}
	if c.DrainPeriod < 0 {
		errs = append(errs, fmt.Errorf("DRAIN_PERIOD must not be negative (got %s)", c.DrainPeriod))
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}
	if c.IncludeErrorLinks && (c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64) {
		errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}
	if c.EnableTracing {
		switch {
		case c.OTLPEndpoint == "":
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		case c.OTLPEndpoint == "stdout":
		default:
			// grpc exporter wants host:port, no scheme
			if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
				errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port or stdout (got %q): %v", c.OTLPEndpoint, err))
			}
		}
	}

	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	if c.EnableAssets {
		if c.AssetsSSMParam == "" {
			errs = append(errs, fmt.Errorf("ASSETS_SSM_PARAM required when ENABLE_ASSETS=true"))
		}
		if c.AssetsS3Bucket == "" {
			errs = append(errs, fmt.Errorf("ASSETS_S3_BUCKET required when ENABLE_ASSETS=true"))
		}
	}

	return errors.Join(errs...)
}
