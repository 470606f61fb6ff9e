// Package config reads service settings from METAPROFILE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"metaprofile.org/internal/registry"
)

const prefix = "METAPROFILE_"

// Config is the runtime configuration of the api binary.
type Config struct {
	HTTPAddr    string
	GRPCAddr    string
	PGDSN       string
	JournalPath string

	Admin   common.Address
	BaseURI string

	RestrictedMintLimit int
	RequireFutureExpiry bool

	RateBurst     int
	RatePerSecond int
	TokenTTL      time.Duration
	ChallengeTTL  time.Duration

	MaxBodyBytes   int64
	TrustedProxies []netip.Prefix
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	policy := registry.DefaultPolicy()
	return Config{
		HTTPAddr:            ":8080",
		GRPCAddr:            ":9090",
		RestrictedMintLimit: policy.RestrictedMintLimit,
		RequireFutureExpiry: policy.RequireFutureExpiry,
		RateBurst:           40,
		RatePerSecond:       20,
		TokenTTL:            time.Hour,
		ChallengeTTL:        5 * time.Minute,
		MaxBodyBytes:        1 << 20,
	}
}

// Load reads the environment on top of Default and validates the result.
func Load() (Config, error) {
	return load(os.LookupEnv)
}

func load(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	var errs []error

	get := func(name string) (string, bool) {
		v, ok := lookup(prefix + name)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	str := func(name string, dst *string) {
		if v, ok := get(name); ok {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v, ok := get(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", prefix, name, err))
				return
			}
			*dst = n
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := get(name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", prefix, name, err))
				return
			}
			*dst = d
		}
	}

	str("HTTP_ADDR", &cfg.HTTPAddr)
	str("GRPC_ADDR", &cfg.GRPCAddr)
	str("PG_DSN", &cfg.PGDSN)
	str("JOURNAL_PATH", &cfg.JournalPath)
	str("BASE_URI", &cfg.BaseURI)
	if v, ok := get("ADMIN_ADDRESS"); ok {
		if !common.IsHexAddress(v) {
			errs = append(errs, fmt.Errorf("%sADMIN_ADDRESS: not a hex address: %q", prefix, v))
		} else {
			cfg.Admin = common.HexToAddress(v)
		}
	}
	num("RESTRICTED_MINT_LIMIT", &cfg.RestrictedMintLimit)
	if v, ok := get("REQUIRE_FUTURE_EXPIRY"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sREQUIRE_FUTURE_EXPIRY: %w", prefix, err))
		} else {
			cfg.RequireFutureExpiry = b
		}
	}
	num("RATE_BURST", &cfg.RateBurst)
	num("RATE_PER_SEC", &cfg.RatePerSecond)
	dur("TOKEN_TTL", &cfg.TokenTTL)
	dur("CHALLENGE_TTL", &cfg.ChallengeTTL)
	if v, ok := get("MAX_BODY_BYTES"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sMAX_BODY_BYTES: %w", prefix, err))
		} else {
			cfg.MaxBodyBytes = n
		}
	}
	if v, ok := get("TRUSTED_PROXIES"); ok {
		proxies, err := parseProxies(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sTRUSTED_PROXIES: %w", prefix, err))
		} else {
			cfg.TrustedProxies = proxies
		}
	}

	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports settings that cannot work together.
func (c Config) Validate() error {
	var errs []error
	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("http address is required"))
	}
	if c.PGDSN != "" && c.JournalPath != "" {
		errs = append(errs, errors.New("PG_DSN and JOURNAL_PATH are mutually exclusive"))
	}
	if c.RestrictedMintLimit < 0 {
		errs = append(errs, errors.New("restricted mint limit must not be negative"))
	}
	if c.RateBurst <= 0 || c.RatePerSecond <= 0 {
		errs = append(errs, errors.New("rate limit burst and rate must be positive"))
	}
	if c.TokenTTL <= 0 || c.ChallengeTTL <= 0 {
		errs = append(errs, errors.New("token and challenge TTLs must be positive"))
	}
	if c.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("max body bytes must be positive"))
	}
	return errors.Join(errs...)
}

// Policy returns the registry rules selected by the configuration.
func (c Config) Policy() registry.Policy {
	return registry.Policy{
		RestrictedMintLimit: c.RestrictedMintLimit,
		RequireFutureExpiry: c.RequireFutureExpiry,
	}
}

// parseProxies accepts a comma separated list of CIDRs or single addresses.
func parseProxies(raw string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "/") {
			p, err := netip.ParsePrefix(part)
			if err != nil {
				return nil, err
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(part)
		if err != nil {
			return nil, err
		}
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}
