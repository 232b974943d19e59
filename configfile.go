package micromail

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"

	"github.com/alexisbouchez/micromail/dkim"
)

// EnvPrefix prefixes the environment variables read by LoadConfig.
const EnvPrefix = "MICROMAIL_"

// FileConfig is the on-disk form of a Config. Every field can be
// overridden by an environment variable, e.g. MICROMAIL_TIMEOUT=10s.
type FileConfig struct {
	Domain             string        `yaml:"domain" env:"DOMAIN"`
	Timeout            time.Duration `yaml:"timeout" env:"TIMEOUT"`
	TLS                string        `yaml:"tls" env:"TLS"` // none, opportunistic or required
	Username           string        `yaml:"username" env:"USERNAME"`
	Password           string        `yaml:"password" env:"PASSWORD"`
	Relay              string        `yaml:"relay" env:"RELAY"`
	Ports              []int         `yaml:"ports" env:"PORTS" envSeparator:","`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify" env:"INSECURE_SKIP_VERIFY"`
	MaxMessageSize     string        `yaml:"max_message_size" env:"MAX_MESSAGE_SIZE"` // e.g. "10MB"
	DKIM               DKIMConfig    `yaml:"dkim" envPrefix:"DKIM_"`
}

// DKIMConfig enables signing when Selector is set.
type DKIMConfig struct {
	Domain     string `yaml:"domain" env:"DOMAIN"` // Defaults to the Config domain.
	Selector   string `yaml:"selector" env:"SELECTOR"`
	PrivateKey string `yaml:"private_key" env:"PRIVATE_KEY"` // PKCS #8 PEM or base64 seed.
}

// LoadConfigFile reads a YAML configuration file. See LoadConfig.
func LoadConfigFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("micromail: opening config: %w", err)
	}
	defer f.Close()
	return LoadConfig(f)
}

// LoadConfig decodes YAML from r, applies MICROMAIL_* environment overrides
// and builds a Config. An empty document is allowed when the environment
// supplies the domain.
func LoadConfig(r io.Reader) (*Config, error) {
	var fc FileConfig
	if err := yaml.NewDecoder(r).Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return nil, validationErrorf("decoding config: %v", err)
	}
	if err := env.ParseWithOptions(&fc, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, validationErrorf("reading environment: %v", err)
	}
	return fc.Build()
}

// Build turns the file form into a Config.
func (fc FileConfig) Build() (*Config, error) {
	cfg, err := NewConfig(fc.Domain)
	if err != nil {
		return nil, err
	}
	if fc.Timeout != 0 {
		if err := cfg.SetTimeoutDuration(fc.Timeout); err != nil {
			return nil, err
		}
	}
	if fc.TLS != "" {
		p, err := ParseTLSPolicy(fc.TLS)
		if err != nil {
			return nil, err
		}
		if err := cfg.SetTLSPolicy(p); err != nil {
			return nil, err
		}
	}
	if fc.Username != "" || fc.Password != "" {
		if err := cfg.SetAuth(fc.Username, fc.Password); err != nil {
			return nil, err
		}
	}
	if err := cfg.SetRelay(fc.Relay); err != nil {
		return nil, err
	}
	if len(fc.Ports) > 0 {
		if err := cfg.SetPorts(fc.Ports...); err != nil {
			return nil, err
		}
	}
	if err := cfg.SetInsecureSkipVerify(fc.InsecureSkipVerify); err != nil {
		return nil, err
	}
	if fc.MaxMessageSize != "" {
		n, err := units.FromHumanSize(fc.MaxMessageSize)
		if err != nil {
			return nil, validationErrorf("max_message_size: %v", err)
		}
		if err := cfg.SetMaxMessageSize(n); err != nil {
			return nil, err
		}
	}
	if fc.DKIM.Selector != "" {
		domain := fc.DKIM.Domain
		if domain == "" {
			domain = fc.Domain
		}
		key, err := dkim.ParsePrivateKey(fc.DKIM.PrivateKey)
		if err != nil {
			return nil, validationErrorf("dkim: %v", err)
		}
		signer, err := dkim.NewSigner(domain, fc.DKIM.Selector, key)
		if err != nil {
			return nil, validationErrorf("dkim: %v", err)
		}
		if err := cfg.SetDKIM(signer); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
