package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/CodeMonkeyCybersecurity/seclab/internal/config"
	"github.com/CodeMonkeyCybersecurity/seclab/internal/logger"
)

var (
	cfgFile string
	cfg     *config.Config
	log     *logger.Logger
)

var rootCmd = &cobra.Command{
	Use:   "seclab",
	Short: "Ethical web vulnerability scanning and exploitation lab",
	Long: `seclab drives OWASP ZAP and Nuclei against targets you are authorized to
test, collects their findings in one place and lets you work confirmed
findings in guarded exploitation sessions.

Every scan passes the ethical gate first: the target must be on the allow list
or a domain whose ownership you have verified.

EXAMPLES:
  seclab serve                                   # HTTP API and event stream
  seclab verify example.com --method dns_txt     # request an ownership challenge
  seclab verify check example.com <token>        # complete it
  seclab scan https://example.com --type quick   # scan from the terminal
  seclab scan https://demo.local --demo          # canned findings, no scanners
  seclab config show                             # effective configuration`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := loadConfig(viper.GetViper(), cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded

		log, err = logger.New(cfg.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		log.Debugw("Configuration loaded", "config_file", viper.ConfigFileUsed())
		return nil
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	def := config.DefaultConfig()
	flags := rootCmd.PersistentFlags()

	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.seclab.yaml or ./.seclab.yaml)")

	flags.String("log-level", def.Logger.Level, "log level (debug, info, warn, error)")
	flags.String("log-format", def.Logger.Format, "log format (json, console)")
	viper.BindPFlag("logger.level", flags.Lookup("log-level"))
	viper.BindPFlag("logger.format", flags.Lookup("log-format"))

	flags.Bool("demo", def.Lab.DemoMode, "serve canned findings instead of running real scanners")
	flags.Bool("ethical-mode", def.Lab.EthicalMode, "refuse targets that are not allow-listed or verified")
	viper.BindPFlag("lab.demo_mode", flags.Lookup("demo"))
	viper.BindPFlag("lab.ethical_mode", flags.Lookup("ethical-mode"))

	// Secrets come from the environment or the config file, never flags.
	viper.BindEnv("lab.openai_api_key", "SECLAB_OPENAI_API_KEY", "OPENAI_API_KEY")
	viper.BindEnv("lab.zap.api_key", "SECLAB_ZAP_API_KEY", "ZAP_API_KEY")
	viper.BindEnv("redis.password", "SECLAB_REDIS_PASSWORD")

	viper.BindEnv("lab.zap.host", "SECLAB_ZAP_HOST")
	viper.BindEnv("lab.zap.port", "SECLAB_ZAP_PORT")
	viper.BindEnv("lab.nuclei.binary_path", "SECLAB_NUCLEI_PATH")
	viper.BindEnv("redis.enabled", "SECLAB_REDIS_ENABLED")
	viper.BindEnv("redis.addr", "SECLAB_REDIS_ADDR", "REDIS_URL")
	viper.BindEnv("telemetry.enabled", "SECLAB_TELEMETRY_ENABLED")
	viper.BindEnv("telemetry.endpoint", "SECLAB_TELEMETRY_ENDPOINT")
}

// loadConfig layers the config file, SECLAB_* environment variables and bound
// flags over the built-in defaults.
func loadConfig(v *viper.Viper, file string) (*config.Config, error) {
	if file != "" {
		v.SetConfigFile(file)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
		v.AddConfigPath(".")
		v.SetConfigName(".seclab")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("SECLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	c := config.DefaultConfig()
	// AutomaticEnv only reaches keys viper already knows about.
	if err := seedDefaults(v, c); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return c, nil
}

// seedDefaults registers every key of def as a viper default.
func seedDefaults(v *viper.Viper, def *config.Config) error {
	data, err := yaml.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to encode defaults: %w", err)
	}
	var tree map[string]interface{}
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return fmt.Errorf("failed to decode defaults: %w", err)
	}
	setDefaults(v, "", tree)
	return nil
}

func setDefaults(v *viper.Viper, prefix string, tree map[string]interface{}) {
	for key, val := range tree {
		if prefix != "" {
			key = prefix + "." + key
		}
		if sub, ok := val.(map[string]interface{}); ok {
			setDefaults(v, key, sub)
			continue
		}
		v.SetDefault(key, val)
	}
}
