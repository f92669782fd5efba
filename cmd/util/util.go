package util

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ValentinKolb/deposit/lib/adapter"
	"github.com/ValentinKolb/deposit/lib/common"
	"github.com/ValentinKolb/deposit/lib/schema"
	"github.com/fatih/color"
	"github.com/goccy/go-json"
	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var line strings.Builder

	for _, word := range strings.Fields(text) {
		if line.Len() > 0 && line.Len()+1+len(word) > Wrap {
			wrappedLines = append(wrappedLines, line.String())
			line.Reset()
		}
		if line.Len() > 0 {
			line.WriteString(" ")
		}
		line.WriteString(word)
	}
	if line.Len() > 0 {
		wrappedLines = append(wrappedLines, line.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// --------------------------------------------------------------------------
// Configuration
// --------------------------------------------------------------------------

// SetupConfigFlags adds the flags every command that opens a Deposit needs
func SetupConfigFlags(cmd *cobra.Command) {
	defaults := common.DefaultConfig()

	key := "config"
	cmd.PersistentFlags().String(key, "", WrapString("Config file (yaml, json or toml) declaring the tables and optionally any other setting"))

	key = "backend"
	cmd.PersistentFlags().String(key, string(defaults.Backend), WrapString("Storage backend (kv, sql)"))

	key = "db-name"
	cmd.PersistentFlags().String(key, defaults.DBName, WrapString("Name of the database, used as file name and key namespace"))

	key = "db-version"
	cmd.PersistentFlags().Int(key, defaults.Version, WrapString("Schema version of the database. Raising it upgrades the sql backend and starts a new namespace in the kv backend"))

	key = "data-dir"
	cmd.PersistentFlags().String(key, "data", WrapString("Directory holding the database files (empty keeps everything in memory)"))

	key = "log-level"
	cmd.PersistentFlags().String(key, "warn", WrapString("Log level (debug, info, warn, error, off)"))

	key = "patch-concurrency"
	cmd.PersistentFlags().Int(key, defaults.PatchConcurrency, WrapString("Maximum number of patch operations applied at the same time"))

	key = "eviction-workers"
	cmd.PersistentFlags().Int(key, defaults.EvictionWorkers, WrapString("Size of the background eviction pool of the sql backend"))

	key = "output"
	cmd.PersistentFlags().StringP(key, "o", "json", WrapString("Output format (json, yaml)"))
}

// InitConfig loads .env files and configures viper to read DEPOSIT_* environment variables
func InitConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("deposit")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}

// GetConfig builds the Deposit config from flags, environment and the config file.
// The tables are read from the "tables" section of the config file:
//
//	tables:
//	  users:
//	    key_field: id
//	    index_fields: [name]
func GetConfig() (common.Config, error) {
	if path := viper.GetString("config"); path != "" {
		viper.SetConfigFile(path)
		if err := viper.ReadInConfig(); err != nil {
			return common.Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	backend, err := adapter.ParseKind(viper.GetString("backend"))
	if err != nil {
		return common.Config{}, err
	}

	cfg := common.Config{
		Backend:          backend,
		DBName:           viper.GetString("db-name"),
		Version:          viper.GetInt("db-version"),
		DataDir:          viper.GetString("data-dir"),
		LogLevel:         viper.GetString("log-level"),
		PatchConcurrency: viper.GetInt("patch-concurrency"),
		EvictionWorkers:  viper.GetInt("eviction-workers"),
		Schema:           schema.Schema{},
	}
	if err := viper.UnmarshalKey("tables", &cfg.Schema); err != nil {
		return common.Config{}, fmt.Errorf("invalid tables section: %w", err)
	}
	if len(cfg.Schema) == 0 {
		return common.Config{}, fmt.Errorf("no tables configured, pass --config with a tables section")
	}

	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return common.Config{}, fmt.Errorf("create data dir: %w", err)
		}
	}
	return cfg, cfg.Validate()
}

// --------------------------------------------------------------------------
// Input and output
// --------------------------------------------------------------------------

// ParseValue interprets a command line argument as JSON and falls back to the
// plain string, so `7` is a number and `ann` a string.
func ParseValue(arg string) any {
	var v any
	if err := json.Unmarshal([]byte(arg), &v); err != nil {
		return arg
	}
	return v
}

// ParseRecord parses a JSON object
func ParseRecord(arg string) (schema.Record, error) {
	var rec schema.Record
	if err := json.Unmarshal([]byte(arg), &rec); err != nil || rec == nil {
		return nil, fmt.Errorf("expected a JSON object, got %q", arg)
	}
	return rec, nil
}

// Print writes v in the format selected by --output
func Print(w io.Writer, v any) error {
	var (
		data []byte
		err  error
	)
	switch format := viper.GetString("output"); format {
	case "", "json":
		data, err = json.MarshalIndent(v, "", "  ")
		data = append(data, '\n')
	case "yaml", "yml":
		data, err = yaml.Marshal(v)
	default:
		return fmt.Errorf("invalid output format %q", format)
	}
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// Success prints a status line to stderr, so stdout only carries data
func Success(format string, args ...any) {
	fmt.Fprintln(os.Stderr, color.GreenString("✓ ")+fmt.Sprintf(format, args...))
}

// Heading formats a section title
func Heading(title string) string {
	return color.New(color.Bold, color.FgCyan).Sprint(title)
}
