package common

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ValentinKolb/deposit/lib/adapter"
	"github.com/ValentinKolb/deposit/lib/schema"
)

// --------------------------------------------------------------------------
// Deposit configuration struct
// --------------------------------------------------------------------------

// Config holds everything needed to open a Deposit.
type Config struct {
	// Backend selects the adapter implementation
	Backend adapter.Kind

	// DBName and Version namespace the physical storage
	DBName  string
	Version int

	// DataDir holds the database files. Empty means in-memory only.
	DataDir string

	// Logging configuration
	LogLevel string

	// PatchConcurrency bounds the goroutines used by Patch (0 = unbounded)
	PatchConcurrency int

	// EvictionWorkers sizes the background eviction pool of the sql backend
	EvictionWorkers int

	// Schema describes every table
	Schema schema.Schema
}

// DefaultConfig returns a config for an in-memory key-value store without tables.
func DefaultConfig() Config {
	return Config{
		Backend:          adapter.KindKV,
		DBName:           "deposit",
		Version:          1,
		LogLevel:         "info",
		PatchConcurrency: 8,
		EvictionWorkers:  4,
		Schema:           schema.Schema{},
	}
}

// Validate checks the config for values no adapter can work with
func (c *Config) Validate() error {
	if _, err := adapter.ParseKind(string(c.Backend)); err != nil {
		return err
	}
	if c.DBName == "" {
		return fmt.Errorf("db name must not be empty")
	}
	if strings.ContainsAny(c.DBName, ":/\\") {
		return fmt.Errorf("db name %q must not contain ':', '/' or '\\'", c.DBName)
	}
	if c.Version < 1 {
		return fmt.Errorf("version must be >= 1, got %d", c.Version)
	}
	if c.PatchConcurrency < 0 {
		return fmt.Errorf("patch concurrency must be >= 0, got %d", c.PatchConcurrency)
	}
	if c.EvictionWorkers < 0 {
		return fmt.Errorf("eviction workers must be >= 0, got %d", c.EvictionWorkers)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return c.Schema.Validate()
}

// SnapshotPath returns the file the key-value backend persists to, or "" for in-memory use
func (c *Config) SnapshotPath() string {
	if c.DataDir == "" {
		return ""
	}
	return filepath.Join(c.DataDir, c.DBName+".kv")
}

// String returns a formatted string representation of the configuration
func (c *Config) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	dataDir := c.DataDir
	if dataDir == "" {
		dataDir = "(in-memory)"
	}

	addSection("Storage")
	addField("Backend", string(c.Backend))
	addField("Database", c.DBName)
	addField("Version", fmt.Sprintf("%d", c.Version))
	addField("Data Directory", dataDir)

	addSection("Workers")
	addField("Patch Concurrency", fmt.Sprintf("%d", c.PatchConcurrency))
	if c.Backend == adapter.KindSQL {
		addField("Eviction Workers", fmt.Sprintf("%d", c.EvictionWorkers))
	}

	addSection("Logging")
	addField("Log Level", c.LogLevel)

	addSection("Schema")
	for _, name := range c.Schema.Tables() {
		t := c.Schema[name]
		desc := "key=" + t.KeyField
		if len(t.IndexFields) > 0 {
			desc += " index=" + strings.Join(t.IndexFields, ",")
		}
		if t.RecordType != "" {
			desc += " type=" + t.RecordType
		}
		addField(name, desc)
	}
	return sb.String()
}
