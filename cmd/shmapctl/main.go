// Command shmapctl is a command-line client for inspecting and mutating a
// shmap instance from outside the owning process: create/attach, get/set/
// delete, force a dump, print or watch status, list keys, and unlink.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shmap/shmap"
	"github.com/shmap/shmap/internal/xlog"
)

// stringCodec is the identity codec shmapctl uses for both keys and
// values — the CLI operates on string arguments, leaving richer
// serialization to library callers.
type stringCodec struct{}

func (stringCodec) Encode(s string) ([]byte, error) { return []byte(s), nil }
func (stringCodec) Decode(b []byte) (string, error) { return string(b), nil }

var rootFlags struct {
	configPath string
	name       string
	bufferSize string
	sharedLock bool
	logLevel   string
}

var rootCmd = &cobra.Command{
	Use:   "shmapctl",
	Short: "Inspect and mutate a shmap shared-memory map",
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&rootFlags.configPath, "config", "c", "", "Path to a YAML config file with defaults")
	rootCmd.PersistentFlags().StringVarP(&rootFlags.name, "name", "n", "", "Shared-memory map name (required unless set in --config)")
	rootCmd.PersistentFlags().StringVar(&rootFlags.bufferSize, "buffer-size", "", "Stream buffer size, e.g. 64KB (default 10000B)")
	rootCmd.PersistentFlags().BoolVar(&rootFlags.sharedLock, "shared-lock", false, "Use the shared spin-lock IPL variant")
	rootCmd.PersistentFlags().StringVar(&rootFlags.logLevel, "log-level", "info", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(
		createCmd,
		attachCmd,
		getCmd,
		setCmd,
		deleteCmd,
		dumpCmd,
		statusCmd,
		unlinkCmd,
		listCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func newLogger() *zap.SugaredLogger {
	level, err := zap.ParseAtomicLevel(rootFlags.logLevel)
	if err != nil {
		level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	log, _, err := xlog.Init(&xlog.Config{Level: level.Level()})
	if err != nil {
		return xlog.Nop()
	}
	return log
}

// resolvedConfig merges --config defaults with the root flags actually
// set on the command line, flags winning.
func resolvedConfig(cmd *cobra.Command) (*Config, error) {
	cfg := DefaultConfig()
	if rootFlags.configPath != "" {
		loaded, err := LoadConfig(rootFlags.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if cmd.Flags().Changed("name") {
		cfg.Name = rootFlags.name
	}
	if cmd.Flags().Changed("buffer-size") {
		var size datasizeFlag
		if err := size.parse(rootFlags.bufferSize); err != nil {
			return nil, err
		}
		cfg.BufferSize = size.value
	}
	if cmd.Flags().Changed("shared-lock") {
		cfg.SharedLock = rootFlags.sharedLock
	}

	if cfg.Name == "" {
		return nil, fmt.Errorf("--name is required (or set name: in --config)")
	}

	return cfg, nil
}

// openMap opens the map named by the resolved config, creating or
// attaching as the create policy selects.
func openMap(cmd *cobra.Command, create shmap.Tristate) (*shmap.Map[string, string], error) {
	cfg, err := resolvedConfig(cmd)
	if err != nil {
		return nil, err
	}

	opts := []shmap.Option{
		shmap.WithCreate(create),
		shmap.WithBufferSize(cfg.BufferSize),
		shmap.WithLog(newLogger()),
	}
	if cfg.SharedLock {
		opts = append(opts, shmap.WithSharedLock(10*time.Millisecond))
	}
	if cfg.FullDumpSize > 0 {
		opts = append(opts, shmap.WithFullDumpSize(cfg.FullDumpSize))
	}

	return shmap.Open[string, string](cfg.Name, stringCodec{}, stringCodec{}, opts...)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
