// treesync keeps an in-memory tree of a workspace in sync with the file system.
//
// Sub-commands:
//
//	treesync tree [--depth N] [--json]   Print the workspace tree
//	treesync watch [--metrics-addr A]    Stream tree notifications as JSON lines
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fruitsalade/treesync/internal/config"
	"github.com/fruitsalade/treesync/internal/filetree"
	"github.com/fruitsalade/treesync/internal/fsclient"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	root := &cobra.Command{
		Use:   "treesync",
		Short: "Keep a workspace file tree in sync with the file system",
		Long: `treesync resolves a workspace (a directory or a .code-workspace file),
watches it for changes and keeps an in-memory tree consistent with disk.

Flags can also be set in a config file (--config) or through TREESYNC_*
environment variables, e.g. TREESYNC_LOG_LEVEL=debug.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringP(config.KeyWorkspace, "w", ".", "Workspace directory or .code-workspace file")
	pf.String(config.KeyConfigFile, "", "Config file (yaml, toml or json)")
	pf.String(config.KeyLogLevel, "info", "Log level: debug, info, warn, error")
	pf.String(config.KeyLogFormat, "console", "Log format: console or json")
	pf.String(config.KeyLogFile, "", "Log file (rotated); stderr when empty")
	pf.Duration(config.KeyDebounce, filetree.DefaultDebounceDelay, "Quiet period before queued refreshes run")
	pf.String(config.KeyWatchMode, fsclient.ModeNotify, "Watch backend: fsnotify or poll")
	pf.Duration(config.KeyPollInterval, fsclient.DefaultPollInterval, "Scan interval in poll mode")
	pf.Duration(config.KeyBatchWindow, fsclient.DefaultBatchWindow, "Window for coalescing raw watcher events")
	pf.StringSlice(config.KeyExclude, nil, "Glob patterns excluded from watching (repeatable)")
	pf.String(config.KeyPreferences, "", "Preferences file, reloaded on change")
	pf.Int(config.KeyExpandDepth, -1, "Directory levels to expand (-1 = all)")
	_ = v.BindPFlags(pf)

	root.AddCommand(newTreeCmd(v), newWatchCmd(v))
	return root
}
