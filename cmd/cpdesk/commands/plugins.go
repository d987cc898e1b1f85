package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/CarryPigeon/CarryPigeon-Desktop-sub001/bridge"
	"github.com/CarryPigeon/CarryPigeon-Desktop-sub001/catalog"
	"github.com/CarryPigeon/CarryPigeon-Desktop-sub001/config"
	"github.com/CarryPigeon/CarryPigeon-Desktop-sub001/errors"
	"github.com/CarryPigeon/CarryPigeon-Desktop-sub001/internal/httpclient"
	"github.com/CarryPigeon/CarryPigeon-Desktop-sub001/logger"
	"github.com/CarryPigeon/CarryPigeon-Desktop-sub001/plugin"
	"github.com/CarryPigeon/CarryPigeon-Desktop-sub001/plugin/artifact"
	"github.com/CarryPigeon/CarryPigeon-Desktop-sub001/plugin/wasm"
	"github.com/CarryPigeon/CarryPigeon-Desktop-sub001/storage"
	"github.com/CarryPigeon/CarryPigeon-Desktop-sub001/version"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

// PluginsCmd groups the plugin lifecycle subcommands.
var PluginsCmd = &cobra.Command{
	Use:   "plugins",
	Short: "Manage plugins for a server",
	Long: `Manage installed plugins for one server identity.

Every subcommand operates within a server scope (--server): the same
plugin can be installed, versioned, and enabled independently per
server.`,
}

func init() {
	PluginsCmd.PersistentFlags().StringP("server", "s", "", "Server scope to operate in (required)")

	PluginsCmd.AddCommand(pluginsListCmd)
	PluginsCmd.AddCommand(pluginsInstallCmd)
	PluginsCmd.AddCommand(pluginsEnableCmd)
	PluginsCmd.AddCommand(pluginsDisableCmd)
	PluginsCmd.AddCommand(pluginsSwitchCmd)
	PluginsCmd.AddCommand(pluginsUpdateCmd)
	PluginsCmd.AddCommand(pluginsRollbackCmd)
	PluginsCmd.AddCommand(pluginsClearErrorCmd)
	PluginsCmd.AddCommand(pluginsUninstallCmd)
	PluginsCmd.AddCommand(pluginsGateCmd)
}

// pluginEnv is the composed plugin subsystem for one CLI invocation.
type pluginEnv struct {
	cfg          *config.Config
	scope        string
	store        *storage.Store
	source       catalog.Source
	manager      *plugin.Manager
	registry     *plugin.Registry
	orchestrator *plugin.Orchestrator
	gate         *plugin.RequiredGate

	wsBridge *bridge.WSBridge // nil when running offline
}

// buildEnv wires config, storage, catalog, artifacts, runtime, and
// orchestration for the requested server scope. The chat core bridge is
// optional: when it cannot be reached the CLI runs offline and plugins
// see empty channel/user ids.
func buildEnv(cmd *cobra.Command) (*pluginEnv, error) {
	scope, _ := cmd.Flags().GetString("server")
	if scope == "" {
		return nil, errors.New("--server is required")
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, errors.Wrap(err, "load configuration")
	}

	log := logger.Logger

	store, err := storage.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}

	var source catalog.Source
	if cfg.Catalog.URL != "" {
		source = catalog.NewCachedSource(
			catalog.NewHTTPSource(cfg.Catalog.URL, time.Duration(cfg.Catalog.TimeoutSeconds)*time.Second, httpclient.Options{}),
			time.Minute,
		)
	}

	var artifactSource artifact.Source
	if source != nil {
		artifactSource = catalog.ArtifactSource(source)
	}
	provider, err := artifact.NewProvider(cfg.Plugins.Dir, artifactSource, log)
	if err != nil {
		store.Close()
		return nil, err
	}

	manager, err := plugin.NewManager(scope, provider, store, log)
	if err != nil {
		store.Close()
		return nil, err
	}

	env := &pluginEnv{cfg: cfg, scope: scope, store: store, source: source, manager: manager}

	var hostBridge plugin.HostBridge
	handshake := time.Duration(cfg.Bridge.HandshakeTimeoutSeconds) * time.Second
	ws, err := bridge.Dial(cmd.Context(), cfg.Bridge.URL, handshake, log)
	if err != nil {
		log.Debugw("Chat core unreachable, running offline", "error", err)
		hostBridge = bridge.NewOffline("")
	} else {
		env.wsBridge = ws
		hostBridge = ws
	}

	networkClient := httpclient.New(30*time.Second, httpclient.Options{})
	env.registry = plugin.NewRegistry(
		manager,
		artifact.NewResolver(provider),
		wasm.NewLoader(log),
		hostBridge,
		store,
		plugin.RegistryOptions{
			HostVersion:       version.Version,
			ActivationTimeout: time.Duration(cfg.Plugins.ActivationTimeoutSeconds) * time.Second,
			Network: func() *plugin.NetworkCapability {
				return plugin.NewNetworkCapability(networkClient, cfg.Plugins.NetworkRequestsPerMinute)
			},
		},
		log,
	)

	progress := plugin.NewMemorySink(time.Duration(cfg.Plugins.ProgressClearSeconds) * time.Second)
	env.orchestrator = plugin.NewOrchestrator(manager, env.registry, progress, log)
	env.gate = plugin.NewRequiredGate(manager)
	return env, nil
}

func (e *pluginEnv) close(ctx context.Context) {
	e.registry.Dispose(ctx)
	if e.wsBridge != nil {
		e.wsBridge.Close()
	}
	e.store.Close()
}

// latestVersion resolves the newest catalog version for a plugin.
func (e *pluginEnv) latestVersion(ctx context.Context, pluginID string) (string, error) {
	if e.source == nil {
		return "", errors.New("no catalog configured; pass an explicit version")
	}
	cat, err := e.source.Fetch(ctx)
	if err != nil {
		return "", err
	}
	entry, ok := cat.Find(pluginID)
	if !ok {
		return "", errors.NewNotFoundError("plugin %s is not in the catalog", pluginID)
	}
	latest, err := entry.Latest()
	if err != nil {
		return "", err
	}
	return latest.Version, nil
}

func runWithEnv(cmd *cobra.Command, fn func(ctx context.Context, env *pluginEnv) error) error {
	env, err := buildEnv(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	defer env.close(ctx)
	return fn(ctx, env)
}

var pluginsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed plugins and their state",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWithEnv(cmd, func(ctx context.Context, env *pluginEnv) error {
			states := env.manager.ListInstalled()
			if len(states) == 0 {
				pterm.Info.Printf("No plugins installed for %s\n", env.scope)
				return nil
			}

			fmt.Printf("%-24s %-12s %-9s %-7s %s\n", "PLUGIN", "CURRENT", "ENABLED", "STATUS", "VERSIONS")
			for _, st := range states {
				current := st.CurrentVersion
				if current == "" {
					current = "-"
				}
				enabled := "no"
				if st.EffectivelyEnabled() {
					enabled = "yes"
				}
				status := string(st.Status)
				if st.Status == plugin.StatusFailed {
					status = pterm.Red(status)
				}
				fmt.Printf("%-24s %-12s %-9s %-7s %v\n", st.PluginID, current, enabled, status, st.InstalledVersions)
				if st.LastError != "" {
					fmt.Printf("  %s\n", pterm.Red(st.LastError))
				}
			}
			return nil
		})
	},
}

var pluginsInstallCmd = &cobra.Command{
	Use:   "install <plugin-id> [version]",
	Short: "Install a plugin version (latest from the catalog by default)",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWithEnv(cmd, func(ctx context.Context, env *pluginEnv) error {
			id := args[0]
			ver := ""
			if len(args) == 2 {
				ver = args[1]
			} else {
				latest, err := env.latestVersion(ctx, id)
				if err != nil {
					return err
				}
				ver = latest
			}

			url, _ := cmd.Flags().GetString("url")
			sha, _ := cmd.Flags().GetString("sha256")

			var st *plugin.InstalledState
			var err error
			if url != "" {
				st, err = env.orchestrator.InstallFromURL(ctx, id, ver, url, sha)
			} else {
				st, err = env.orchestrator.Install(ctx, id, ver)
			}
			if err != nil {
				return err
			}

			pterm.Success.Printf("Installed %s@%s (versions: %v)\n", id, ver, st.InstalledVersions)
			if st.CurrentVersion == "" {
				pterm.Info.Printf("Select it with: cpdesk plugins switch %s %s --server %s\n", id, ver, env.scope)
			}
			return nil
		})
	},
}

var pluginsEnableCmd = &cobra.Command{
	Use:   "enable <plugin-id>",
	Short: "Enable a plugin and activate its current version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWithEnv(cmd, func(ctx context.Context, env *pluginEnv) error {
			st, err := env.orchestrator.Enable(ctx, args[0])
			if err != nil {
				return err
			}
			pterm.Success.Printf("Enabled %s@%s\n", st.PluginID, st.CurrentVersion)
			return nil
		})
	},
}

var pluginsDisableCmd = &cobra.Command{
	Use:   "disable <plugin-id>",
	Short: "Disable a plugin and unload its module",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWithEnv(cmd, func(ctx context.Context, env *pluginEnv) error {
			st, err := env.orchestrator.Disable(ctx, args[0])
			if err != nil {
				return err
			}
			if st == nil {
				pterm.Info.Printf("%s was not installed; nothing to disable\n", args[0])
				return nil
			}
			pterm.Success.Printf("Disabled %s\n", st.PluginID)
			return nil
		})
	},
}

var pluginsSwitchCmd = &cobra.Command{
	Use:   "switch <plugin-id> <version>",
	Short: "Switch to an installed version (rolls back automatically on failure)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWithEnv(cmd, func(ctx context.Context, env *pluginEnv) error {
			st, err := env.orchestrator.SwitchVersion(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			pterm.Success.Printf("%s now on %s\n", st.PluginID, st.CurrentVersion)
			return nil
		})
	},
}

var pluginsUpdateCmd = &cobra.Command{
	Use:   "update <plugin-id>",
	Short: "Update to the latest catalog version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWithEnv(cmd, func(ctx context.Context, env *pluginEnv) error {
			id := args[0]
			latest, err := env.latestVersion(ctx, id)
			if err != nil {
				return err
			}

			before, _ := env.manager.GetInstalledState(id)
			st, err := env.orchestrator.UpdateToLatest(ctx, id, latest)
			if err != nil {
				return err
			}
			if before != nil && before.CurrentVersion == st.CurrentVersion {
				pterm.Info.Printf("%s already on latest (%s)\n", id, st.CurrentVersion)
				return nil
			}
			pterm.Success.Printf("Updated %s to %s\n", id, st.CurrentVersion)
			return nil
		})
	},
}

var pluginsRollbackCmd = &cobra.Command{
	Use:   "rollback <plugin-id>",
	Short: "Switch back to an alternate installed version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWithEnv(cmd, func(ctx context.Context, env *pluginEnv) error {
			st, err := env.orchestrator.Rollback(ctx, args[0])
			if err != nil {
				return err
			}
			pterm.Success.Printf("Rolled %s back to %s\n", st.PluginID, st.CurrentVersion)
			return nil
		})
	},
}

var pluginsClearErrorCmd = &cobra.Command{
	Use:   "clear-error <plugin-id>",
	Short: "Clear a plugin's failed status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWithEnv(cmd, func(ctx context.Context, env *pluginEnv) error {
			st, err := env.orchestrator.ClearError(ctx, args[0])
			if err != nil {
				return err
			}
			state := "disabled"
			if st.EffectivelyEnabled() {
				state = "enabled"
			}
			pterm.Success.Printf("Cleared error on %s (now %s)\n", st.PluginID, state)
			return nil
		})
	},
}

var pluginsUninstallCmd = &cobra.Command{
	Use:   "uninstall <plugin-id>",
	Short: "Remove a plugin, its versions, and its stored data",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWithEnv(cmd, func(ctx context.Context, env *pluginEnv) error {
			if err := env.orchestrator.Uninstall(ctx, args[0]); err != nil {
				return err
			}
			pterm.Success.Printf("Uninstalled %s\n", args[0])
			return nil
		})
	},
}

var pluginsGateCmd = &cobra.Command{
	Use:   "gate",
	Short: "Check the server's required plugins",
	Long:  `Check whether every plugin the server marks required is installed, enabled, and healthy. Entering the server is blocked until the gate is satisfied.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWithEnv(cmd, func(ctx context.Context, env *pluginEnv) error {
			if env.source == nil {
				return errors.New("no catalog configured; cannot determine required plugins")
			}
			cat, err := env.source.Fetch(ctx)
			if err != nil {
				return err
			}

			required := cat.RequiredIDs()
			missing := env.gate.MissingRequired(required)
			if len(missing) == 0 {
				pterm.Success.Printf("All %d required plugins are enabled\n", len(required))
				return nil
			}

			pterm.Warning.Printf("Missing required plugins: %v\n", missing)
			for _, id := range missing {
				pterm.Info.Printf("  cpdesk plugins install %s --server %s\n", id, env.scope)
			}
			return errors.Newf("%d required plugins missing", len(missing))
		})
	},
}

func init() {
	pluginsInstallCmd.Flags().String("url", "", "Install from an explicit artifact URL instead of the catalog")
	pluginsInstallCmd.Flags().String("sha256", "", "Expected sha256 of the artifact (with --url)")
}
