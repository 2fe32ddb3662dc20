package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/dicej/cargo-component/internal/contentstore"
	"github.com/dicej/cargo-component/internal/lockstate"
	"github.com/dicej/cargo-component/internal/syncer"
	"github.com/dicej/cargo-component/internal/translog"
	"github.com/dicej/cargo-component/pkg/client"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

// publishKeyEnv names the environment variable holding the publisher's
// signing key.
const publishKeyEnv = "WIT_PUBLISH_KEY"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// globals holds the persistent flags and the config they resolve to.
type globals struct {
	cfgFile     string
	registryURL string
	cacheDir    string
	verbose     bool

	stdout io.Writer
	stderr io.Writer
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	g := &globals{stdout: stdout, stderr: stderr}
	v := viper.New()

	root := &cobra.Command{
		Use:   "wit",
		Short: "Publish and fetch WIT packages from a verifiable registry",
		Long: `wit publishes WebAssembly interface packages to a registry and downloads
them again, verifying every record against the registry's signed,
append-only log before trusting it.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return g.load(v)
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.PersistentFlags().StringVar(&g.cfgFile, "config", "", "config file (default ~/.wit/config.yaml)")
	root.PersistentFlags().StringVar(&g.registryURL, "registry", "", "registry URL (default http://localhost:8080)")
	root.PersistentFlags().StringVar(&g.cacheDir, "cache-dir", "", "local cache directory (default ~/.wit/cache)")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "log every step")

	root.AddCommand(
		newPublishCmd(g, v),
		newSyncCmd(g, v),
		newDownloadCmd(g, v),
		newKeyCmd(g),
		newVersionCmd(g),
	)
	return root
}

// load reads the config file and fills unset flags from it.
func (g *globals) load(v *viper.Viper) error {
	home, _ := os.UserHomeDir()
	if g.cfgFile != "" {
		v.SetConfigFile(g.cfgFile)
	} else {
		v.AddConfigPath(filepath.Join(home, ".wit"))
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	v.SetEnvPrefix("wit")
	v.AutomaticEnv()

	v.SetDefault("registry_url", "http://localhost:8080")
	v.SetDefault("cache_dir", filepath.Join(home, ".wit", "cache"))
	v.SetDefault("publish_timeout", "2m")
	v.SetDefault("registry_key", "")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if g.cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}

	if g.registryURL == "" {
		g.registryURL = v.GetString("registry_url")
	}
	if g.cacheDir == "" {
		g.cacheDir = v.GetString("cache_dir")
	}
	return nil
}

// workspace is everything a command needs to talk to one registry.
type workspace struct {
	client *client.Client
	state  *lockstate.Store
	cache  *contentstore.FileStore
	syncer *syncer.Syncer
	logger *zap.Logger
}

func (w *workspace) Close() {
	w.cache.Close() //nolint:errcheck
	w.logger.Sync() //nolint:errcheck
}

func (g *globals) workspace(v *viper.Viper) (*workspace, error) {
	logger := zap.NewNop()
	if g.verbose {
		l, err := zap.NewDevelopment()
		if err != nil {
			return nil, err
		}
		logger = l
	}

	c, err := client.New(g.registryURL, client.WithUserAgent("wit/"+version))
	if err != nil {
		return nil, err
	}
	state, err := lockstate.Open(filepath.Join(g.cacheDir, "state"), logger)
	if err != nil {
		return nil, err
	}
	cache, err := contentstore.NewFileStore(filepath.Join(g.cacheDir, "content"), logger)
	if err != nil {
		return nil, err
	}
	s := syncer.New(c, state, cache, syncer.Config{RegistryKey: v.GetString("registry_key")}, logger)
	return &workspace{client: c, state: state, cache: cache, syncer: s, logger: logger}, nil
}

// ── key ──────────────────────────────────────────────────────────────────────

func newKeyCmd(g *globals) *cobra.Command {
	key := &cobra.Command{
		Use:   "key",
		Short: "Manage signing keys",
	}
	key.AddCommand(&cobra.Command{
		Use:   "generate <name>",
		Short: "Generate a signing key for publishing or for a registry log",
		Long: `generate prints a new key pair. The private key is the value for
WIT_PUBLISH_KEY (or log.signing_key on a registry); the verifier key is
what others pin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, skey, vkey, err := translog.GenerateKey(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(g.stdout, "private key:  %s\n", skey)
			fmt.Fprintf(g.stdout, "verifier key: %s\n", vkey)
			return nil
		},
	})
	return key
}

// ── version ──────────────────────────────────────────────────────────────────

func newVersionCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the wit version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(g.stdout, "wit %s\n", version)
		},
	}
}

func parseTimeout(v *viper.Viper) (time.Duration, error) {
	raw := v.GetString("publish_timeout")
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid publish_timeout %q", raw)
	}
	return d, nil
}
