package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/jacktea/carblob/pkg/blob"
	"github.com/jacktea/carblob/pkg/config"
	"github.com/jacktea/carblob/pkg/index"
	"github.com/jacktea/carblob/pkg/meta"
	"github.com/jacktea/carblob/pkg/metrics"
	"github.com/jacktea/carblob/pkg/service"
)

type app struct {
	cfg     config.Config
	log     *zap.Logger
	store   blob.Store
	digests meta.Store
	metrics *metrics.Metrics
	svc     *service.Service
	closers []io.Closer
}

func (a *app) ensure(ctx context.Context) error {
	if a.svc != nil {
		return nil
	}
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	log, err := cfg.Log.Build()
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log = log
	a.metrics = metrics.New()

	store, err := a.openStore(ctx, cfg)
	if err != nil {
		return err
	}
	a.store = store

	if cfg.Digest.CachePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Digest.CachePath), 0o755); err != nil {
			return fmt.Errorf("digest cache dir: %w", err)
		}
		digests, err := meta.NewBoltStore(meta.BoltConfig{Path: cfg.Digest.CachePath})
		if err != nil {
			return fmt.Errorf("digest cache: %w", err)
		}
		a.digests = digests
		a.closers = append(a.closers, digests)
	}

	svc, err := service.New(store, service.Options{
		Index: index.Options{
			ValidateResume: cfg.Index.ValidateResume,
			MaxSectionSize: cfg.Index.MaxSectionSize,
			BufferSize:     cfg.Index.BufferSize,
		},
		Algorithm: cfg.Digest.Algorithm,
		Digests:   a.digests,
		Metrics:   a.metrics,
		Log:       log,
	})
	if err != nil {
		return err
	}
	a.svc = svc
	return nil
}

// openStore builds the primary store, the optional fallback tier and the
// stat cache in front of both.
func (a *app) openStore(ctx context.Context, cfg config.Config) (blob.Store, error) {
	primary, err := buildBlobStore(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("storage config: %w", err)
	}
	a.track(primary)
	store := primary
	if cfg.Fallback.Enabled() {
		secondary, err := buildBlobStore(ctx, cfg.Fallback)
		if err != nil {
			return nil, fmt.Errorf("fallback storage config: %w", err)
		}
		a.track(secondary)
		hybrid, err := blob.NewHybridStore(primary, secondary, blob.HybridOptions{
			MirrorSecondary: cfg.Fallback.Mirror,
			CacheOnRead:     cfg.Fallback.CacheOnRead,
		})
		if err != nil {
			return nil, err
		}
		store = hybrid
	}
	if cfg.StatCache.Entries > 0 {
		store = blob.NewCachedStore(store, blob.CachedOptions{
			Entries:  cfg.StatCache.Entries,
			TTL:      cfg.StatCache.TTL,
			Observer: a.metrics.ObserveStatCache,
		})
	}
	return store, nil
}

func (a *app) track(store blob.Store) {
	if c, ok := store.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}
}

func (a *app) close() error {
	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, a.closers[i].Close())
	}
	a.closers = nil
	if a.log != nil {
		_ = a.log.Sync()
	}
	return err
}

var (
	cfgFile     string
	application = &app{}
	rootCmd     = &cobra.Command{
		Use:           "carblob",
		Short:         "Index, stat, serve and hash CAR archives held in blob storage",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return application.ensure(cmd.Context())
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	config.SetDefaults(viper.GetViper())
	initRootFlags()
	initCommands()
}

func main() {
	err := rootCmd.ExecuteContext(context.Background())
	err = multierr.Append(err, application.close())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("carblob")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "carblob"))
		}
	}
	viper.SetEnvPrefix("CARBLOB")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			fmt.Fprintf(os.Stderr, "read config: %v\n", err)
		}
	}
}

func bindConfig(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

// storageFlags registers the backend flags under prefix ("storage" or
// "fallback") and binds them to the matching config keys.
func storageFlags(flags *pflag.FlagSet, prefix, provider, what string) {
	flags.String(prefix+"-provider", provider, what+" provider: "+strings.Join(config.Providers, "|"))
	flags.String(prefix+"-root", "", what+" root directory (local provider)")
	flags.String(prefix+"-endpoint", "", what+" endpoint")
	flags.String(prefix+"-bucket", "", what+" bucket name")
	flags.String(prefix+"-region", "", what+" region (s3, minio)")
	flags.String(prefix+"-access-key", "", what+" access key")
	flags.String(prefix+"-secret-key", "", what+" secret key")
	flags.String(prefix+"-session-token", "", what+" session token (s3)")
	flags.String(prefix+"-url", "", what+" bucket URL, e.g. s3://bucket?region=x (bucket provider)")
	flags.Bool(prefix+"-path-style", false, what+" uses path-style addressing")
	flags.Bool(prefix+"-secure", true, what+" uses TLS (minio)")
	for _, name := range []string{"provider", "root", "endpoint", "bucket", "region", "access-key", "secret-key", "session-token", "url", "path-style", "secure"} {
		bindConfig(prefix+"."+strings.ReplaceAll(name, "-", "_"), flags.Lookup(prefix+"-"+name))
	}
}

func initRootFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (TOML or YAML)")

	storageFlags(flags, "storage", "local", "storage")
	storageFlags(flags, "fallback", "", "fallback storage")
	flags.Bool("fallback-mirror", false, "mirror writes to the fallback store")
	flags.Bool("fallback-cache-on-read", true, "copy objects found only in the fallback into the primary store")
	bindConfig("fallback.mirror", flags.Lookup("fallback-mirror"))
	bindConfig("fallback.cache_on_read", flags.Lookup("fallback-cache-on-read"))

	flags.Int("stat-cache-entries", 0, "object sizes cached in memory (0 disables; sizes may lag external deletes by the TTL)")
	flags.Duration("stat-cache-ttl", time.Minute, "time to keep cached object sizes")
	bindConfig("stat_cache.entries", flags.Lookup("stat-cache-entries"))
	bindConfig("stat_cache.ttl", flags.Lookup("stat-cache-ttl"))

	flags.Int64("max-section-size", 32<<20, "largest archive section accepted, in bytes")
	flags.Bool("validate-resume", false, "reject resume offsets that do not start a well-formed frame")
	bindConfig("index.max_section_size", flags.Lookup("max-section-size"))
	bindConfig("index.validate_resume", flags.Lookup("validate-resume"))

	flags.String("digest-algorithm", "sha2-256", "hash algorithm: sha2-256|sha2-512|blake3")
	flags.String("digest-cache", "", "path to the bbolt digest cache (empty disables)")
	flags.Duration("digest-cache-ttl", 30*24*time.Hour, "age after which cached digests are pruned")
	bindConfig("digest.algorithm", flags.Lookup("digest-algorithm"))
	bindConfig("digest.cache_path", flags.Lookup("digest-cache"))
	bindConfig("digest.cache_ttl", flags.Lookup("digest-cache-ttl"))

	flags.String("log-level", "info", "log level: debug|info|warn|error")
	flags.String("log-format", "console", "log format: json|console")
	bindConfig("log.level", flags.Lookup("log-level"))
	bindConfig("log.format", flags.Lookup("log-format"))
}

func initCommands() {
	rootCmd.AddCommand(
		newServeCmd(),
		newIndexCmd(),
		newStatCmd(),
		newCatCmd(),
		newHashCmd(),
		newPutCmd(),
		newBlockCmd(),
		newGCCmd(),
	)
}
