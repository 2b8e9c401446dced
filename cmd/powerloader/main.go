// Command powerloader fetches a manifest of targets from a pool of
// mirrors in parallel, with mirror failover, adaptive mirror ranking,
// and resumable/zchunk-aware transfers. Grounded on the teacher's
// cmd/mirrorctl/main.go: cobra command tree, BurntSushi/toml manifest
// loading with an undecoded-key check, slog logging, and a
// formatError helper using cockroachdb/errors' stack-trace flattening.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cheggaaa/pb/v3"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/mirrorctl/powerloader/internal/checksum"
	"github.com/mirrorctl/powerloader/internal/config"
	"github.com/mirrorctl/powerloader/internal/errs"
	"github.com/mirrorctl/powerloader/internal/metrics"
	"github.com/mirrorctl/powerloader/internal/mirror"
	"github.com/mirrorctl/powerloader/internal/mirrorid"
	"github.com/mirrorctl/powerloader/internal/scheduler"
	"github.com/mirrorctl/powerloader/internal/target"
	"github.com/mirrorctl/powerloader/internal/transfer"
)

var (
	version = "dev"
	commit  = "unknown"

	manifestPath string
	logLevel     string
	verboseError bool
	quiet        bool
	metricsAddr  string
)

var rootCmd = &cobra.Command{
	Use:   "powerloader",
	Short: "Fetch files from a pool of mirrors in parallel",
	Long: `powerloader races a manifest of targets against a pool of HTTP, S3, and
OCI registry mirrors, retrying failed transfers on the next best-ranked
mirror and resuming partial downloads where the server allows it.`,
}

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Fetch every target in the manifest",
	Long: `Fetches every target described in the manifest file against the
configured mirror pool.

Examples:
  powerloader fetch --manifest ./manifest.toml
  powerloader fetch --manifest ./manifest.toml --log-level debug
  powerloader fetch --manifest ./manifest.toml --metrics :9090`,
	RunE: runFetch,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the manifest file",
	RunE:  runValidate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("powerloader %s (%s)\n", version, commit)
	},
}

func init() {
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.PersistentFlags().StringVarP(&manifestPath, "manifest", "m", "manifest.toml", "manifest file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&verboseError, "verbose-errors", false, "show detailed error information including stack traces")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress all output except for errors and the final summary")
	fetchCmd.Flags().StringVar(&metricsAddr, "metrics", "", "serve Prometheus metrics on this address (e.g. :9090) while fetching")
}

// formatError mirrors the teacher's CLI error formatting: a flattened,
// human-readable message by default, the full stack trace under
// --verbose-errors.
func formatError(err error, verbose bool) string {
	if verbose {
		return fmt.Sprintf("%+v", err)
	}
	if flattened := errors.FlattenDetails(err); flattened != "" {
		return flattened
	}
	return err.Error()
}

func loadManifest() (*config.Config, error) {
	cfg := config.New()
	md, err := toml.DecodeFile(manifestPath, cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding manifest %q", manifestPath)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, errors.Newf("manifest %q has unrecognized keys: %v", manifestPath, undecoded)
	}
	if err := cfg.ApplyEnvironmentVariables(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyLogLevel(cfg *config.Config) error {
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if quiet {
		cfg.Log.Level = "error"
	}
	return cfg.Log.Apply()
}

func runValidate(_ *cobra.Command, _ []string) error {
	cfg, err := loadManifest()
	if err != nil {
		return err
	}
	if err := applyLogLevel(cfg); err != nil {
		return err
	}
	if err := cfg.Check(); err != nil {
		return err
	}
	slog.Info("manifest is valid", "mirrors", len(cfg.Mirrors), "targets", len(cfg.Targets))
	return nil
}

// buildMirrors turns the manifest's MirrorConfig entries into
// mirror.Mirror instances, one Kind implementation per protocol.
func buildMirrors(cfg *config.Config) ([]*mirror.Mirror, error) {
	ids := make([]string, 0, len(cfg.Mirrors))
	for id := range cfg.Mirrors {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	mirrors := make([]*mirror.Mirror, 0, len(ids))
	for _, id := range ids {
		mc := cfg.Mirrors[id]

		var kind mirror.Kind
		var proto mirror.Protocol
		switch mc.Kind {
		case config.KindHTTP:
			kind = mirror.NewHTTPKind(mc.URL)
			proto = mirror.ProtoHTTP
		case config.KindS3:
			kind = mirror.NewS3Kind(mc.URL, mc.Region, mc.AccessKey, mc.SecretKey)
			proto = mirror.ProtoHTTP
		case config.KindOCI:
			oci := mirror.NewOCIKind(mc.URL, mc.RepoPrefix)
			if mc.Scope != "" {
				oci.Scope = mc.Scope
			}
			kind = oci.WithCredentials(mc.Username, mc.Password)
			proto = mirror.ProtoHTTP
		default:
			return nil, errors.Newf("mirror %q: unknown kind %q", id, mc.Kind)
		}

		m := mirror.New(mirrorid.Make(string(mc.Kind), mc.URL), mc.URL, proto, kind, 200*time.Millisecond)
		if mc.AllowedParallelConnections > 0 {
			m.SetAllowedParallelConnections(mc.AllowedParallelConnections)
		}
		mirrors = append(mirrors, m)
	}
	return mirrors, nil
}

// buildTargets turns the manifest's TargetConfig entries into
// scheduler-ready target.Target values, wiring a progress bar per
// target and an EndCallback that records the outcome for the final
// summary.
func buildTargets(cfg *config.Config, summary *runSummary) []*target.Target {
	targets := make([]*target.Target, 0, len(cfg.Targets))
	for _, tc := range cfg.Targets {
		tc := tc
		var sums []checksum.Pair
		if tc.SHA256 != "" {
			sums = append(sums, checksum.Pair{Kind: checksum.SHA256, Hex: tc.SHA256})
		}
		if tc.SHA1 != "" {
			sums = append(sums, checksum.Pair{Kind: checksum.SHA1, Hex: tc.SHA1})
		}
		if tc.MD5 != "" {
			sums = append(sums, checksum.Pair{Kind: checksum.MD5, Hex: tc.MD5})
		}

		expected := tc.ExpectedSize
		if expected <= 0 {
			expected = -1
		}

		var bar *pb.ProgressBar
		barStarted := false
		if expected > 0 && !quiet {
			bar = pb.New64(expected)
			bar.Set(pb.Bytes, true)
			bar.Set("prefix", tc.Path+" ")
		}

		dl := &target.DownloadTarget{
			Path:            tc.Path,
			DestFilename:    tc.DestFilename,
			BaseURL:         tc.BaseURL,
			Checksums:       sums,
			ExpectedSize:    expected,
			Resume:          tc.Resume,
			IsZchunk:        tc.IsZchunk,
			ZckHeaderSize:   tc.ZckHeaderSize,
			ZckHeaderSHA256: tc.ZckHeaderSHA256,
			ByteRangeStart:  tc.ByteRangeStart,
			ByteRangeEnd:    tc.ByteRangeEnd,
			NoCache:         tc.NoCache,
			MaxSpeedLimit:   tc.MaxSpeedLimit,
			ProgressCallback: func(downloaded, total int64) {
				if bar == nil {
					return
				}
				if !barStarted {
					bar.Start()
					barStarted = true
				}
				bar.SetCurrent(downloaded)
			},
			EndCallback: func(status target.TransferStatus, err error) *errs.DownloaderError {
				if bar != nil && barStarted {
					bar.Finish()
				}
				summary.record(tc.Path, status, err)
				return nil
			},
		}
		targets = append(targets, target.New(dl))
	}
	return targets
}

func runFetch(cmd *cobra.Command, _ []string) error {
	cfg, err := loadManifest()
	if err != nil {
		return err
	}
	if err := applyLogLevel(cfg); err != nil {
		return err
	}
	if err := cfg.Check(); err != nil {
		return err
	}

	ctx, err := config.NewContext(cfg)
	if err != nil {
		return err
	}
	defer ctx.Close()

	mirrors, err := buildMirrors(cfg)
	if err != nil {
		return err
	}

	reg := metrics.NewRegistry()
	if metricsAddr != "" {
		go func() {
			slog.Info("serving metrics", "addr", metricsAddr)
			if err := serveMetrics(metricsAddr, reg); err != nil {
				slog.Error("metrics server exited", "error", err)
			}
		}()
	}

	summary := &runSummary{start: time.Now()}
	targets := buildTargets(cfg, summary)

	tlsCfg, err := cfg.TLS.BuildTLSConfig()
	if err != nil {
		return err
	}
	httpClient := transfer.DefaultClient()
	if tr, ok := httpClient.Transport.(*http.Transport); ok {
		tr.TLSClientConfig = tlsCfg
	}
	client := transfer.NewMulti(cfg.MaxConns, httpClient)
	d := scheduler.New(mirrors, client, scheduler.Options{
		MaxParallelConnections: cfg.MaxConns,
		CacheDir:               ctx.CacheDir,
		AllowedMirrorFailures:  ctx.AllowedMirrorFailures,
		MaxMirrorsToTry:        ctx.MaxMirrorsToTry,
		MaxDownloadsPerMirror:  ctx.MaxDownloadsPerMirror,
	}, reg)

	runCtx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer cancel()

	if err := d.Download(runCtx, targets); err != nil {
		verbose := verboseError
		slog.Error("fetch failed", "error", formatError(err, verbose))
		os.Exit(1)
	}

	summary.print()
	return nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
