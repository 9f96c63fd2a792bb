// Command fetchkit is a thin cobra CLI over the engine's core packages. It
// is not a wget-flag-compatible client: it exercises the public surface of
// internal/config, internal/logging, and internal/core/{httpclient,
// orchestrator,sink,crawler} for a single URL or, with -r, a recursive
// crawl rooted at that URL.
//
// Grounded on the teacher's internal/cli/root.go: a package-level rootCmd
// built in init(), flags bound with Flags().StringVarP/BoolVarP onto
// package-level vars, and an exported Execute() called from main().
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/fetchkit/fetchkit/internal/config"
	"github.com/fetchkit/fetchkit/internal/core/cookiejar"
	"github.com/fetchkit/fetchkit/internal/core/crawler"
	"github.com/fetchkit/fetchkit/internal/core/errtax"
	"github.com/fetchkit/fetchkit/internal/core/httpclient"
	"github.com/fetchkit/fetchkit/internal/core/orchestrator"
	"github.com/fetchkit/fetchkit/internal/core/sink"
	"github.com/fetchkit/fetchkit/internal/logging"
)

var version = "dev"

var (
	output         string
	recursive      bool
	maxDepth       int
	spanHosts      bool
	pageRequisites bool
	respectRobots  bool
	username       string
	password       string
	quotaBytes     int64
	timestamping   bool
	insecure       bool
	logLevel       string
	pretty         bool
)

var rootCmd = &cobra.Command{
	Use:     "fetchkit [url]",
	Short:   "Retrieve a URL, or crawl recursively from it",
	Version: version,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(args[0])
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage fetchkit's on-disk configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config.yml if one doesn't already exist",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Init(); err != nil {
			return err
		}
		path, _ := config.ConfigPath()
		fmt.Println("wrote", path)
		return nil
	},
}

func init() {
	rootCmd.Flags().StringVarP(&output, "output", "o", "", "output file or directory (default: derived from URL)")
	rootCmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "crawl recursively starting from url")
	rootCmd.Flags().IntVar(&maxDepth, "max-depth", 5, "maximum recursion depth for -r")
	rootCmd.Flags().BoolVar(&spanHosts, "span-hosts", false, "follow links to other hosts during -r")
	rootCmd.Flags().BoolVar(&pageRequisites, "page-requisites", false, "also fetch images/css/js referenced by crawled pages")
	rootCmd.Flags().BoolVar(&respectRobots, "respect-robots", true, "honor robots.txt during -r")
	rootCmd.Flags().StringVar(&username, "user", "", "HTTP Basic/Digest username")
	rootCmd.Flags().StringVar(&password, "password", "", "HTTP Basic/Digest password")
	rootCmd.Flags().Int64Var(&quotaBytes, "quota", 0, "stop after this many bytes have been written this run (0 disables)")
	rootCmd.Flags().BoolVarP(&timestamping, "timestamping", "N", false, "skip re-download when the remote file isn't newer")
	rootCmd.Flags().BoolVar(&insecure, "no-check-certificate", false, "don't verify the server's TLS certificate")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "debug, info, warn, or error")
	rootCmd.Flags().BoolVar(&pretty, "pretty", true, "human-readable log output instead of JSON")

	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fetchkit:", err)
		os.Exit(errtax.ExitCode(err))
	}
}

func run(target string) error {
	cfg := config.LoadOrDefault()
	log := logging.New(logging.Options{Level: logLevel, Pretty: pretty})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("received interrupt, cancelling")
		cancel()
	}()

	clientCfg := cfg.HTTP.ToClientConfig()
	if insecure {
		clientCfg.TLS.InsecureSkipVerify = true
	}
	if username != "" {
		clientCfg.Credentials = &httpclient.Credentials{Username: username, Password: password}
	}

	client, err := httpclient.New(clientCfg, cookiejar.New(), httpclient.NewAuthState())
	if err != nil {
		return err
	}

	rangeCfg := cfg.RangeEngine.ToRangeConfig()
	orchCfg := cfg.Orchestrator.ToOrchestratorConfig(rangeCfg)
	orchCfg.Timestamping = orchCfg.Timestamping || timestamping
	orchCfg.QuotaBytes = quotaBytes
	session := orchestrator.NewSession(client, orchCfg)

	if recursive {
		return runCrawl(ctx, log, session, client, cfg, target)
	}
	return runDownload(ctx, log, session, target)
}

func runDownload(ctx context.Context, log logging.Logger, session *orchestrator.Session, target string) error {
	dlog := log.With("download").ForDownload(target)

	dst := output
	if dst == "" {
		dst = filenameFromURL(target)
	}

	resumeInfo := orchestrator.ResumeInfoFromFile(dst, true)
	var f *sink.File
	var err error
	if resumeInfo.Exists {
		f, err = sink.OpenFileForResume(dst)
	} else {
		f, err = sink.NewFile(dst)
	}
	if err != nil {
		return err
	}
	defer f.Close()

	dlog.Info().Msg("starting download")
	result, err := session.Download(ctx, target, f, resumeInfo, nil)
	if err != nil {
		dlog.Error().Str("err", err.Error()).Msg("download failed")
		return err
	}
	if result.Skipped {
		dlog.Info().Msg("not modified, skipped")
		return nil
	}
	dlog.Info().Msg(fmt.Sprintf("download complete: %s in %d chunks", humanize.Bytes(uint64(result.BytesWritten)), result.ChunkCount))
	return nil
}

func runCrawl(ctx context.Context, log logging.Logger, session *orchestrator.Session, client *httpclient.Client, cfg *config.Config, startURL string) error {
	clog := log.With("crawl")

	root := output
	if root == "" {
		root = cfg.OutputDir
	}

	var robots *crawler.RobotsChecker
	if respectRobots {
		robots = crawler.NewRobotsChecker(client, cfg.HTTP.UserAgent)
	}

	filter := crawler.Filter{
		SpanHosts:      spanHosts,
		IncludeDomains: cfg.Crawler.IncludeDomains,
		ExcludeDomains: cfg.Crawler.ExcludeDomains,
	}

	c := crawler.New(session, robots, root, crawler.Config{
		MaxDepth:       maxDepth,
		PageRequisites: pageRequisites,
		RespectRobots:  respectRobots,
		Filter:         filter,
		UserAgent:      cfg.HTTP.UserAgent,
	})

	clog.Info().Msg("starting crawl")
	artifacts, err := c.Crawl(ctx, startURL)
	if err != nil {
		clog.Error().Str("err", err.Error()).Msg("crawl failed")
		return err
	}
	clog.Info().Msg(fmt.Sprintf("crawl complete, %d artifacts written under %s", len(artifacts), root))
	return nil
}

func filenameFromURL(raw string) string {
	base := raw
	for i := len(base) - 1; i >= 0; i-- {
		if base[i] == '/' {
			base = base[i+1:]
			break
		}
	}
	if base == "" {
		return "index.html"
	}
	return base
}
