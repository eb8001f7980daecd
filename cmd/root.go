package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/tanq16/bolt/internal/config"
	"github.com/tanq16/bolt/internal/engine"
	"github.com/tanq16/bolt/internal/httpx"
	"github.com/tanq16/bolt/internal/logging"
	"github.com/tanq16/bolt/internal/output"
	"github.com/tanq16/bolt/internal/planner"
)

var (
	outputPath  string
	outputDir   string
	segments    int
	infoOnly    bool
	verbose     bool
	quiet       bool
	headers     []string
	profileName string
	throttle    int64
	urlListFile string
)

var BoltVersion = "dev"

var rootCmd = &cobra.Command{
	Use:     "bolt [URL]",
	Short:   "Bolt is a parallel segmented download accelerator",
	Version: BoltVersion,
	Args:    cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		logging.Init(verbose, quiet)

		if len(args) == 0 && urlListFile == "" {
			return fmt.Errorf("no URL or URL list provided")
		}
		if len(args) > 0 && urlListFile != "" {
			return fmt.Errorf("cannot specify a URL argument and --list together, choose one")
		}

		fileCfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("could not read config file: %w", err)
		}
		engCfg := buildEngineConfig(fileCfg)

		if infoOnly {
			return runInfo(args[0], engCfg)
		}

		if urlListFile != "" {
			entries, err := config.ReadList(urlListFile)
			if err != nil {
				return fmt.Errorf("could not read URL list: %w", err)
			}
			return runBatch(entries, fileCfg, engCfg)
		}

		return runSingle(args[0], outputPath, fileCfg, engCfg, !quiet)
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		output.PrintError(err.Error())
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file path (filename is inferred if not provided)")
	rootCmd.Flags().StringVarP(&outputDir, "directory", "d", "", "Directory to place the output file in")
	rootCmd.Flags().IntVarP(&segments, "segments", "n", 0, "Number of segments (0 = auto)")
	rootCmd.Flags().BoolVarP(&infoOnly, "info", "i", false, "Probe the URL and print resource info without downloading")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "V", false, "Enable debug logging")
	rootCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Suppress progress output")
	rootCmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "Custom header (like 'Authorization: Bearer token'); repeatable")
	rootCmd.Flags().StringVar(&profileName, "profile", "", "Segmentation profile: aggressive or conservative")
	rootCmd.Flags().Int64Var(&throttle, "throttle", 0, "Bandwidth limit in bytes per second (0 = unlimited)")
	rootCmd.Flags().StringVarP(&urlListFile, "list", "l", "", "Path to a YAML file with URLs and output paths")
	rootCmd.Flags().BoolP("version", "v", false, "Print version and exit")
}

// buildEngineConfig merges flags over the config file.
func buildEngineConfig(fileCfg *config.Config) *engine.Config {
	cfg := engine.DefaultConfig()

	name := profileName
	if name == "" {
		name = fileCfg.Profile
	}
	cfg.Profile = planner.ParseProfile(name)

	if segments > 0 {
		cfg.SegmentCount = segments
	} else if fileCfg.Segments > 0 {
		cfg.SegmentCount = fileCfg.Segments
	}

	if throttle > 0 {
		cfg.ThrottleBps = throttle
	} else if fileCfg.ThrottleBps > 0 {
		cfg.ThrottleBps = fileCfg.ThrottleBps
	}

	if fileCfg.StallTimeout > 0 {
		cfg.StallTimeout = fileCfg.StallTimeout
	}
	cfg.WorkStealing = !fileCfg.NoStealing
	cfg.Resegmentation = !fileCfg.NoResegment

	httpCfg := httpx.DefaultConfig()
	httpCfg.UserAgent = fileCfg.UserAgent
	httpCfg.InsecureSkipVerify = fileCfg.Insecure
	httpCfg.Headers = mergeHeaders(fileCfg.Headers, parseHeaderArgs(headers))
	cfg.HTTP = httpCfg

	return cfg
}

// runInfo performs the HEAD probe and prints the descriptor.
func runInfo(url string, cfg *engine.Config) error {
	client := httpx.NewClient(cfg.HTTP)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	desc, err := client.Head(ctx, url)
	if err != nil {
		return err
	}

	output.PrintHeader(url)
	if desc.ContentLength > 0 {
		output.PrintInfo(fmt.Sprintf("size: %s (%d bytes)", humanize.IBytes(uint64(desc.ContentLength)), desc.ContentLength))
	} else {
		output.PrintInfo("size: unknown")
	}
	output.PrintInfo(fmt.Sprintf("ranges: %v", desc.AcceptsRanges))
	if desc.ContentType != "" {
		output.PrintInfo("type: " + desc.ContentType)
	}
	if desc.Filename != "" {
		output.PrintInfo("filename: " + desc.Filename)
	}
	return nil
}

// runSingle drives one engine to a terminal state with a progress renderer.
func runSingle(url, out string, fileCfg *config.Config, cfg *engine.Config, render bool) error {
	e := engine.New(cfg)
	if err := e.SetURL(url); err != nil {
		return err
	}
	if out != "" {
		e.SetOutputPath(out)
	}
	if dir := firstNonEmpty(outputDir, fileCfg.DownloadDir); dir != "" {
		e.SetOutputDir(dir)
	}

	label := filepath.Base(out)
	if out == "" {
		label = url
	}
	renderer := output.NewRenderer(label, !render)
	e.SetCallback(renderer.Callback())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		if _, ok := <-sigCh; ok {
			e.Cancel()
		}
	}()

	if err := e.Start(); err != nil {
		return err
	}

	for !e.State().Terminal() {
		time.Sleep(100 * time.Millisecond)
	}

	p := e.Progress()
	switch e.State() {
	case engine.StateCompleted:
		renderer.Finish(p, nil)
		return nil
	case engine.StateCancelled:
		renderer.Finish(p, nil)
		return fmt.Errorf("download cancelled")
	default:
		renderer.Finish(p, e.Err())
		return e.Err()
	}
}

// runBatch downloads every list entry through the manager.
func runBatch(entries []config.Entry, fileCfg *config.Config, cfg *engine.Config) error {
	if len(entries) == 0 {
		return fmt.Errorf("URL list is empty")
	}

	m := engine.NewManager()
	log := logging.GetLogger("cli")

	var wg sync.WaitGroup
	failures := make([]error, len(entries))

	for i, entry := range entries {
		id, err := m.Create(entry.URL, entry.OutputPath, cfg)
		if err != nil {
			failures[i] = err
			output.PrintError(fmt.Sprintf("%s: %v", entry.URL, err))
			continue
		}

		wg.Add(1)
		go func(i int, id uint32, entry config.Entry) {
			defer wg.Done()

			e, err := m.Get(id)
			if err != nil {
				failures[i] = err
				return
			}
			if dir := firstNonEmpty(outputDir, fileCfg.DownloadDir); dir != "" {
				e.SetOutputDir(dir)
			}

			if err := m.Start(id); err != nil {
				failures[i] = err
				output.PrintError(fmt.Sprintf("%s: %v", entry.URL, err))
				return
			}
			for {
				p, err := m.Progress(id)
				if err != nil {
					failures[i] = err
					return
				}
				if p.State.Terminal() {
					if p.State == engine.StateCompleted {
						output.PrintSuccess(fmt.Sprintf("%s (%s)", e.OutputPath(), humanize.IBytes(uint64(p.DownloadedBytes))))
					} else {
						failures[i] = e.Err()
						output.PrintError(fmt.Sprintf("%s: %v", entry.URL, e.Err()))
					}
					return
				}
				time.Sleep(200 * time.Millisecond)
			}
		}(i, id, entry)
	}

	wg.Wait()

	failed := 0
	for _, err := range failures {
		if err != nil {
			failed++
		}
	}
	if failed > 0 {
		log.Error().Int("failed", failed).Int("total", len(entries)).Msg("batch finished with failures")
		return fmt.Errorf("%d of %d downloads failed", failed, len(entries))
	}
	return nil
}

func parseHeaderArgs(args []string) map[string]string {
	result := make(map[string]string)
	for _, header := range args {
		parts := strings.SplitN(header, ":", 2)
		if len(parts) == 2 {
			result[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
		}
	}
	return result
}

func mergeHeaders(base, override map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return merged
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
