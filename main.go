package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var (
	configFile      string
	space           string
	outputPath      string
	withAttachments bool
	withMarkdown    bool
	lazyMode        bool
	lazyTimeout     time.Duration
	headless        bool
	debugMode       bool
)

var rootCmd = &cobra.Command{
	Use:   "confluence-snapshot [config-file]",
	Short: "Export a Confluence space as a tree of PDF files",
	Long: `Walks the page tree of a Confluence space and prints every page to PDF
through a browser, mirroring the hierarchy on disk. Pages and attachments that
already exist locally are skipped, so an interrupted export can be resumed.`,
	Args:         cobra.MaximumNArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Get config file path
		if len(args) > 0 {
			configFile = args[0]
		} else {
			configFile = defaultConfigFile
		}

		logger := newLogger(debugMode)

		settings, err := LoadSettings(configFile, overridesFromFlags(cmd))
		if errors.Is(err, ErrConfigCreated) {
			logger.Info(err.Error())
			return nil
		}
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return export(ctx, settings, logger)
	},
}

func init() {
	rootCmd.Flags().StringVar(&space, "space", "", "Space key to export (overrides config)")
	rootCmd.Flags().StringVar(&outputPath, "output", "", "Export root directory (overrides download_path)")
	rootCmd.Flags().BoolVar(&withAttachments, "with-attachments", false, "Download page attachments")
	rootCmd.Flags().BoolVar(&withMarkdown, "with-markdown", false, "Also write a Markdown copy of every page")
	rootCmd.Flags().BoolVar(&lazyMode, "lazy", false, "Pause after every page and attachment")
	rootCmd.Flags().DurationVar(&lazyTimeout, "lazy-timeout", defaultLazyTimeout, "Pause length in lazy mode")
	rootCmd.Flags().BoolVar(&headless, "headless", true, "Run the browser without a window")
	rootCmd.Flags().BoolVar(&debugMode, "debug", false, "Enable debug logging")
}

// overridesFromFlags only overrides settings for flags given on the command line
func overridesFromFlags(cmd *cobra.Command) *ConfigOverrides {
	overrides := &ConfigOverrides{}
	flags := cmd.Flags()
	if flags.Changed("space") {
		overrides.Space = &space
	}
	if flags.Changed("output") {
		overrides.DownloadPath = &outputPath
	}
	if flags.Changed("with-attachments") {
		overrides.WithAttachments = &withAttachments
	}
	if flags.Changed("with-markdown") {
		overrides.WithMarkdown = &withMarkdown
	}
	if flags.Changed("lazy") {
		overrides.LazyMode = &lazyMode
	}
	if flags.Changed("lazy-timeout") {
		overrides.LazyTimeout = &lazyTimeout
	}
	if flags.Changed("headless") {
		overrides.Headless = &headless
	}
	return overrides
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// export wires the client, renderer and walker together and runs one export
func export(ctx context.Context, settings *Settings, logger *slog.Logger) error {
	client := NewConfluenceClient(settings)
	renderer := NewChromeRenderer(settings.Browser)
	throttle := NewThrottle(settings.LazyMode, settings.LazyTimeout, logger)
	exporter := NewExporter(client, renderer, throttle, settings, logger)
	walker := NewWalker(client, exporter, throttle, settings, logger)

	logger.Info("starting export", "space", settings.Space, "path", settings.DownloadPath, "print_mode", settings.Browser.PrintMode)

	stats, err := walker.Run(ctx, settings.Space)
	logStats(logger, stats)
	if err != nil {
		return fmt.Errorf("export of space %s failed: %w", settings.Space, err)
	}
	return nil
}

func logStats(logger *slog.Logger, stats *Stats) {
	if stats == nil {
		return
	}
	logger.Info("export finished",
		"pages", stats.Pages,
		"rendered", stats.PagesRendered,
		"skipped", stats.PagesSkipped,
		"directories", stats.Directories,
		"markdown", stats.MarkdownWritten,
		"attachments", stats.AttachmentsFetched,
		"attachments_skipped", stats.AttachmentsSkipped,
		"attachments_failed", stats.AttachmentsFailed,
		"duration", stats.FinishedAt.Sub(stats.StartedAt).Round(time.Second),
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
