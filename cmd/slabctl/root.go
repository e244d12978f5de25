package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/joshuapare/slabkit/internal/logger"
)

var (
	// Global flags
	verbose bool
	quiet   bool
	jsonOut bool
	lang    string
	logDir  string

	// stdout receives command output; tests swap it for a buffer.
	stdout io.Writer = os.Stdout
)

var rootCmd = &cobra.Command{
	Use:   "slabctl",
	Short: "Plan, exercise and inspect slabkit caches",
	Long: `slabctl drives the slabkit allocator: it prints the slab layout the
planner picks for an object size, runs concurrent stress workloads against a
cache with optional debug checks, and shows slabinfo-style cache tables.`,
	Version: "0.1.0",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initLogging()
	},
}

// initLogging routes allocator logs to a dated file under --log-dir, or to
// stderr with --verbose. --verbose also lowers the level to debug.
func initLogging() error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	switch {
	case logDir != "":
		return logger.Init(logger.Options{Enabled: true, LogDir: logDir, Level: level})
	case verbose:
		return logger.Init(logger.Options{Enabled: true, Writer: os.Stderr, Level: level})
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log allocator events to stderr")
	rootCmd.PersistentFlags().
		BoolVarP(&quiet, "quiet", "q", false, "Suppress all output except errors")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().StringVar(&lang, "lang", "en", "Language tag used to format numbers")
	rootCmd.PersistentFlags().
		StringVar(&logDir, "log-dir", "", "Write allocator logs to a dated file in this directory (old files are pruned)")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// printer formats numbers for the --lang tag, falling back to English.
func printer() *message.Printer {
	return message.NewPrinter(printerTag())
}

// printInfo prints an info message if not in quiet mode
func printInfo(format string, args ...any) {
	if !quiet {
		printer().Fprintf(stdout, format, args...)
	}
}

// printVerbose prints a verbose message if verbose mode is enabled
func printVerbose(format string, args ...any) {
	if verbose && !quiet {
		printer().Fprintf(stdout, format, args...)
	}
}

// printJSON outputs data as JSON
func printJSON(v any) error {
	encoder := json.NewEncoder(stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func printerTag() language.Tag {
	tag, err := language.Parse(lang)
	if err != nil {
		return language.English
	}
	return tag
}
