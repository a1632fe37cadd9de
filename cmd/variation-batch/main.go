package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/gemini-variations/internal/batch"
	"github.com/fpang/gemini-variations/internal/cli"
	"github.com/fpang/gemini-variations/internal/export"
	"github.com/fpang/gemini-variations/internal/filehandler"
	"github.com/fpang/gemini-variations/internal/variation"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// CLI flags
var (
	flags         cli.Flags
	inputDirFlag  string
	maxDepthFlag  int
	limitFlag     int
	dryRunFlag    bool
	overwriteFlag bool
	jsonFlag      bool
)

// rootCmd is the main Cobra command for the batch driver.
var rootCmd = &cobra.Command{
	Use:   "variation-batch [directory]",
	Short: "Generate Gemini variations for every image in a directory",
	Long: `Variation Batch scans a directory (recursively by default) for images and
generates variations for each one with a pool of workers. Images that already
have variations in the output location are skipped unless --overwrite is set.

Each worker keeps its own duplicate guard and adaptive quality level; the
result cache and the Gemini client are shared.

Examples:
  variation-batch -i ./photos -o ./variations
  variation-batch ./photos -n 2 -c composition --concurrency 4
  variation-batch -i ./photos --max-depth 1 --limit 20 --dry-run
  variation-batch -i ./photos -p "Make it look like a rainy evening"
  variation-batch  # Interactive mode - prompts for the directory`,
	Args:          cobra.MaximumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runMain,
}

func init() {
	flags.Register(rootCmd)
	fs := rootCmd.Flags()
	fs.StringVarP(&inputDirFlag, "input-dir", "i", "", "directory containing source images")
	fs.IntVar(&maxDepthFlag, "max-depth", 0, "maximum recursion depth (0 = unlimited)")
	fs.IntVar(&limitFlag, "limit", 0, "maximum images to process (0 = unlimited)")
	fs.IntVar(&flags.Concurrency, "concurrency", 0, "parallel workers (default from config)")
	fs.BoolVar(&dryRunFlag, "dry-run", false, "list the images that would be processed and exit")
	fs.BoolVar(&overwriteFlag, "overwrite", false, "process images that already have variations")
	fs.BoolVar(&jsonFlag, "json", false, "print the batch summary as JSON")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		cli.LogError(err)
		os.Exit(1)
	}
}

// runMain is the main execution logic called by Cobra.
func runMain(cmd *cobra.Command, args []string) error {
	start := time.Now()

	env, err := flags.Setup(cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	dirPath := inputDirFlag
	if dirPath == "" && len(args) == 1 {
		dirPath = args[0]
	}
	if dirPath == "" {
		dirPath = cli.PromptForDirectory(os.Stdin, os.Stderr)
	}
	if dirPath, err = cli.ResolveDirectory(dirPath); err != nil {
		return err
	}

	req, err := flags.Request("")
	if err != nil {
		return err
	}
	probe := req
	probe.SourcePath = dirPath
	if err := probe.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := batch.Options{
		InputDir:    dirPath,
		Scan:        filehandler.ScanOptions{MaxDepth: maxDepthFlag, Limit: limitFlag},
		Request:     req,
		Concurrency: env.Config.Concurrency,
		Overwrite:   overwriteFlag,
		DryRun:      dryRunFlag,
	}

	var runner *batch.Runner
	if dryRunFlag {
		runner = batch.NewRunner(nil, opts)
	} else {
		client, err := cli.InitGeminiClient(ctx, env.Config, flags.Keys(), env.AWS, env.EMF)
		if err != nil {
			return err
		}
		pipeline, err := cli.NewPipeline(env.Config, cli.NewGenerator(client.Models, env.Config), flags.Prompter())
		if err != nil {
			return err
		}
		sinks, err := cli.NewSinks(ctx, env.AWS, env.Config, env.EMF, string(req.Category))
		if err != nil {
			return err
		}
		env.LogStartup("variation-batch", version, start, pipeline.Features(), map[string]string{
			"inputDir": dirPath,
		})

		runner = batch.NewRunner(pipeline.NewOrchestrator, opts)
		if sinks.Enabled() {
			runner.OnResult(func(ctx context.Context, src *filehandler.SourceFile, res *variation.RunResult) {
				sinks.Handle(ctx, res, src.Metadata.Snapshot())
			})
		}
	}

	summary, runErr := runner.Run(ctx)
	if summary == nil {
		return runErr
	}

	if flags.Zip != "" && len(summary.Outputs()) > 0 {
		manifest := map[string]any{"summary": summary, "runs": summary.Runs}
		if _, err := export.CreateBundle(flags.Zip, summary.Outputs(), manifest); err != nil {
			log.Error().Err(err).Str("path", flags.Zip).Msg("Failed to write ZIP bundle")
		}
	}

	if jsonFlag {
		enc := json.NewEncoder(env.Report())
		enc.SetIndent("", "  ")
		if err := enc.Encode(summary); err != nil {
			return err
		}
	} else {
		cli.PrintBatchSummary(env.Report(), summary)
	}
	return runErr
}
