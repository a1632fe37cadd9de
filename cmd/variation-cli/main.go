package main

import (
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/gemini-variations/internal/cli"
	"github.com/fpang/gemini-variations/internal/export"
	"github.com/fpang/gemini-variations/internal/filehandler"
	"github.com/fpang/gemini-variations/internal/s3util"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// CLI flags
var (
	flags      cli.Flags
	sourceFlag string
	jsonFlag   bool
)

// rootCmd is the main Cobra command for the CLI.
var rootCmd = &cobra.Command{
	Use:   "variation-cli [source]",
	Short: "Generate quality-checked variations of one image with Gemini",
	Long: `Variation CLI sends one source image to a Gemini image model together with
synthesized editing instructions and keeps the results that pass the quality
and duplicate checks.

The source may be a local file or an s3:// URI. Accepted variations are written
as <name>_variation_NN_<category>.<ext> next to the source or into --output-dir.

Examples:
  variation-cli photo.jpg
  variation-cli -s photo.jpg -n 5 -c style_change --styles watercolor,ukiyo-e
  variation-cli photo.jpg --seed 42 --threshold 0.7 -o ./variations
  variation-cli photo.jpg -p "Add a red umbrella on the left" -n 2
  variation-cli s3://my-bucket/in/photo.jpg -o ./out --s3-bucket my-bucket --zip out.zip`,
	Args:          cobra.MaximumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runMain,
}

func init() {
	flags.Register(rootCmd)
	rootCmd.Flags().StringVarP(&sourceFlag, "source", "s", "", "source image path or s3:// URI")
	rootCmd.Flags().BoolVar(&jsonFlag, "json", false, "print the run result as JSON")
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

	source := sourceFlag
	if source == "" && len(args) == 1 {
		source = args[0]
	}
	if source == "" {
		return errors.New("a source image is required (argument or --source)")
	}

	env, err := flags.Setup(cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	local := source
	if _, _, isS3 := s3util.ParseURI(source); isS3 {
		tmp, err := os.MkdirTemp("", "variation-src-*")
		if err != nil {
			return err
		}
		defer os.RemoveAll(tmp)
		if flags.OutputDir == "" {
			flags.OutputDir = "."
		}
		if local, err = cli.ResolveSource(ctx, env.AWS, source, tmp); err != nil {
			return err
		}
	}

	req, err := flags.Request(local)
	if err != nil {
		return err
	}
	if src, err := filehandler.LoadSourceFile(local); err == nil {
		req.Metadata = src.Metadata.Snapshot()
	}
	if err := req.Validate(); err != nil {
		return err
	}

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
	env.LogStartup("variation-cli", version, start, pipeline.Features(), map[string]string{"source": source})

	orch, err := pipeline.NewOrchestrator(0)
	if err != nil {
		return err
	}
	res, runErr := orch.Generate(ctx, req)
	if res == nil {
		return runErr
	}
	res.Source = source

	sinks.Handle(ctx, res, req.Metadata)

	if flags.Zip != "" && len(res.Outputs()) > 0 {
		if _, err := export.CreateBundle(flags.Zip, res.Outputs(), res); err != nil {
			log.Error().Err(err).Str("path", flags.Zip).Msg("Failed to write ZIP bundle")
		}
	}

	if jsonFlag {
		enc := json.NewEncoder(env.Report())
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else {
		cli.PrintRunSummary(env.Report(), res)
	}
	return runErr
}
