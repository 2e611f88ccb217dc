package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"m3u8-remux/internal/auth"
	"m3u8-remux/internal/ffmpeg"
	"m3u8-remux/internal/orchestrator"
	"m3u8-remux/internal/platform/config"
	"m3u8-remux/internal/platform/logger"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
)

var (
	outputPath   string
	workDir      string
	concurrency  int
	retries      int
	fetchTimeout time.Duration
	ffmpegBinary string
	keepWorkDir  bool
	quiet        bool

	tokenSecret string
	tokenClaims auth.Claims
	tokenTTL    time.Duration
)

func main() {
	_ = config.Load()
	cfg := config.FromEnv()

	rootCmd := &cobra.Command{
		Use:   "remux <manifest-url>",
		Short: "Download an m3u8 playlist and remux it into a single MP4",
		Long: `remux fetches every segment listed in an m3u8 playlist, joins them in
playlist order and remuxes the result into an MP4 with ffmpeg. Segments that
cannot be downloaded are skipped. Nothing is uploaded.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE:         runRemux,
	}

	rootCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output MP4 path (required)")
	rootCmd.Flags().StringVar(&workDir, "work-dir", cfg.WorkDir, "Directory for temporary job files")
	rootCmd.Flags().IntVar(&concurrency, "concurrency", cfg.FetchConcurrency, "Maximum parallel segment downloads")
	rootCmd.Flags().IntVar(&retries, "retries", cfg.FetchRetries, "Extra attempts per failed segment")
	rootCmd.Flags().DurationVar(&fetchTimeout, "timeout", cfg.FetchTimeout, "Timeout for each HTTP request")
	rootCmd.Flags().StringVar(&ffmpegBinary, "ffmpeg", cfg.FFmpegBinary, "Path to ffmpeg binary")
	rootCmd.Flags().BoolVar(&keepWorkDir, "keep", false, "Keep temporary files after the run")
	rootCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Hide the progress bar")
	rootCmd.MarkFlagRequired("output")

	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a job token for the relay server",
		Long: `token prints a signed job token and the progress channel it maps to.
Subscribe to /ws/<channel> before POSTing the token to follow the job.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE:         runToken,
	}
	tokenCmd.Flags().StringVar(&tokenSecret, "secret", cfg.JWTSecret, "Signing secret (defaults to JWT_SECRET_KEY)")
	tokenCmd.Flags().StringVar(&tokenClaims.ManifestURL, "url", "", "m3u8 playlist URL (required)")
	tokenCmd.Flags().StringVar(&tokenClaims.Bucket, "bucket", "", "Destination bucket (required)")
	tokenCmd.Flags().StringVar(&tokenClaims.Key, "key", "", "Destination object key (required)")
	tokenCmd.Flags().StringVar(&tokenClaims.AccessKeyID, "access-id", os.Getenv("AWS_ACCESS_KEY_ID"), "Storage access key id")
	tokenCmd.Flags().StringVar(&tokenClaims.SecretAccessKey, "secret-access-key", os.Getenv("AWS_SECRET_ACCESS_KEY"), "Storage secret access key")
	tokenCmd.Flags().StringVar(&tokenClaims.Region, "region", config.GetEnv("AWS_REGION", "us-east-1"), "Storage region")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "Token lifetime")
	tokenCmd.MarkFlagRequired("url")
	tokenCmd.MarkFlagRequired("bucket")
	tokenCmd.MarkFlagRequired("key")
	rootCmd.AddCommand(tokenCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runRemux(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	level := "warn"
	if quiet {
		level = "error"
	}
	log := logger.NewWithWriter(os.Stderr, level, "text")

	dest, err := filepath.Abs(outputPath)
	if err != nil {
		return err
	}

	svc := orchestrator.NewService(orchestrator.Dependencies{
		Fetcher: orchestrator.NewFetcher(orchestrator.FetcherOptions{
			Concurrency: concurrency,
			Retries:     retries,
			Timeout:     fetchTimeout,
			Logger:      log,
		}),
		Converter: ffmpeg.NewConverter(ffmpegBinary),
		Logger:    log,
	}, orchestrator.Options{WorkDir: workDir, MaxConcurrentJobs: 1})

	opts := orchestrator.LocalOptions{Keep: keepWorkDir}
	if !quiet {
		opts.Progress = newBarChannel(os.Stderr)
	}

	size, err := svc.ConvertLocal(ctx, args[0], dest, opts)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s (%.2f MB)\n", dest, float64(size)/(1024*1024))
	return nil
}

func runToken(cmd *cobra.Command, _ []string) error {
	claims := tokenClaims
	now := time.Now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
	}
	token, err := auth.NewVerifier(tokenSecret).Sign(&claims)
	if err != nil {
		return err
	}
	name, err := auth.ChannelName(token)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "token:   %s\n", token)
	fmt.Fprintf(out, "channel: %s\n", name)
	return nil
}
