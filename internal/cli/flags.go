package cli

import (
	"github.com/spf13/cobra"

	"github.com/ppiankov/talon/internal/config"
)

// Flag values shared by start and flush. Flags beat environment beats
// the optional config file; only flags the user actually set override.
var (
	flagConfig     string
	flagEndpoint   string
	flagAPIKey     string
	flagTimeoutS   int
	flagSocket     string
	flagSpoolDir   string
	flagBatchSize  int
	flagBatchBytes int64
	flagBatchMS    int
	flagQueueSize  int
	flagSampleRate float64
)

func addConfigFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&flagConfig, "config", "", "path to YAML config file")
	cmd.Flags().StringVar(&flagEndpoint, "endpoint", "", "collector URL (default TRACE_ENDPOINT)")
	cmd.Flags().StringVar(&flagAPIKey, "api-key", "", "collector bearer token (default TRACE_API_KEY)")
	cmd.Flags().IntVar(&flagTimeoutS, "timeout", 0, "per-attempt delivery timeout in seconds")
	cmd.Flags().StringVar(&flagSpoolDir, "spool-dir", "", "spool directory (default TALON_SPOOL_DIR or platform default)")
}

func resolveConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return cfg, usageErr(err)
	}
	set := cmd.Flags().Changed
	if set("endpoint") {
		cfg.Endpoint = flagEndpoint
	}
	if set("api-key") {
		cfg.APIKey = flagAPIKey
	}
	if set("timeout") {
		cfg.TimeoutS = flagTimeoutS
	}
	if set("socket") {
		cfg.Socket = flagSocket
	}
	if set("spool-dir") {
		cfg.SpoolDir = flagSpoolDir
	}
	if set("batch-size") {
		cfg.BatchSize = flagBatchSize
	}
	if set("batch-bytes") {
		cfg.BatchBytes = flagBatchBytes
	}
	if set("batch-ms") {
		cfg.BatchMS = flagBatchMS
	}
	if set("queue-size") {
		cfg.QueueSize = flagQueueSize
	}
	if set("sample-rate") {
		cfg.SampleRate = flagSampleRate
	}
	return cfg, nil
}
