package cmd

import (
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// rootOpts are the flags shared by every command
var rootOpts struct {
	verbose int
	output  string
}

var rootCmd = &cobra.Command{
	Use:   "pathprobe",
	Short: "pathprobe traces network paths and sweeps TCP ports",
	Long: "pathprobe is an active network probing tool. It traces the path to a destination with TCP, UDP " +
		"or ICMP probes of increasing TTL, and sweeps the hosts of a subnet for open TCP ports.\n\n" +
		"Raw sockets are required, run it with the privilege to open them.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().CountVarP(&rootOpts.verbose, "verbose", "v",
		"Increase logging verbosity, repeat for more details")
	rootCmd.PersistentFlags().StringVarP(&rootOpts.output, "output", "o", textFormat,
		"Output format, one of text, yaml, json")
}

// loggingLevel maps the verbosity count to a logrus level, warnings are always logged.
func loggingLevel(verbose int) uint32 {
	level := log.WarnLevel + log.Level(max(verbose, 0))
	return uint32(min(level, log.TraceLevel))
}

func Execute() error {
	return rootCmd.Execute()
}
