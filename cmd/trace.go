package cmd

import (
	"time"

	"github.com/mikaelmello/pathprobe/core"
	"github.com/spf13/cobra"
)

var traceOpts struct {
	version  int
	protocol string
	maxHops  int
	timeout  float64
}

var traceCmd = &cobra.Command{
	Use:   "trace <destination>",
	Short: "Trace the path to a destination",
	Long: "trace sends one probe per TTL, starting at 1, and prints the router answering each of them " +
		"until the destination answers or max hops are probed.",
	Example: "  pathprobe trace google.com -p ICMP -m 15 -t 1",
	Args:    cobra.ExactArgs(1),
	RunE:    runTrace,
}

func init() {
	defaults := core.DefaultTraceSettings()

	flags := traceCmd.Flags()
	flags.IntVarP(&traceOpts.version, "ip-version", "i", int(defaults.Version), "IP version to use, 4 or 6")
	flags.StringVarP(&traceOpts.protocol, "protocol", "p", defaults.Protocol.String(),
		"Protocol of the probes, one of TCP, UDP, ICMP")
	flags.IntVarP(&traceOpts.maxHops, "max-hops", "m", defaults.MaxHops, "Max number of hops to reach destination")
	flags.Float64VarP(&traceOpts.timeout, "timeout", "t", defaults.Timeout.Seconds(),
		"Time to wait for each reply, in seconds")

	rootCmd.AddCommand(traceCmd)
}

// traceSettings builds the settings of a trace to destination out of the command flags.
func traceSettings(destination string) (*core.TraceSettings, error) {
	settings := core.DefaultTraceSettings()
	settings.Target = destination
	settings.MaxHops = traceOpts.maxHops
	settings.Timeout = time.Duration(traceOpts.timeout * float64(time.Second))
	settings.LoggingLevel = loggingLevel(rootOpts.verbose)

	var err error
	if settings.Version, err = core.ParseIPVersion(traceOpts.version); err != nil {
		return nil, err
	}
	if settings.Protocol, err = core.ParseProtocol(traceOpts.protocol); err != nil {
		return nil, err
	}

	return settings, nil
}

func runTrace(cmd *cobra.Command, args []string) error {
	settings, err := traceSettings(args[0])
	if err != nil {
		return err
	}

	p, err := newPrinter(cmd.OutOrStdout(), rootOpts.output)
	if err != nil {
		return err
	}

	logger := core.NewLogger(settings.LoggingLevel)
	transport, err := core.NewRawTransport(settings.Version, logger)
	if err != nil {
		return err
	}
	defer transport.Close()

	r := newTraceRunner(transport, logger, settings, p)
	r.Start()
	return r.Wait()
}
