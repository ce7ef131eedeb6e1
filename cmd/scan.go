package cmd

import (
	"time"

	"github.com/mikaelmello/pathprobe/core"
	"github.com/spf13/cobra"
)

var scanOpts struct {
	timeout float64
}

var scanCmd = &cobra.Command{
	Use:   "scan <address/cidr> <start-end>",
	Short: "Sweep the hosts of a subnet for open TCP ports",
	Long: "scan sends a TCP SYN to every port of the range on every usable host of the subnet, one host " +
		"at a time, and prints the ports answering SYN+ACK.",
	Example: "  pathprobe scan 192.168.1.0/30 79-81",
	Args:    cobra.ExactArgs(2),
	RunE:    runScan,
}

func init() {
	defaults := core.DefaultScanSettings()

	scanCmd.Flags().Float64VarP(&scanOpts.timeout, "timeout", "t", defaults.Timeout.Seconds(),
		"Time to wait for the replies of each host, in seconds")

	rootCmd.AddCommand(scanCmd)
}

// scanSettings builds the settings of a sweep out of the command arguments and flags.
func scanSettings(subnet, ports string) (*core.ScanSettings, error) {
	portRange, err := core.ParsePortRange(ports)
	if err != nil {
		return nil, err
	}

	settings := core.DefaultScanSettings()
	settings.Subnet = subnet
	settings.Ports = portRange
	settings.Timeout = time.Duration(scanOpts.timeout * float64(time.Second))
	settings.LoggingLevel = loggingLevel(rootOpts.verbose)

	return settings, nil
}

func runScan(cmd *cobra.Command, args []string) error {
	settings, err := scanSettings(args[0], args[1])
	if err != nil {
		return err
	}

	version, err := settings.Version()
	if err != nil {
		return err
	}

	p, err := newPrinter(cmd.OutOrStdout(), rootOpts.output)
	if err != nil {
		return err
	}

	logger := core.NewLogger(settings.LoggingLevel)
	transport, err := core.NewRawTransport(version, logger)
	if err != nil {
		return err
	}
	defer transport.Close()

	r := newScanRunner(transport, logger, settings, p)
	r.Start()
	return r.Wait()
}
