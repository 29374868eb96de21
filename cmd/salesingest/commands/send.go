package commands

import (
	"io"
	"os"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/PowerDNS/salesingest/ingest"
)

var (
	sendAddr         string
	sendBranch       string
	sendFile         string
	sendNoDelimiters bool
	sendTimeout      time.Duration
)

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringVar(&sendAddr, "addr", "", "Server address, defaults to the configured listen address")
	sendCmd.Flags().StringVar(&sendBranch, "branch", "", "Branch identifier")
	sendCmd.Flags().StringVar(&sendFile, "file", "-", "Report file to send, '-' for stdin")
	sendCmd.Flags().BoolVar(&sendNoDelimiters, "no-delimiters", false, "Do not wrap the encoded report in '~' markers")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", time.Minute, "Timeout for the complete upload")
	_ = sendCmd.MarkFlagRequired("branch")
}

func readReport(fpath string) ([]byte, error) {
	if fpath == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(fpath)
}

func runSend() error {
	report, err := readReport(sendFile)
	if err != nil {
		return err
	}
	addr := sendAddr
	if addr == "" {
		addr = conf.Listen
	}
	c := &ingest.Client{
		Addr:         addr,
		Timeout:      sendTimeout,
		NoDelimiters: sendNoDelimiters,
	}
	t0 := time.Now()
	if err := c.Upload(rootCtx, sendBranch, report); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"addr":     addr,
		"branch":   sendBranch,
		"size":     datasize.ByteSize(len(report)).HumanReadable(),
		"duration": time.Since(t0).Round(time.Millisecond),
	}).Info("Report sent")
	return nil
}

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send a report to a server",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runSend(); err != nil {
			logrus.WithError(err).Fatal("Error")
		}
	},
}
