package commands

import (
	"fmt"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/PowerDNS/salesingest/store"
	"github.com/PowerDNS/salesingest/summary"
)

var summarizeAll bool

func init() {
	rootCmd.AddCommand(summarizeCmd)
	summarizeCmd.Flags().BoolVar(&summarizeAll, "all", false, "Summarize every stored branch instead of the configured ones")
}

func runSummarize() error {
	st, err := openStore(rootCtx)
	if err != nil {
		return err
	}

	branches := conf.Branches
	if summarizeAll {
		stored, err := st.Branches()
		if err != nil {
			return err
		}
		branches = lo.Map(stored, func(b store.Branch, _ int) string {
			return string(b)
		})
	}

	res, err := summary.Run(rootCtx, st, conf.SummaryDir, branches)
	if err != nil {
		return err
	}
	for _, r := range res {
		if r.Err != nil {
			fmt.Printf("Failed to process %s: %v\n", r.Branch, r.Err)
		} else {
			fmt.Printf("Processed %s\n", r.Branch)
		}
	}
	return nil
}

var summarizeCmd = &cobra.Command{
	Use:   "summarize",
	Short: "Run the weekly summary step and exit",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runSummarize(); err != nil {
			logrus.WithError(err).Fatal("Error")
		}
	},
}
