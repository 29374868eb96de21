package commands

import (
	"bytes"
	"io"
	"os"
	"regexp"

	"github.com/spf13/cobra"
	"github.com/spf13/cobra/doc"
)

var docsDir string

func init() {
	rootCmd.AddCommand(docsCmd)
	docsCmd.Flags().StringVar(&docsDir, "dir", "", "Write one markdown file per command into this directory instead of stdout")
}

var docsCmd = &cobra.Command{
	Use:          "docs",
	Short:        "Generate markdown documentation for all commands",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// No config loading
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		if docsDir != "" {
			if err := os.MkdirAll(docsDir, 0o755); err != nil {
				return err
			}
			return doc.GenMarkdownTree(rootCmd, docsDir)
		}
		return genDocs(rootCmd, os.Stdout)
	},
}

var docsStripRe = regexp.MustCompile(`(?s)### (SEE ALSO|Options inherited from parent commands).*`)

func genDocs(cmd *cobra.Command, w io.Writer) error {
	if cmd.Name() == "completion" || cmd.Hidden {
		return nil
	}
	b := bytes.NewBuffer(nil)
	if err := doc.GenMarkdown(cmd, b); err != nil {
		return err
	}
	if _, err := w.Write(docsStripRe.ReplaceAll(b.Bytes(), nil)); err != nil {
		return err
	}
	for _, c := range cmd.Commands() {
		if err := genDocs(c, w); err != nil {
			return err
		}
	}
	return nil
}
