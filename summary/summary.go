// Package summary writes a short YAML summary of the stored report of each
// known branch. It runs as a batch step before the server starts accepting
// uploads, and on demand with the summarize command.
package summary

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/PowerDNS/salesingest/config/logger"
	"github.com/PowerDNS/salesingest/store"
)

const (
	summaryExt = ".yaml"
	fileMode   = 0o644
	dirMode    = 0o755
)

// Summary is the content of a summary file
type Summary struct {
	Branch        string `yaml:"branch"`
	Report        string `yaml:"report"`
	Size          string `yaml:"size"`
	Bytes         int    `yaml:"bytes"`
	Lines         int    `yaml:"lines"`
	NonEmptyLines int    `yaml:"non_empty_lines"`
	Modified      string `yaml:"modified"`
	Generated     string `yaml:"generated"`
}

// Result is the outcome for a single branch
type Result struct {
	Branch string
	Path   string // Summary file, empty on failure
	Err    error
}

// Results is the outcome of a Run
type Results []Result

// Failed returns the results that have an error
func (r Results) Failed() Results {
	return lo.Filter(r, func(res Result, _ int) bool {
		return res.Err != nil
	})
}

// Succeeded returns the branches that have a summary
func (r Results) Succeeded() []string {
	return lo.FilterMap(r, func(res Result, _ int) (string, bool) {
		return res.Branch, res.Err == nil
	})
}

// Run writes a summary for each branch into dir. A branch without report or
// with an invalid name is a failed Result, it does not stop the batch.
// The returned error is only set when the batch as a whole cannot run.
func Run(ctx context.Context, st *store.Store, dir string, branches []string) (Results, error) {
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return nil, errors.Wrap(err, "create summary dir")
	}

	branches = lo.Uniq(branches)
	results := make(Results, 0, len(branches))
	t0 := time.Now()
	for _, name := range branches {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		l := logrus.WithField(logger.BranchField, name)
		res := Result{Branch: name}
		res.Path, res.Err = summarize(st, dir, store.Branch(name), time.Now())
		if res.Err != nil {
			metricBranches.WithLabelValues("failed").Inc()
			l.WithError(res.Err).Warn("Failed to process branch")
		} else {
			metricBranches.WithLabelValues("ok").Inc()
			l.WithField("summary", res.Path).Info("Processed branch")
		}
		results = append(results, res)
	}

	metricLastRunTimestamp.SetToCurrentTime()
	logrus.WithFields(logrus.Fields{
		"branches": len(results),
		"failed":   len(results.Failed()),
		"duration": time.Since(t0).Round(time.Millisecond),
	}).Info("Summary step finished")
	return results, nil
}

func summarize(st *store.Store, dir string, b store.Branch, now time.Time) (string, error) {
	reportPath, err := st.ReportPath(b)
	if err != nil {
		return "", err
	}
	info, err := st.Stat(b)
	if err != nil {
		return "", errors.Wrap(err, "no report")
	}
	data, err := st.Load(b)
	if err != nil {
		return "", errors.Wrap(err, "read report")
	}

	s := Summarize(b, data)
	s.Report = reportPath
	s.Modified = info.ModTime().UTC().Format(time.RFC3339)
	s.Generated = now.UTC().Format(time.RFC3339)

	out, err := yaml.Marshal(s)
	if err != nil {
		return "", err
	}
	p := filepath.Join(dir, string(b)+summaryExt)
	if err := os.WriteFile(p, out, fileMode); err != nil {
		return "", errors.Wrap(err, "write summary")
	}
	return p, nil
}

// Summarize computes the content statistics of a report
func Summarize(b store.Branch, data []byte) Summary {
	s := Summary{
		Branch: string(b),
		Size:   datasize.ByteSize(len(data)).HumanReadable(),
		Bytes:  len(data),
	}
	if len(data) == 0 {
		return s
	}
	lines := bytes.Split(bytes.TrimSuffix(data, []byte("\n")), []byte("\n"))
	s.Lines = len(lines)
	s.NonEmptyLines = lo.CountBy(lines, func(line []byte) bool {
		return len(bytes.TrimSpace(line)) > 0
	})
	return s
}

// Load reads a summary file
func Load(p string) (Summary, error) {
	var s Summary
	data, err := os.ReadFile(p)
	if err != nil {
		return s, err
	}
	if err := yaml.UnmarshalStrict(data, &s); err != nil {
		return s, fmt.Errorf("summary %s: %w", p, err)
	}
	return s, nil
}
