// Package store persists branch reports in a directory tree keyed by branch
// identifier, with an optional mirror in blob storage.
//
// Layout:
//
//	<data_dir>/<branch>/<report_filename>
//
// Reports are written to a temporary file in the branch directory and
// renamed into place, so readers and concurrent writers never observe a
// partially written report.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	dirMode  = 0o755
	fileMode = 0o644
)

// Option configures a Store
type Option func(s *Store)

// WithFSync makes the Store sync report files before renaming them
func WithFSync(fsync bool) Option {
	return func(s *Store) {
		s.fsync = fsync
	}
}

// WithMirror stores a copy of every report in the Mirror
func WithMirror(m *Mirror) Option {
	return func(s *Store) {
		s.mirror = m
	}
}

// WithLogger sets the logger
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Store) {
		s.l = l
	}
}

// Store manages the report files
type Store struct {
	dataDir  string
	filename string
	fsync    bool
	mirror   *Mirror
	l        logrus.FieldLogger
}

// New creates a Store rooted at dataDir, creating the directory if needed.
func New(dataDir, filename string, opts ...Option) (*Store, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("store: data dir must be set")
	}
	if filename == "" || strings.ContainsAny(filename, `/\`) {
		return nil, fmt.Errorf("store: invalid report filename %q", filename)
	}
	if err := os.MkdirAll(dataDir, dirMode); err != nil {
		return nil, errors.Wrap(err, "create data dir")
	}
	s := &Store{
		dataDir:  dataDir,
		filename: filename,
		l:        logrus.StandardLogger(),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// DataDir returns the root directory
func (s *Store) DataDir() string {
	return s.dataDir
}

// Mirror returns the configured Mirror, if any
func (s *Store) Mirror() *Mirror {
	return s.mirror
}

// BranchDir returns the directory for a Branch
func (s *Store) BranchDir(b Branch) (string, error) {
	if err := b.Validate(); err != nil {
		return "", err
	}
	return filepath.Join(s.dataDir, string(b)), nil
}

// ReportPath returns the path of the report file of a Branch
func (s *Store) ReportPath(b Branch) (string, error) {
	dir, err := s.BranchDir(b)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, s.filename), nil
}

// EnsureBranchDir creates the directory for a Branch if it does not exist yet.
// It is safe to call concurrently.
func (s *Store) EnsureBranchDir(b Branch) (string, error) {
	dir, err := s.BranchDir(b)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return "", errors.Wrap(err, "create branch dir")
	}
	return dir, nil
}

// Write replaces the report of a Branch with data.
// If a Mirror is configured, the report is also stored there. Mirror errors
// are logged but not returned, the local file is authoritative.
func (s *Store) Write(ctx context.Context, b Branch, data []byte) error {
	dir, err := s.EnsureBranchDir(b)
	if err != nil {
		metricWrites.WithLabelValues("error").Inc()
		return err
	}
	if err := s.writeFile(dir, data); err != nil {
		metricWrites.WithLabelValues("error").Inc()
		return err
	}
	metricWrites.WithLabelValues("ok").Inc()
	metricWriteBytes.Add(float64(len(data)))
	metricLastWriteTimestamp.Set(float64(time.Now().Unix()))

	if s.mirror != nil {
		l := s.l.WithField("branch", string(b))
		if err := s.mirror.Store(ctx, b, data); err != nil {
			l.WithError(err).Error("Mirror store failed")
		} else {
			l.WithField("blob", s.mirror.Name(b)).Debug("Report mirrored")
		}
	}
	return nil
}

func (s *Store) writeFile(dir string, data []byte) (err error) {
	f, err := os.CreateTemp(dir, "."+s.filename+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	tmpPath := f.Name()
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err = f.Write(data); err != nil {
		return errors.Wrap(err, "write temp file")
	}
	if s.fsync {
		if err = f.Sync(); err != nil {
			return errors.Wrap(err, "sync temp file")
		}
	}
	if err = f.Chmod(fileMode); err != nil {
		return errors.Wrap(err, "chmod temp file")
	}
	if err = f.Close(); err != nil {
		return errors.Wrap(err, "close temp file")
	}
	if err = os.Rename(tmpPath, filepath.Join(dir, s.filename)); err != nil {
		return errors.Wrap(err, "rename temp file")
	}
	s.l.WithFields(logrus.Fields{
		"dir":  dir,
		"size": datasize.ByteSize(len(data)).HumanReadable(),
	}).Debug("Report file replaced")
	return nil
}

// Load returns the current report of a Branch.
// It returns an error satisfying os.IsNotExist if there is none.
func (s *Store) Load(b Branch) ([]byte, error) {
	p, err := s.ReportPath(b)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}

// Stat returns the file info of the report of a Branch
func (s *Store) Stat(b Branch) (os.FileInfo, error) {
	p, err := s.ReportPath(b)
	if err != nil {
		return nil, err
	}
	return os.Stat(p)
}

// Branches returns all branches that currently have a report, sorted by name
func (s *Store) Branches() ([]Branch, error) {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return nil, err
	}
	var branches []Branch
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		b := Branch(e.Name())
		if b.Validate() != nil {
			continue
		}
		if _, err := s.Stat(b); err != nil {
			continue // no report, like the summary directory
		}
		branches = append(branches, b)
	}
	sort.Slice(branches, func(i, j int) bool {
		return branches[i] < branches[j]
	})
	return branches, nil
}
