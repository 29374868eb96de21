package store

import (
	"bytes"
	"context"
	"io"
	"strings"

	"github.com/PowerDNS/simpleblob"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"

	"github.com/PowerDNS/salesingest/config"
)

const (
	mirrorNamePrefix = "weekly_sales_"
	mirrorNameSuffix = ".txt"
	gzipSuffix       = ".gz"
)

// Mirror keeps a copy of every report in a simpleblob backend, like S3.
// Blob names are flat, the branch is encoded in the name:
//
//	<prefix>weekly_sales_<branch>.txt[.gz]
type Mirror struct {
	st       simpleblob.Interface
	compress bool
	prefix   string
}

// NewMirror wraps a simpleblob backend
func NewMirror(st simpleblob.Interface, compress bool, prefix string) *Mirror {
	return &Mirror{
		st:       st,
		compress: compress,
		prefix:   prefix,
	}
}

// OpenMirror initialises the simpleblob backend configured in mc
func OpenMirror(ctx context.Context, mc config.Mirror) (*Mirror, error) {
	st, err := simpleblob.GetBackend(ctx, mc.Type, mc.Options)
	if err != nil {
		return nil, errors.Wrapf(err, "mirror backend %q", mc.Type)
	}
	return NewMirror(st, mc.Compress, mc.Prefix), nil
}

// Name returns the blob name for a Branch
func (m *Mirror) Name(b Branch) string {
	name := m.prefix + mirrorNamePrefix + string(b) + mirrorNameSuffix
	if m.compress {
		name += gzipSuffix
	}
	return name
}

// BranchFromName is the inverse of Name
func (m *Mirror) BranchFromName(name string) (Branch, bool) {
	s, ok := strings.CutPrefix(name, m.prefix+mirrorNamePrefix)
	if !ok {
		return "", false
	}
	if m.compress {
		if s, ok = strings.CutSuffix(s, gzipSuffix); !ok {
			return "", false
		}
	}
	if s, ok = strings.CutSuffix(s, mirrorNameSuffix); !ok || s == "" {
		return "", false
	}
	return Branch(s), true
}

// Store stores a copy of a report
func (m *Mirror) Store(ctx context.Context, b Branch, data []byte) error {
	if m.compress {
		var err error
		data, err = compress(data)
		if err != nil {
			metricMirrorStores.WithLabelValues("error").Inc()
			return err
		}
	}
	if err := m.st.Store(ctx, m.Name(b), data); err != nil {
		metricMirrorStores.WithLabelValues("error").Inc()
		return errors.Wrap(err, "mirror store")
	}
	metricMirrorStores.WithLabelValues("ok").Inc()
	return nil
}

// Load returns the mirrored report of a Branch
func (m *Mirror) Load(ctx context.Context, b Branch) ([]byte, error) {
	data, err := m.st.Load(ctx, m.Name(b))
	if err != nil {
		return nil, err
	}
	if !m.compress {
		return data, nil
	}
	return decompress(data)
}

// Branches lists the branches that have a mirrored report
func (m *Mirror) Branches(ctx context.Context) ([]Branch, error) {
	list, err := m.st.List(ctx, m.prefix+mirrorNamePrefix)
	if err != nil {
		return nil, err
	}
	var branches []Branch
	for _, blob := range list {
		if b, ok := m.BranchFromName(blob.Name); ok {
			branches = append(branches, b)
		}
	}
	return branches, nil
}

func compress(data []byte) ([]byte, error) {
	out := bytes.NewBuffer(make([]byte, 0, len(data)/2+64))
	gw, err := gzip.NewWriterLevel(out, gzip.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := gw.Write(data); err != nil {
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	g, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	out, err := io.ReadAll(g)
	if err != nil {
		return nil, err
	}
	if err := g.Close(); err != nil {
		return nil, err
	}
	return out, nil
}
