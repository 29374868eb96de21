package commands

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/PowerDNS/salesingest/store"
)

// openStore opens the report store and the mirror, if enabled
func openStore(ctx context.Context) (*store.Store, error) {
	opts := []store.Option{
		store.WithFSync(conf.Storage.FSync),
	}
	if conf.Mirror.Enabled {
		m, err := store.OpenMirror(ctx, conf.Mirror)
		if err != nil {
			return nil, err
		}
		logrus.WithField("mirror_type", conf.Mirror.Type).Info("Mirror backend initialised")
		opts = append(opts, store.WithMirror(m))
	}
	return store.New(conf.DataDir, conf.ReportFilename, opts...)
}
