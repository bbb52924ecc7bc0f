// Package mirror provides the persistence backends the delivery engine
// replicates its state to.
package mirror

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/frostdev-ops/pma-realtime-go/internal/config"
	"github.com/frostdev-ops/pma-realtime-go/internal/delivery"
)

// New builds the mirror selected by cfg.Backend. It returns a nil Mirror
// for "none" or an empty backend.
func New(cfg config.MirrorConfig, logger *logrus.Logger) (delivery.Mirror, error) {
	var backend delivery.Mirror
	switch cfg.Backend {
	case "", "none":
		logger.Info("Persistence mirror disabled")
		return nil, nil
	case "memory":
		backend = NewMemory()
	case "redis":
		r, err := NewRedis(cfg, logger)
		if err != nil {
			return nil, err
		}
		backend = r
	case "sqlite":
		s, err := NewSQLite(cfg.SQLite.Path, cfg.KeyPrefix, logger)
		if err != nil {
			return nil, err
		}
		backend = s
	default:
		return nil, fmt.Errorf("unknown mirror backend %q", cfg.Backend)
	}

	if cfg.CompressThreshold <= 0 {
		return backend, nil
	}
	compressed, err := NewCompressed(backend, cfg.CompressThreshold, logger)
	if err != nil {
		Close(backend)
		return nil, err
	}
	logger.WithFields(logrus.Fields{
		"backend":            cfg.Backend,
		"compress_threshold": cfg.CompressThreshold,
	}).Info("Persistence mirror compression enabled")
	return compressed, nil
}

// Close releases the mirror's resources if it holds any
func Close(m delivery.Mirror) error {
	if closer, ok := m.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
