package config

import (
	"os"

	"github.com/pkg/errors"
	"github.com/ryansann/kvs"
	"github.com/sirupsen/logrus"
)

// Logger returns a text logger writing to stderr at the configured level.
func (l Log) Logger() (*logrus.Logger, error) {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if l.Level == "" {
		return log, nil
	}

	lvl, err := logrus.ParseLevel(l.Level)
	if err != nil {
		return nil, errors.Wrapf(kvs.WithKind(kvs.ErrParse, err), "invalid log level")
	}

	log.SetLevel(lvl)

	return log, nil
}
