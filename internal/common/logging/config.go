package logging

import (
	"os"
	"sort"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
)

var validLogFormats = map[string]bool{
	"text": true,
	"json": true,
}

// Config defines console logging.
type Config struct {
	// Log level, e.g. info, debug
	Level string
	// Logging format, either text or json. Defaults to text
	Format string
}

func (c Config) Validate() error {
	if _, err := ParseLogLevel(c.Level); err != nil {
		return err
	}
	return validateLogFormat(c.Format)
}

func validateLogFormat(f string) error {
	if f != "" && !validLogFormats[f] {
		formats := maps.Keys(validLogFormats)
		sort.Strings(formats)
		return errors.Errorf("unknown log format: %s.  Valid formats are %s", f, formats)
	}
	return nil
}

func ParseLogLevel(level string) (logrus.Level, error) {
	if level == "" {
		return logrus.InfoLevel, nil
	}
	l, err := logrus.ParseLevel(level)
	if err != nil {
		return logrus.InfoLevel, errors.WithStack(err)
	}
	return l, nil
}

// Configure applies c to the standard logrus logger.
func Configure(c Config) error {
	if err := c.Validate(); err != nil {
		return err
	}
	level, _ := ParseLogLevel(c.Level)
	logrus.SetLevel(level)
	switch c.Format {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{ForceColors: true, FullTimestamp: true})
	}
	logrus.SetOutput(os.Stdout)
	return nil
}
