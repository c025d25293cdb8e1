package config

import (
	"io"
	"log"
	"os"
)

// LogFlags is the flag set every logger in this package is constructed
// with.
const LogFlags = log.Ldate | log.Ltime | log.LUTC

func (c *Config) setLogger() error {
	c.AccessLogger = log.New(os.Stdout, "", LogFlags)
	c.ErrorLogger = log.New(os.Stderr, "", LogFlags)

	if c.AccessLogLevel == "none" {
		c.AccessLogger.SetOutput(io.Discard)
	}

	return nil
}
