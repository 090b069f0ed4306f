package main

import (
	"fmt"
	"os"

	"github.com/tapestry-ai/tapestry/pkg/config"
	"github.com/tapestry-ai/tapestry/pkg/logger"
)

// setupLogger installs the process logger described by the merged
// configuration. The returned cleanup closes the file sink, if any.
func setupLogger(cfg config.LoggerConfig) (func(), error) {
	level, _ := logger.ParseLevel(cfg.Level)

	output := os.Stderr
	cleanup := func() {}
	if cfg.File != "" {
		file, closeFile, err := logger.OpenLogFile(cfg.File)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		output = file
		cleanup = closeFile
	}

	logger.Init(level, output, cfg.Format)
	return cleanup, nil
}
