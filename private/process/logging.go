// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package process

import (
	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func bindLogFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String("log.level", "info", "the minimum log level: debug, info, warn, error")
	flags.Bool("log.development", false, "use human friendly development logging")
	flags.Bool("log.caller", false, "annotate log lines with the caller")
	flags.Bool("log.stack", false, "annotate error log lines with a stack trace")
}

func newLogger(cmd *cobra.Command) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.Set(flagValue(cmd, "log.level")); err != nil {
		return nil, errs.New("invalid log.level: %v", err)
	}

	var config zap.Config
	if flagValue(cmd, "log.development") == "true" {
		config = zap.NewDevelopmentConfig()
	} else {
		config = zap.NewProductionConfig()
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	config.Level = zap.NewAtomicLevelAt(level)
	config.DisableCaller = flagValue(cmd, "log.caller") != "true"
	config.DisableStacktrace = flagValue(cmd, "log.stack") != "true"

	return config.Build()
}
