// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

// Package process provides the scaffolding shared by all inkwell commands:
// flag binding, config file and environment loading, logging and signal
// aware contexts.
package process

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"inkwell.io/inkwell/private/cfgstruct"
)

const (
	// DefaultConfFilename is the config file name inside the config directory.
	DefaultConfFilename = "config.yaml"

	envPrefix = "inkwell"
)

var (
	mu       sync.Mutex
	commands = map[*cobra.Command]*cmdConfig{}
)

type cmdConfig struct {
	configs []interface{}
}

// Bind registers the config struct's flags on cmd and remembers the struct
// so Exec can fill it from the config file and environment before running.
func Bind(cmd *cobra.Command, config interface{}, opts ...cfgstruct.BindOpt) {
	mu.Lock()
	defer mu.Unlock()

	cfgstruct.Bind(cmd.Flags(), config, opts...)
	cc := commands[cmd]
	if cc == nil {
		cc = &cmdConfig{}
		commands[cmd] = cc
	}
	cc.configs = append(cc.configs, config)
}

// Exec runs the command tree with config loading and logging installed.
func Exec(cmd *cobra.Command) {
	cmd.AddCommand(&cobra.Command{
		Use:    "version",
		Short:  "output version information",
		RunE:   versionCmd,
		Hidden: true,
	})

	bindLogFlags(cmd)
	cleanup(cmd)

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// Ctx returns a context for cmd that is canceled on SIGINT or SIGTERM.
func Ctx(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-c:
			zap.L().Info("got a signal from the os", zap.Stringer("signal", sig))
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(c)
	}()

	return ctx, cancel
}

// cleanup wraps every command's RunE so that flags are filled from the
// config file and environment, and the global logger is configured, before
// the command body runs.
func cleanup(cmd *cobra.Command) {
	for _, child := range cmd.Commands() {
		cleanup(child)
	}
	if cmd.RunE == nil {
		return
	}

	inner := cmd.RunE
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		if err := loadConfig(cmd); err != nil {
			return err
		}
		logger, err := newLogger(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()
		zap.ReplaceGlobals(logger)

		return inner(cmd, args)
	}
}

// loadConfig applies config file and environment values to all flags that
// were not set explicitly on the command line.
func loadConfig(cmd *cobra.Command) error {
	vip := viper.New()
	if err := vip.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	vip.SetEnvPrefix(envPrefix)
	vip.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	vip.AutomaticEnv()

	if confDir := flagValue(cmd, "config-dir"); confDir != "" {
		vip.SetConfigFile(filepath.Join(confDir, DefaultConfFilename))
		if err := vip.ReadInConfig(); err != nil {
			if _, ok := err.(*os.PathError); !ok {
				return err
			}
			// missing config file is fine, flags and env still apply
		}
	}

	var err error
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		if err != nil || flag.Changed || !vip.IsSet(flag.Name) {
			return
		}
		err = cmd.Flags().Set(flag.Name, vip.GetString(flag.Name))
	})
	return err
}

func flagValue(cmd *cobra.Command, name string) string {
	flag := cmd.Flags().Lookup(name)
	if flag == nil {
		flag = cmd.PersistentFlags().Lookup(name)
	}
	if flag == nil && cmd.Parent() != nil {
		return flagValue(cmd.Parent(), name)
	}
	if flag == nil {
		return ""
	}
	return flag.Value.String()
}

func versionCmd(cmd *cobra.Command, args []string) error {
	cmd.Println(cmd.Root().Name(), cmd.Root().Version)
	return nil
}
