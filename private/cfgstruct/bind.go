// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

// Package cfgstruct binds configuration structs to command line flags.
package cfgstruct

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

// ConfDirName is the substitution variable for the configuration directory.
const ConfDirName = "$CONFDIR"

// BindOpt customizes a Bind call.
type BindOpt func(vars map[string]string)

// ConfDir sets the value substituted for $CONFDIR in defaults.
func ConfDir(path string) BindOpt {
	return func(vars map[string]string) { vars[ConfDirName] = path }
}

// Bind registers flags for every field of config.
//
// Fields are registered as hyphenated, dot-separated flags derived from the
// struct layout, e.g. Collab.MaxMessageSize becomes collab.max-message-size.
// Struct tags control the binding:
//
//	help     flag usage string
//	default  default value, parsed per field type
//	hidden   "true" hides the flag from help output
//	internal "true" skips the field entirely
func Bind(flags *pflag.FlagSet, config interface{}, opts ...BindOpt) {
	ptr := reflect.ValueOf(config)
	if ptr.Kind() != reflect.Ptr || ptr.Elem().Kind() != reflect.Struct {
		panic(fmt.Sprintf("invalid config type: %T, expected pointer to struct", config))
	}
	vars := map[string]string{}
	for _, opt := range opts {
		opt(vars)
	}
	bindStruct(flags, "", ptr.Elem(), vars)
}

func bindStruct(flags *pflag.FlagSet, prefix string, val reflect.Value, vars map[string]string) {
	typ := val.Type()
	for i := 0; i < typ.NumField(); i++ {
		field, fieldval := typ.Field(i), val.Field(i)
		if field.Tag.Get("internal") == "true" || !fieldval.CanSet() {
			continue
		}

		flagname := hyphenate(field.Name)
		if prefix != "" {
			flagname = prefix + "." + flagname
		}

		if field.Type.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Duration(0)) {
			bindStruct(flags, flagname, fieldval, vars)
			continue
		}

		help := field.Tag.Get("help")
		def := expandVars(field.Tag.Get("default"), vars)
		bindField(flags, flagname, help, def, fieldval, field)

		if field.Tag.Get("hidden") == "true" {
			_ = flags.MarkHidden(flagname)
		}
	}
}

func bindField(flags *pflag.FlagSet, name, help, def string, val reflect.Value, field reflect.StructField) {
	switch field.Type {
	case reflect.TypeOf(time.Duration(0)):
		flags.DurationVar(val.Addr().Interface().(*time.Duration), name, parseDuration(name, def), help)
		return
	case reflect.TypeOf([]string(nil)):
		var defs []string
		if def != "" {
			defs = strings.Split(def, ",")
		}
		flags.StringSliceVar(val.Addr().Interface().(*[]string), name, defs, help)
		return
	}

	switch field.Type.Kind() {
	case reflect.String:
		flags.StringVar(val.Addr().Interface().(*string), name, def, help)
	case reflect.Bool:
		flags.BoolVar(val.Addr().Interface().(*bool), name, def == "true", help)
	case reflect.Int:
		flags.IntVar(val.Addr().Interface().(*int), name, int(parseInt(name, def)), help)
	case reflect.Int64:
		flags.Int64Var(val.Addr().Interface().(*int64), name, parseInt(name, def), help)
	case reflect.Uint:
		flags.UintVar(val.Addr().Interface().(*uint), name, uint(parseUint(name, def)), help)
	case reflect.Uint64:
		flags.Uint64Var(val.Addr().Interface().(*uint64), name, parseUint(name, def), help)
	case reflect.Float64:
		flags.Float64Var(val.Addr().Interface().(*float64), name, parseFloat(name, def), help)
	default:
		panic(fmt.Sprintf("invalid field type %v for flag %q", field.Type, name))
	}
}

func parseDuration(name, def string) time.Duration {
	if def == "" {
		return 0
	}
	d, err := time.ParseDuration(def)
	if err != nil {
		panic(fmt.Sprintf("invalid default for flag %q: %v", name, err))
	}
	return d
}

func parseInt(name, def string) int64 {
	if def == "" {
		return 0
	}
	n, err := strconv.ParseInt(def, 0, 64)
	if err != nil {
		panic(fmt.Sprintf("invalid default for flag %q: %v", name, err))
	}
	return n
}

func parseUint(name, def string) uint64 {
	if def == "" {
		return 0
	}
	n, err := strconv.ParseUint(def, 0, 64)
	if err != nil {
		panic(fmt.Sprintf("invalid default for flag %q: %v", name, err))
	}
	return n
}

func parseFloat(name, def string) float64 {
	if def == "" {
		return 0
	}
	f, err := strconv.ParseFloat(def, 64)
	if err != nil {
		panic(fmt.Sprintf("invalid default for flag %q: %v", name, err))
	}
	return f
}

func expandVars(s string, vars map[string]string) string {
	for name, value := range vars {
		s = strings.ReplaceAll(s, name, value)
	}
	return s
}

// hyphenate converts a camel case field name to a hyphenated flag name.
func hyphenate(name string) string {
	isUpper := func(r rune) bool { return 'A' <= r && r <= 'Z' }
	var b strings.Builder
	runes := []rune(name)
	for i, r := range runes {
		if isUpper(r) {
			prevLower := i > 0 && !isUpper(runes[i-1])
			nextLower := i+1 < len(runes) && !isUpper(runes[i+1])
			if i > 0 && (prevLower || nextLower) {
				b.WriteByte('-')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SetupFlag registers an early flag on cmd and resolves its value from the
// command line before cobra parses, so the value is usable during init.
func SetupFlag(log *zap.Logger, cmd *cobra.Command, value *string, name, def, usage string) {
	cmd.PersistentFlags().StringVar(value, name, def, usage)
	if err := resolveEarly(cmd, name); err != nil {
		log.Error("invalid early flag", zap.String("flag", name), zap.Error(err))
	}
}

func resolveEarly(cmd *cobra.Command, name string) error {
	flags := pflag.NewFlagSet("early", pflag.ContinueOnError)
	flags.ParseErrorsWhitelist.UnknownFlags = true
	flags.Usage = func() {}
	flags.AddFlag(cmd.PersistentFlags().Lookup(name))
	return flags.Parse(os.Args[1:])
}
