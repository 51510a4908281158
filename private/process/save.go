// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package process

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/pflag"
	"github.com/zeebo/errs"
)

// SaveConfig writes all non-hidden flags with their current values to
// outfile as YAML, each preceded by its usage string as a comment.
func SaveConfig(flags *pflag.FlagSet, outfile string) error {
	var entries []*pflag.Flag
	flags.VisitAll(func(flag *pflag.Flag) {
		if flag.Hidden || flag.Name == "config-dir" || flag.Name == "help" {
			return
		}
		entries = append(entries, flag)
	})
	sort.Slice(entries, func(i, k int) bool { return entries[i].Name < entries[k].Name })

	var b strings.Builder
	for _, flag := range entries {
		if flag.Usage != "" {
			fmt.Fprintf(&b, "# %s\n", flag.Usage)
		}
		value := flag.Value.String()
		if value == "" || strings.ContainsAny(value, ":#{}[]&*?|<>=!%@`\",'\\") {
			value = fmt.Sprintf("%q", value)
		}
		fmt.Fprintf(&b, "%s%s: %s\n\n", commentDefault(flag), flag.Name, value)
	}

	return errs.Wrap(os.WriteFile(outfile, []byte(b.String()), 0o600))
}

// commentDefault comments out flags still at their default value, so the
// written file only pins what the operator changed.
func commentDefault(flag *pflag.Flag) string {
	if flag.Changed {
		return ""
	}
	return "# "
}
