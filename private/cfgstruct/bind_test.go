// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package cfgstruct

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func TestBind(t *testing.T) {
	type nested struct {
		MaxMessageSize int64         `help:"maximum frame size" default:"1048576"`
		Interval       time.Duration `help:"tick interval" default:"30s"`
	}
	var config struct {
		Address   string   `help:"listen address" default:":8080"`
		Debug     bool     `help:"enable debug" default:"false"`
		Workers   int      `help:"worker count" default:"4"`
		Ratio     float64  `help:"fill ratio" default:"0.5"`
		Hosts     []string `help:"host list" default:"a,b"`
		ConfigDir string   `help:"location of data" default:"$CONFDIR/data"`
		Secret    string   `help:"api secret" hidden:"true"`
		Skipped   string   `internal:"true"`
		Collab    nested
	}

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	Bind(flags, &config, ConfDir("/etc/inkwell"))

	require.Equal(t, ":8080", config.Address)
	require.False(t, config.Debug)
	require.Equal(t, 4, config.Workers)
	require.Equal(t, 0.5, config.Ratio)
	require.Equal(t, []string{"a", "b"}, config.Hosts)
	require.Equal(t, "/etc/inkwell/data", config.ConfigDir)
	require.Equal(t, int64(1048576), config.Collab.MaxMessageSize)
	require.Equal(t, 30*time.Second, config.Collab.Interval)

	require.NotNil(t, flags.Lookup("collab.max-message-size"))
	require.NotNil(t, flags.Lookup("config-dir"))
	require.Nil(t, flags.Lookup("skipped"))

	secret := flags.Lookup("secret")
	require.NotNil(t, secret)
	require.True(t, secret.Hidden)

	require.NoError(t, flags.Parse([]string{"--collab.max-message-size=2048", "--debug"}))
	require.Equal(t, int64(2048), config.Collab.MaxMessageSize)
	require.True(t, config.Debug)
}

func TestHyphenate(t *testing.T) {
	for _, tt := range []struct {
		in, out string
	}{
		{"Address", "address"},
		{"MaxMessageSize", "max-message-size"},
		{"APIKeys", "api-keys"},
		{"TLS", "tls"},
	} {
		require.Equal(t, tt.out, hyphenate(tt.in), tt.in)
	}
}
