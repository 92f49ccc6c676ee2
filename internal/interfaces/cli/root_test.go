package cli

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRootCommandRegistersSubcommands(t *testing.T) {
	cmd := NewRootCommand()
	require.Equal(t, "sbir", cmd.Use)

	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	for _, want := range []string{"materialize", "check", "migrate", "benchmark"} {
		require.True(t, names[want], "missing subcommand %s", want)
	}
}

func TestRootCommandGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()
	require.NoError(t, cmd.PersistentFlags().Parse([]string{
		"--config", "/tmp/base.yaml", "--env", "dev", "--log-level", "debug",
	}))
	cfgPath, err := cmd.PersistentFlags().GetString("config")
	require.NoError(t, err)
	require.Equal(t, "/tmp/base.yaml", cfgPath)
}

func TestMaterializeFlagDefaults(t *testing.T) {
	cmd := NewMaterializeCmd()
	mode, err := cmd.Flags().GetString("mode")
	require.NoError(t, err)
	require.Equal(t, "full", mode)

	assets, err := cmd.Flags().GetStringSlice("assets")
	require.NoError(t, err)
	require.Empty(t, assets, "default selection is every registered asset")
}
