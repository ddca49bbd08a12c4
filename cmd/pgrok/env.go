package main

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// applyEnvOverrides implements spec §6 "Environment variables": for
// every flag on cmd, PGROK_<UPPER_FLAG> overrides its value if the flag
// was not explicitly set on the command line.
func applyEnvOverrides(cmd *cobra.Command) error {
	var firstErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			return
		}
		val, ok := os.LookupEnv(envNameForFlag(f.Name))
		if !ok {
			return
		}
		if err := f.Value.Set(val); err != nil && firstErr == nil {
			firstErr = err
		}
	})
	return firstErr
}

// envNameForFlag converts a flag name to its PGROK_ env var, inserting
// an underscore at each camelCase boundary so e.g. "singleTunnel" maps
// to PGROK_SINGLE_TUNNEL rather than PGROK_SINGLETUNNEL.
func envNameForFlag(name string) string {
	var b strings.Builder
	for i, r := range name {
		switch {
		case r == '-':
			b.WriteByte('_')
		case r >= 'A' && r <= 'Z':
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return "PGROK_" + strings.ToUpper(b.String())
}
