// Command pgrok runs the relay server or the tunnel client described in
// spec §6 ("CLI (external collaborator, documented for completeness)").
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
