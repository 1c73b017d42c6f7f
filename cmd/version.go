// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import "fmt"

// Version is stamped at build time via -ldflags.
var Version = "dev"

// RunVersion implements the 'patrolcov version' command.
func RunVersion() error {
	fmt.Printf("patrolcov %s\n", Version)
	return nil
}
