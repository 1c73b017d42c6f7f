// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package main

import (
	"fmt"
	"os"

	"grimm.is/patrolcov/cmd"
)

func usage() {
	fmt.Fprintf(os.Stderr, `patrolcov gathers code coverage from instrumented device tests.

Usage:
  patrolcov drive [flags]    run the test driver and collect coverage
  patrolcov version          print the version

Run 'patrolcov drive -h' for drive flags.
`)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "drive":
		err = cmd.RunDrive(os.Args[2:])
	case "version":
		err = cmd.RunVersion()
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "patrolcov: %v\n", err)
		os.Exit(1)
	}
}
