// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Shibo Chen
//
// robust-serial - reliable byte-stream connections over raw serial links.
//
// See cmd/ for the available commands.

package main

import (
	"flag"
	"os"

	"github.com/cnshibo/robust-serial/cmd"
)

func main() {
	// glog registers its flags on the standard flag set; parse it empty so
	// logging is usable even though cobra owns the real command line.
	flag.CommandLine.Parse([]string{})

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
