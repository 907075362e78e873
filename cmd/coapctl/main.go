// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Command coapctl sends CoAP requests from the command line.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
