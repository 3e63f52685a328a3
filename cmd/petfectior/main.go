// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command petfectior is the PETfectior site agent: a DICOM C-STORE
// receiver, the task pipeline that ships PET volumes to the processing
// server and reassembles the denoised results, and the operator HTTP
// API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is stamped by the release build.
var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "petfectior",
	Short: "PETfectior site agent",
	Long: "The PETfectior site agent receives PET series over DICOM, ships them\n" +
		"to the central processing server for denoising and returns the\n" +
		"reconstructed series to the configured destinations.",
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the agent version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("petfectior %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"path to the YAML config file (created with defaults when missing)")
	rootCmd.AddCommand(runCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
