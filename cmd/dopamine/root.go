package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "dopamine",
	Short: "DICOM archive node with DIMSE and DICOMweb frontends",
	Long: `dopamine stores DICOM instances as documents plus part-10 files and
serves them over C-FIND, C-GET and C-MOVE as well as QIDO-RS and WADO-RS.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(echoCmd)
	rootCmd.AddCommand(hashCmd)
}
