package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lamyj/dopamine/pkg/dimse"
)

var echoFlags struct {
	host       string
	port       int
	callingAET string
	calledAET  string
	timeout    time.Duration
}

// echoCmd sends a C-ECHO to a remote node, the DICOM equivalent of ping.
var echoCmd = &cobra.Command{
	Use:   "echo",
	Short: "Send a C-ECHO to a remote DICOM node",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), echoFlags.timeout)
		defer cancel()

		assoc := dimse.NewAssociation(dimse.AssociationConfig{
			Host:       echoFlags.host,
			Port:       echoFlags.port,
			CallingAET: echoFlags.callingAET,
			CalledAET:  echoFlags.calledAET,
			Timeout:    echoFlags.timeout,
		})
		started := time.Now()
		if err := assoc.Connect(ctx); err != nil {
			return fmt.Errorf("associating with %s: %w", echoFlags.calledAET, err)
		}
		defer assoc.Close()

		if err := assoc.Echo(ctx); err != nil {
			return fmt.Errorf("echo failed: %w", err)
		}
		fmt.Printf("%s@%s:%d answered in %s\n",
			echoFlags.calledAET, echoFlags.host, echoFlags.port,
			time.Since(started).Round(time.Millisecond))
		return nil
	},
}

func init() {
	echoCmd.Flags().StringVar(&echoFlags.host, "host", "localhost", "remote host")
	echoCmd.Flags().IntVar(&echoFlags.port, "port", 11112, "remote port")
	echoCmd.Flags().StringVar(&echoFlags.callingAET, "calling-aet", "DOPAMINE", "calling AE title")
	echoCmd.Flags().StringVar(&echoFlags.calledAET, "called-aet", "ANY-SCP", "called AE title")
	echoCmd.Flags().DurationVar(&echoFlags.timeout, "timeout", 10*time.Second, "association timeout")
}
