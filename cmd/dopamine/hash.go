package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lamyj/dopamine/internal/store"
)

var hashFlags struct {
	root      string
	studyUID  string
	seriesUID string
	sopUID    string
}

// hashCmd prints the storage bucket of a UID, or the full path of an
// instance when its three UIDs are given. Useful when digging a specific
// file out of the storage tree by hand.
var hashCmd = &cobra.Command{
	Use:   "hash [uid]",
	Short: "Print the storage hashcode of a UID, or an instance's storage path",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			fmt.Println(store.HashUID(args[0]))
			return nil
		}
		if hashFlags.studyUID == "" || hashFlags.seriesUID == "" || hashFlags.sopUID == "" {
			return fmt.Errorf("either a UID argument or --study, --series and --sop are required")
		}
		fmt.Println(store.InstancePath(
			hashFlags.root, time.Now(),
			hashFlags.studyUID, hashFlags.seriesUID, hashFlags.sopUID))
		return nil
	},
}

func init() {
	hashCmd.Flags().StringVar(&hashFlags.root, "root", ".", "storage root")
	hashCmd.Flags().StringVar(&hashFlags.studyUID, "study", "", "study instance UID")
	hashCmd.Flags().StringVar(&hashFlags.seriesUID, "series", "", "series instance UID")
	hashCmd.Flags().StringVar(&hashFlags.sopUID, "sop", "", "SOP instance UID")
}
