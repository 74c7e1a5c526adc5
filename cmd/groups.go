package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/gateclaw/internal/store"
)

func groupsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "groups",
		Short: "Manage groups approved outside the config allowlist",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "approve <channel> <group-id>",
		Short: "Allow a group that is not listed in the channel's groups config",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			channel, err := channelArg(args[0])
			if err != nil {
				return err
			}
			groupID := strings.TrimSpace(args[1])
			return withStore(cmd.Context(), func(s store.PairingStore) error {
				if err := s.ApproveGroup(cmd.Context(), channel, groupID); err != nil {
					return err
				}
				fmt.Printf("approved %s group %s\n", channel, groupID)
				return nil
			})
		},
	})
	return cmd
}
