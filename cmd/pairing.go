package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/gateclaw/internal/bus"
	"github.com/nextlevelbuilder/gateclaw/internal/store"
)

// channelArg validates a channel name given on the command line.
func channelArg(s string) (string, error) {
	ch, err := bus.ParseChannelType(strings.ToLower(strings.TrimSpace(s)))
	return string(ch), err
}

// withStore loads config, opens the pairing store and runs fn against it.
func withStore(ctx context.Context, fn func(s store.PairingStore) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	stores, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStores(stores)
	return fn(stores.Pairing)
}

func pairingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pairing",
		Short: "Manage DM pairing requests and approved users",
	}
	cmd.AddCommand(pairingListCmd())
	cmd.AddCommand(pairingApproveCmd())
	cmd.AddCommand(pairingDenyCmd())
	cmd.AddCommand(pairingAllowedCmd())
	return cmd
}

func pairingListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list [channel]",
		Short: "List pending pairing requests",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			channels := bus.AllChannels
			if len(args) == 1 {
				ch, err := bus.ParseChannelType(strings.ToLower(args[0]))
				if err != nil {
					return err
				}
				channels = []bus.ChannelType{ch}
			}
			return withStore(cmd.Context(), func(s store.PairingStore) error {
				tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "CHANNEL\tCODE\tUSER\tNAME\tAGE")
				total := 0
				for _, ch := range channels {
					reqs, err := s.ListPairingRequests(cmd.Context(), string(ch))
					if err != nil && !store.IsStoreIOError(err) {
						return err
					}
					for _, r := range reqs {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
							ch, r.Code, r.UserID, r.Meta["name"], time.Since(r.CreatedAt).Round(time.Second))
						total++
					}
				}
				if err := tw.Flush(); err != nil {
					return err
				}
				if total == 0 {
					fmt.Println("no pending requests")
				}
				return nil
			})
		},
	}
}

func pairingApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <channel> <code>",
		Short: "Approve a pending pairing code",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			channel, err := channelArg(args[0])
			if err != nil {
				return err
			}
			code := args[1]
			return withStore(cmd.Context(), func(s store.PairingStore) error {
				approved, err := s.ApprovePairingCode(cmd.Context(), channel, code)
				if approved == nil {
					if err != nil {
						return err
					}
					return fmt.Errorf("no pending %s request with code %s", channel, store.NormalizeCode(code))
				}
				if err != nil {
					return fmt.Errorf("approval not persisted: %w", err)
				}
				fmt.Printf("approved %s user %s\n", channel, approved.UserID)
				return nil
			})
		},
	}
}

func pairingDenyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deny <channel> <code>",
		Short: "Reject a pending pairing code",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			channel, err := channelArg(args[0])
			if err != nil {
				return err
			}
			code := args[1]
			return withStore(cmd.Context(), func(s store.PairingStore) error {
				denied, err := s.DenyPairingCode(cmd.Context(), channel, code)
				if denied == nil {
					if err != nil {
						return err
					}
					return fmt.Errorf("no pending %s request with code %s", channel, store.NormalizeCode(code))
				}
				fmt.Printf("denied %s user %s\n", channel, denied.UserID)
				return err
			})
		},
	}
}

func pairingAllowedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "allowed <channel>",
		Short: "List users approved through pairing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			channel, err := channelArg(args[0])
			if err != nil {
				return err
			}
			return withStore(cmd.Context(), func(s store.PairingStore) error {
				users, err := s.ListAllowed(cmd.Context(), channel)
				if err != nil && !store.IsStoreIOError(err) {
					return err
				}
				if len(users) == 0 {
					fmt.Printf("no approved %s users\n", channel)
				}
				for _, u := range users {
					fmt.Println(u)
				}
				return nil
			})
		},
	}
}
