package commands

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/cea-hpc/phobosd/internal/cli/output"
	"github.com/cea-hpc/phobosd/internal/wire/proto"
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that the daemon is alive",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := dialDaemon()
		if err != nil {
			return err
		}
		defer func() { _ = client.Close() }()

		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()
		started := time.Now()
		if err := client.Ping(ctx); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "daemon is alive (%s)\n", time.Since(started).Round(time.Microsecond))
		return nil
	},
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Show the daemon's devices and media",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := dialDaemon()
		if err != nil {
			return err
		}
		defer func() { _ = client.Close() }()

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		snap, err := client.Monitor(ctx)
		if err != nil {
			return err
		}

		if jsonOutput {
			return output.PrintJSON(cmd.OutOrStdout(), snap)
		}

		w := cmd.OutOrStdout()
		devRows := make([][]string, 0, len(snap.Devices))
		for _, d := range snap.Devices {
			devRows = append(devRows, []string{d.Family, d.Serial, d.OpStatus, d.Medium})
		}
		output.PrintTable(w, []string{"family", "serial", "op_status", "medium"}, devRows)

		fmt.Fprintln(w)
		mediaRows := make([][]string, 0, len(snap.Media))
		for _, m := range snap.Media {
			mediaRows = append(mediaRows, []string{
				m.Family, m.Name, m.FSStatus, m.LockedBy,
				strconv.FormatInt(m.PhysFree, 10),
				strconv.FormatInt(m.LogicalUsed, 10),
			})
		}
		output.PrintTable(w, []string{"family", "name", "fs_status", "locked_by", "phys_free", "logical_used"}, mediaRows)
		return nil
	},
}

var formatUnlock bool
var formatFSType string

var formatCmd = &cobra.Command{
	Use:   "format FAMILY/NAME",
	Short: "Format a blank medium",
	Long: `Format a blank medium, transitioning it to empty. With --unlock the
medium is also administratively unlocked and becomes eligible for
allocations.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		family, name, err := splitResourceID(args[0])
		if err != nil {
			return err
		}
		client, _, err := dialDaemon()
		if err != nil {
			return err
		}
		defer func() { _ = client.Close() }()

		resp, err := client.Call(cmd.Context(), &proto.Request{
			Kind: proto.KindFormat,
			Format: &proto.FormatRequest{
				Medium: proto.MediumRef{Family: family, Name: name},
				FSType: formatFSType,
				Unlock: formatUnlock,
			},
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "medium %s/%s formatted, fs_status=%s\n",
			family, name, resp.Format.FSStatus)
		return nil
	},
}

var notifyWait bool

var notifyCmd = &cobra.Command{
	Use:   "notify {add|lock|unlock} FAMILY/SERIAL",
	Short: "Send a device inventory event",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		op := proto.NotifyOp(args[0])
		switch op {
		case proto.NotifyAdd, proto.NotifyLock, proto.NotifyUnlock:
		default:
			return fmt.Errorf("unknown notify op %q (want add, lock, or unlock)", args[0])
		}
		if _, _, err := splitResourceID(args[1]); err != nil {
			return err
		}

		client, _, err := dialDaemon()
		if err != nil {
			return err
		}
		defer func() { _ = client.Close() }()

		if _, err := client.Call(cmd.Context(), &proto.Request{
			Kind:   proto.KindNotify,
			Notify: &proto.NotifyRequest{Op: op, ResourceID: args[1], Wait: notifyWait},
		}); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "notify %s %s acknowledged\n", op, args[1])
		return nil
	},
}

func init() {
	formatCmd.Flags().BoolVar(&formatUnlock, "unlock", false, "Unlock the medium after formatting")
	formatCmd.Flags().StringVar(&formatFSType, "fs", "posix", "Filesystem type to format with")
	notifyCmd.Flags().BoolVar(&notifyWait, "wait", true, "Wait for the daemon to apply the event")
}

func splitResourceID(id string) (family, name string, err error) {
	for i := 0; i < len(id); i++ {
		if id[i] == '/' {
			if i == 0 || i == len(id)-1 {
				break
			}
			return id[:i], id[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("resource id %q must be family/name", id)
}
