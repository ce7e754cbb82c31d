package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cea-hpc/phobosd/internal/cli/prompt"
	"github.com/cea-hpc/phobosd/pkg/config"
	"github.com/cea-hpc/phobosd/pkg/model"
	"github.com/cea-hpc/phobosd/pkg/store"
)

var objectCmd = &cobra.Command{
	Use:   "object",
	Short: "Put, get, delete, and locate objects",
}

var (
	putFamily string
	putTags   []string
	putMD     string
)

var objectPutCmd = &cobra.Command{
	Use:   "put OID FILE",
	Short: "Upload a file as an object",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		oid, path := args[0], args[1]

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		info, err := f.Stat()
		if err != nil {
			return err
		}

		var userMD map[string]string
		if putMD != "" {
			if err := json.Unmarshal([]byte(putMD), &userMD); err != nil {
				return fmt.Errorf("--metadata must be a JSON object of strings: %w", err)
			}
		}

		return withStore(cmd.Context(), func(st *store.Store, cfg *config.Config) error {
			x := &store.Xfer{
				OID:    oid,
				UserMD: userMD,
				Size:   info.Size(),
				Family: model.Family(putFamily),
				Tags:   putTags,
				Src:    f,
			}
			if err := st.Put(cmd.Context(), x); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "object %s stored (uuid %s, %d bytes)\n", oid, x.UUID, x.Size)
			return nil
		})
	},
}

var objectGetCmd = &cobra.Command{
	Use:   "get OID FILE",
	Short: "Download an object into a file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		oid, path := args[0], args[1]

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()

		return withStore(cmd.Context(), func(st *store.Store, cfg *config.Config) error {
			x := &store.Xfer{OID: oid, Dst: f}
			if err := st.Get(cmd.Context(), x); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "object %s retrieved to %s\n", oid, path)
			return nil
		})
	},
}

var delHard bool
var delYes bool

var objectDelCmd = &cobra.Command{
	Use:   "del OID",
	Short: "Delete (deprecate) an object",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		oid := args[0]
		if delHard && !delYes {
			ok, err := prompt.Confirm(fmt.Sprintf("Destroy %s permanently?", oid), false)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
		}
		return withStore(cmd.Context(), func(st *store.Store, cfg *config.Config) error {
			if delHard {
				if err := st.HardDelete(cmd.Context(), oid); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "object %s destroyed\n", oid)
				return nil
			}
			if err := st.Delete(cmd.Context(), oid); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "object %s deprecated\n", oid)
			return nil
		})
	},
}

var objectLocateCmd = &cobra.Command{
	Use:   "locate OID",
	Short: "Report the host best placed to serve a GET",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(st *store.Store, cfg *config.Config) error {
			host, newLocks, err := st.Locate(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if host == "" {
				fmt.Fprintf(cmd.OutOrStdout(), "no preference (%d media locked)\n", newLocks)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%d media locked)\n", host, newLocks)
			return nil
		})
	},
}

func init() {
	objectPutCmd.Flags().StringVar(&putFamily, "family", "", "Medium family (defaults to store.family)")
	objectPutCmd.Flags().StringSliceVar(&putTags, "tags", nil, "Tags every allocated medium must carry")
	objectPutCmd.Flags().StringVar(&putMD, "metadata", "", "User metadata as a JSON object of strings")
	objectDelCmd.Flags().BoolVar(&delHard, "hard", false, "Destroy the object instead of deprecating it")
	objectDelCmd.Flags().BoolVarP(&delYes, "yes", "y", false, "Skip the confirmation prompt")
	objectCmd.AddCommand(objectPutCmd, objectGetCmd, objectDelCmd, objectLocateCmd)
}
