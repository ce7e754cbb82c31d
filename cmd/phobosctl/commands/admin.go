package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/cea-hpc/phobosd/internal/admin"
	"github.com/cea-hpc/phobosd/internal/cli/prompt"
	"github.com/cea-hpc/phobosd/internal/wire/proto"
)

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Administrative credentials and runtime configuration",
}

var adminHashCmd = &cobra.Command{
	Use:   "hash",
	Short: "Hash an admin password for the config file",
	Long: `Prompt for a password and print the bcrypt hash to paste into the
admin.password_hash config key.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := prompt.Password("Admin password")
		if err != nil {
			return err
		}
		hash, err := admin.HashPassword(password)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

var adminLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Obtain an admin token from the daemon's admin surface",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		password, err := prompt.Password("Admin password")
		if err != nil {
			return err
		}

		body, _ := json.Marshal(map[string]string{"password": password})
		url := fmt.Sprintf("http://%s/api/v1/auth/login", cfg.Admin.Listen)
		httpClient := &http.Client{Timeout: 10 * time.Second}
		resp, err := httpClient.Post(url, "application/json", bytes.NewReader(body))
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("login failed: %s", resp.Status)
		}

		var out struct {
			Token string `json:"token"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), out.Token)
		return nil
	},
}

var configureToken string

var adminConfigureCmd = &cobra.Command{
	Use:   "configure SECTION KEY VALUE",
	Short: "Hot-reload one configuration key over the wire protocol",
	Long: `Send a configure request through the daemon socket, e.g.:

  phobosctl admin configure lrs families.dir.sync_time_threshold 5s \
      --token "$(phobosctl admin login)"`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		if configureToken == "" {
			return fmt.Errorf("an admin token is required; obtain one with `phobosctl admin login`")
		}
		client, _, err := dialDaemon()
		if err != nil {
			return err
		}
		defer func() { _ = client.Close() }()

		if _, err := client.Call(cmd.Context(), &proto.Request{
			Kind: proto.KindConfigure,
			Configure: &proto.ConfigureRequest{
				Section: args[0],
				Key:     args[1],
				Value:   args[2],
				Token:   configureToken,
			},
		}); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s.%s set to %s\n", args[0], args[1], args[2])
		return nil
	},
}

func init() {
	adminConfigureCmd.Flags().StringVar(&configureToken, "token", "", "Admin token from `phobosctl admin login`")
	adminCmd.AddCommand(adminHashCmd, adminLoginCmd, adminConfigureCmd)
}
