package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/invopop/jsonschema"
	"github.com/spf13/cobra"

	"github.com/cea-hpc/phobosd/pkg/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the phobosd configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if path == "" {
			path = config.DefaultConfigPath()
		}
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("refusing to overwrite existing config at %s", path)
		}
		if err := config.Save(config.GetDefaultConfig(), path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration written to %s\n", path)
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate the configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := config.Load(configPath); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid")
		return nil
	},
}

var schemaOutput string

var configSchemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Generate the JSON schema of the configuration file",
	Long: `Generate a JSON schema for the phobosd configuration file, usable
for IDE autocompletion and validation tooling.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		reflector := jsonschema.Reflector{
			AllowAdditionalProperties: false,
			DoNotReference:            true,
		}
		schema := reflector.Reflect(&config.Config{})
		schema.Version = "https://json-schema.org/draft/2020-12/schema"
		schema.Title = "phobosd Configuration"
		schema.Description = "Configuration schema for the phobosd daemon"

		out, err := json.MarshalIndent(schema, "", "  ")
		if err != nil {
			return fmt.Errorf("generate schema: %w", err)
		}
		if schemaOutput != "" {
			if err := os.WriteFile(schemaOutput, out, 0o644); err != nil {
				return fmt.Errorf("write schema file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "JSON schema written to %s\n", schemaOutput)
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

func init() {
	configSchemaCmd.Flags().StringVarP(&schemaOutput, "output", "o", "", "Output file (default: stdout)")
	configCmd.AddCommand(configInitCmd, configValidateCmd, configSchemaCmd)
}
