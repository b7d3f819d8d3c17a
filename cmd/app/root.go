package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/untibullet/landkid/internal/config"
)

// commandContext - общие флаги и лениво загружаемая конфигурация
type commandContext struct {
	configPath string
	endpoint   string

	cfg *config.Config
}

func (c *commandContext) config() (*config.Config, error) {
	if c.cfg != nil {
		return c.cfg, nil
	}
	cfg, err := config.LoadFrom(c.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	c.cfg = cfg
	return cfg, nil
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "landkid",
		Short:         "Pull request land queue",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&ctx.configPath, "config", "c", "", "Configuration file path")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newMigrateCommand(ctx))
	rootCmd.AddCommand(newQueueCommand(ctx))
	rootCmd.AddCommand(newHistoryCommand(ctx))

	return rootCmd
}

// addEndpointFlag добавляет адрес сервиса для клиентских команд
func addEndpointFlag(cmd *cobra.Command, ctx *commandContext) {
	cmd.Flags().StringVar(&ctx.endpoint, "endpoint", "http://localhost:8080", "Landkid service URL")
}
