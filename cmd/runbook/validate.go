package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dukex/runbook/pkg/log"
	"github.com/dukex/runbook/pkg/schedule"
	"github.com/urfave/cli/v3"
)

func NewValidateCronCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate-cron",
		Aliases:   []string{"vc"},
		Usage:     "Check a cron expression and print its next fire times",
		ArgsUsage: "<expression>",
		Action: func(ctx context.Context, command *cli.Command) error {
			expr := command.Args().First()
			calculator := schedule.NewCalculator(log.WithModule("validate-cron"))

			result := calculator.ValidateCronExpression(expr)
			if !result.Valid {
				return fmt.Errorf("invalid cron expression %q: %s", expr, result.Error)
			}

			fmt.Fprintf(command.Root().Writer, "%s is valid, next executions:\n", expr)

			for _, at := range result.NextExecutions {
				fmt.Fprintf(command.Root().Writer, "  %s\n", at.Format(time.RFC3339))
			}

			return nil
		},
	}
}
