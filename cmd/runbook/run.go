package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dukex/runbook/pkg/channels/kafka"
	"github.com/dukex/runbook/pkg/log"
	"github.com/dukex/runbook/pkg/otelhelper"
	"github.com/urfave/cli/v3"
)

const defaultPort = 9091

func NewAPICommand() *cli.Command {
	return &cli.Command{
		Name:    "api",
		Aliases: []string{"a"},
		Usage:   "Start the API with the dispatcher, webhook queue and pool maintenance",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Persistence URL (postgres://..., file://dir, memory://)",
				Value:   "file://./data",
				Sources: cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus provider (kafka, gochannel)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "kafka-brokers",
				Usage:   "Comma separated Kafka brokers",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML tunables file",
				Sources: cli.EnvVars("RUNBOOK_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "environment",
				Usage:   "Deployment environment (development, production)",
				Value:   "development",
				Sources: cli.EnvVars("ENVIRONMENT"),
				Validator: func(value string) error {
					if value != environmentDevelopment && value != environmentProduction {
						return fmt.Errorf("unknown environment %q", value)
					}

					return nil
				},
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Export traces over OTLP HTTP",
				Sources: cli.EnvVars("TRACING_ENABLED"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger := log.WithModule("api")
			logger.InfoContext(ctx, "Initializing Runbook API")

			tracer := otelhelper.NoopTracer()

			if command.Bool("tracing") {
				t, shutdown, err := otelhelper.NewTracer(ctx, "runbook")
				if err != nil {
					return fmt.Errorf("failed to initialize tracer: %w", err)
				}

				defer func() {
					err := shutdown(context.WithoutCancel(ctx))
					if err != nil {
						logger.Error("Failed to shutdown tracer provider", "error", err)
					}
				}()

				tracer = t
			}

			server, err := NewServer(ctx, logger, ServerOptions{
				DatabaseURL:  command.String("database-url"),
				EventBus:     command.String("event-bus"),
				KafkaBrokers: kafka.ParseBrokers(command.String("kafka-brokers")),
				ConfigPath:   command.String("config"),
				Production:   command.String("environment") == environmentProduction,
				Tracer:       tracer,
			})
			if err != nil {
				return err
			}

			defer server.Close(context.WithoutCancel(ctx))

			return server.Start(ctx, int(command.Int("port")))
		},
	}
}
