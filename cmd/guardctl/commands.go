package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"nameguard-service/internal/canonical"
	"nameguard-service/internal/client"
	"nameguard-service/internal/events"
	"nameguard-service/internal/models"
	"nameguard-service/internal/repository/sqlite"
	"nameguard-service/internal/repository/sqlite/migrations"
	"nameguard-service/internal/service"
	"nameguard-service/internal/util"
)

var checkCmd = &cobra.Command{
	Use:   "check <name>",
	Short: "Show the binding of a name",
	Args:  exactArgs(1, "check <name>"),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(ctx context.Context, svc *service.VerificationService) error {
			b, err := svc.Check(ctx, args[0])
			if errors.Is(err, service.ErrBindingNotFound) {
				printWarning("%q is not bound", args[0])
				return nil
			}
			if err != nil {
				return err
			}
			writeBinding(cmd.OutOrStdout(), b, time.Now())
			return nil
		})
	},
}

var bindCmd = &cobra.Command{
	Use:   "bind <name>",
	Short: "Lock a name to the client of its live session",
	Long: `Appends the fingerprint of the name's live admitted session to its binding
and sets trust to LOCKED. Sessions are only visible across processes when
REDIS_ENABLED is set.`,
	Args: exactArgs(1, "bind <name>"),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(ctx context.Context, svc *service.VerificationService) error {
			b, err := svc.Bind(ctx, args[0])
			if err != nil {
				return err
			}
			printSuccess("%s is now %s", b.PreferredName, b.Trust)
			return nil
		})
	},
}

var unbindCmd = &cobra.Command{
	Use:   "unbind <name>",
	Short: "Forget a name's binding and credential",
	Args:  exactArgs(1, "unbind <name>"),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(ctx context.Context, svc *service.VerificationService) error {
			removed, err := svc.Unbind(ctx, args[0])
			if err != nil {
				return err
			}
			if !removed {
				printWarning("%q had no binding", args[0])
				return nil
			}
			printSuccess("%q unbound", args[0])
			return nil
		})
	},
}

var setTrustCmd = &cobra.Command{
	Use:   "set-trust <name> <LOW|MEDIUM|HIGH|LOCKED>",
	Short: "Set the trust level of a binding",
	Args:  exactArgs(2, "set-trust <name> <level>"),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(ctx context.Context, svc *service.VerificationService) error {
			b, err := svc.SetTrust(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			printSuccess("%s trust set to %s", b.PreferredName, trustColor(b.Trust).Sprint(b.Trust))
			return nil
		})
	},
}

var allowCmd = &cobra.Command{
	Use:   "allow",
	Short: "Manage names that skip verification",
}

var allowAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Allow a name",
	Args:  exactArgs(1, "allow add <name>"),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(ctx context.Context, svc *service.VerificationService) error {
			if err := svc.Allow(ctx, args[0]); err != nil {
				return err
			}
			printSuccess("%q allowed", args[0])
			return nil
		})
	},
}

var allowRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a name added with allow add",
	Args:  exactArgs(1, "allow remove <name>"),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(ctx context.Context, svc *service.VerificationService) error {
			if err := svc.Disallow(ctx, args[0]); err != nil {
				return err
			}
			printSuccess("%q removed from the allow-list", args[0])
			return nil
		})
	},
}

var allowListCmd = &cobra.Command{
	Use:   "list",
	Short: "List allowed names from the store and the policy file",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(ctx context.Context, svc *service.VerificationService) error {
			keys, err := svc.AllowList(ctx)
			if err != nil {
				return err
			}
			for _, k := range keys {
				fmt.Fprintln(cmd.OutOrStdout(), k)
			}
			return nil
		})
	},
}

var exportOut string

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write every binding as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(ctx context.Context, svc *service.VerificationService) error {
			bindings, err := svc.Export(ctx)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if exportOut != "" && exportOut != "-" {
				file, err := os.OpenFile(exportOut, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
				if err != nil {
					return fmt.Errorf("failed to create %s: %w", exportOut, err)
				}
				defer file.Close()
				w = file
			}
			if err := writeExport(w, bindings, time.Now()); err != nil {
				return err
			}
			if exportOut != "" && exportOut != "-" {
				printSuccess("%d bindings written to %s", len(bindings), exportOut)
			}
			return nil
		})
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the SQLite schema",
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the schema version of the SQLite store",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		db, err := sqlite.OpenConnection(cfg.Storage.SQLitePath)
		if err != nil {
			return err
		}
		defer db.Close()

		st, err := migrations.ReadStatus(db)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "version %d of %d", st.Version, st.Latest)
		if st.Dirty {
			fmt.Fprint(cmd.OutOrStdout(), " (dirty)")
		}
		fmt.Fprintln(cmd.OutOrStdout())
		if !st.UpToDate() {
			printWarning("run 'guardctl migrate up'")
		}
		return nil
	},
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending SQLite migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		db, err := sqlite.OpenConnection(cfg.Storage.SQLitePath)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := migrations.MigrateUp(db); err != nil {
			return err
		}
		if err := migrations.CheckStatus(db); err != nil {
			return err
		}
		printSuccess("schema is up to date")
		return nil
	},
}

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history <name>",
	Short: "Show recent decisions for a name from ClickHouse",
	Args:  exactArgs(1, "history <name>"),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		if !cfg.Clickhouse.Enabled {
			return errors.New("clickhouse is disabled; set CLICKHOUSE_ENABLED=true")
		}
		c, err := client.NewClickHouseClient(cfg, util.Get())
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		sink, err := events.NewClickHouseSink(ctx, c, cfg.Clickhouse.Table)
		if err != nil {
			return err
		}
		evs, err := sink.History(ctx, canonical.Canonicalize(args[0]), historyLimit)
		if err != nil {
			return err
		}
		if len(evs) == 0 {
			printWarning("no decisions recorded for %q", args[0])
			return nil
		}
		for _, ev := range evs {
			writeEvent(cmd.OutOrStdout(), ev)
		}
		return nil
	},
}

var flaggedOutcome string

var flaggedCmd = &cobra.Command{
	Use:   "flagged",
	Short: "List names whose latest decision was denied or challenged",
	RunE: func(cmd *cobra.Command, args []string) error {
		outcome := models.Outcome(flaggedOutcome)
		if outcome != models.OutcomeDenied && outcome != models.OutcomeNeedsChallenge {
			return fmt.Errorf("--outcome must be %s or %s", models.OutcomeDenied, models.OutcomeNeedsChallenge)
		}
		cfg := loadConfig()
		if !cfg.Elasticsearch.Enabled {
			return errors.New("elasticsearch is disabled; set ELASTICSEARCH_ENABLED=true")
		}
		c, err := client.NewElasticsearchClient(cfg, util.Get())
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		evs, err := events.NewElasticSink(c, cfg.Elasticsearch.Index).Latest(ctx, outcome, historyLimit)
		if err != nil {
			return err
		}
		for _, ev := range evs {
			writeEvent(cmd.OutOrStdout(), ev)
		}
		return nil
	},
}

var auditGroup string

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Follow the decision stream on Kafka",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		if !cfg.Kafka.Enabled {
			return errors.New("kafka is disabled; set KAFKA_ENABLED=true")
		}
		consumer := client.NewKafkaConsumer(cfg, auditGroup, util.Get())
		defer consumer.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		for {
			msg, err := consumer.ConsumeMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			var ev events.DecisionEvent
			if err := json.Unmarshal(msg.Value, &ev); err != nil {
				printWarning("skipping malformed event at offset %d: %v", msg.Offset, err)
				continue
			}
			writeEvent(cmd.OutOrStdout(), ev)
		}
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportOut, "output", "o", "-", "file to write, - for stdout")
	auditCmd.Flags().StringVar(&auditGroup, "group", "guardctl-audit", "kafka consumer group")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "maximum number of decisions")
	flaggedCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "maximum number of names")
	flaggedCmd.Flags().StringVar(&flaggedOutcome, "outcome", string(models.OutcomeDenied), "denied or needs_challenge")

	allowCmd.AddCommand(allowAddCmd, allowRemoveCmd, allowListCmd)
	migrateCmd.AddCommand(migrateStatusCmd, migrateUpCmd)
	rootCmd.AddCommand(checkCmd, bindCmd, unbindCmd, setTrustCmd, allowCmd, exportCmd, migrateCmd, auditCmd, historyCmd, flaggedCmd)
}
