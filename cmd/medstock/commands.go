package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/medstock/medstock/internal/domain/inventory"
	"github.com/medstock/medstock/internal/platform/clock"
	"github.com/medstock/medstock/internal/platform/db"
	"github.com/medstock/medstock/internal/platform/reporting"
	"github.com/medstock/medstock/internal/seed"
	"github.com/medstock/medstock/migrations"
)

// withApp opens the inventory for one command and closes it afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(ctx, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.close()
	return fn(ctx, a)
}

// render writes v as JSON when --output json is set and through text
// otherwise.
func render(cmd *cobra.Command, v any, text func(w io.Writer) error) error {
	out := cmd.OutOrStdout()
	if format, _ := cmd.Flags().GetString("output"); format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	return text(out)
}

func parseIDArg(raw string) (int, error) {
	id, err := strconv.Atoi(raw)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid medicine id %q", raw)
	}
	return id, nil
}

func parseQtyArg(raw string) (int, error) {
	qty, err := strconv.Atoi(raw)
	if err != nil || qty <= 0 {
		return 0, fmt.Errorf("invalid quantity %q", raw)
	}
	return qty, nil
}

func dateFlag(cmd *cobra.Command, a *app) (string, error) {
	date, _ := cmd.Flags().GetString("date")
	if date == "" {
		return a.svc.Today(), nil
	}
	if _, err := time.Parse(clock.DateLayout, date); err != nil {
		return "", fmt.Errorf("date must be YYYY-MM-DD, got %q", date)
	}
	return date, nil
}

// -- migrate --

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run PostgreSQL migrations",
	}

	openMigrator := func(cmd *cobra.Command) (*db.Migrator, func(), error) {
		schema, _ := cmd.Flags().GetString("schema")
		cfg, err := loadConfig()
		if err != nil {
			return nil, nil, err
		}
		if cfg.DatabaseURL == "" {
			return nil, nil, errors.New("DATABASE_URL is required")
		}
		pool, err := db.NewPool(cmd.Context(), cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, newLogger(cfg, cmd.ErrOrStderr()))
		if err != nil {
			return nil, nil, err
		}
		m, err := db.NewMigrator(pool, migrations.FS, schema)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return m, pool.Close, nil
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, done, err := openMigrator(cmd)
			if err != nil {
				return err
			}
			defer done()
			fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", m.Schema())
			count, err := m.Up(cmd.Context())
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", db.DefaultSchema, "Target schema for migrations")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, done, err := openMigrator(cmd)
			if err != nil {
				return err
			}
			defer done()
			statuses, err := m.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			return render(cmd, statuses, func(w io.Writer) error {
				return writeMigrationStatus(w, m.Schema(), statuses)
			})
		},
	}
	statusCmd.Flags().String("schema", db.DefaultSchema, "Target schema for migrations")
	cmd.AddCommand(statusCmd)
	return cmd
}

func writeMigrationStatus(w io.Writer, schema string, statuses []db.MigrationStatus) error {
	fmt.Fprintf(w, "Migration status for schema: %s\n", schema)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tNAME\tSTATUS\tAPPLIED AT")
	for _, s := range statuses {
		status, appliedAt := "pending", ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format(time.DateTime)
			}
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", s.Version, s.Name, status, appliedAt)
	}
	return tw.Flush()
}

// -- medicine --

func medicineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "medicine",
		Aliases: []string{"med"},
		Short:   "Manage registry records",
	}

	addCmd := &cobra.Command{
		Use:   "add ID NAME",
		Short: "Add a medicine",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseIDArg(args[0])
			if err != nil {
				return err
			}
			rec := inventory.MedicineRecord{ID: id, Name: args[1]}
			rec.Origin, _ = cmd.Flags().GetString("origin")
			rec.Spec, _ = cmd.Flags().GetString("spec")
			rec.Stock, _ = cmd.Flags().GetInt("stock")
			rec.Threshold, _ = cmd.Flags().GetInt("threshold")
			return withApp(cmd, func(ctx context.Context, a *app) error {
				out, err := a.svc.AddMedicine(ctx, rec)
				if err != nil {
					return err
				}
				return render(cmd, out, func(w io.Writer) error {
					return reporting.WriteMedicines(w, []inventory.MedicineRecord{out})
				})
			})
		},
	}
	addCmd.Flags().String("origin", "", "Place of origin")
	addCmd.Flags().String("spec", "", "Package specification, e.g. 500g")
	addCmd.Flags().Int("stock", 0, "Initial stock")
	addCmd.Flags().Int("threshold", 0, "Warning threshold")
	_ = addCmd.MarkFlagRequired("origin")
	_ = addCmd.MarkFlagRequired("spec")
	cmd.AddCommand(addCmd)

	updateCmd := &cobra.Command{
		Use:   "update ID",
		Short: "Change fields of a medicine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseIDArg(args[0])
			if err != nil {
				return err
			}
			var upd inventory.MedicineUpdate
			flags := cmd.Flags()
			if flags.Changed("name") {
				v, _ := flags.GetString("name")
				upd.Name = &v
			}
			if flags.Changed("origin") {
				v, _ := flags.GetString("origin")
				upd.Origin = &v
			}
			if flags.Changed("spec") {
				v, _ := flags.GetString("spec")
				upd.Spec = &v
			}
			if flags.Changed("stock") {
				v, _ := flags.GetInt("stock")
				upd.Stock = &v
			}
			if flags.Changed("threshold") {
				v, _ := flags.GetInt("threshold")
				upd.Threshold = &v
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				out, err := a.svc.UpdateMedicine(ctx, id, upd)
				if err != nil {
					return err
				}
				return render(cmd, out, func(w io.Writer) error {
					return reporting.WriteMedicines(w, []inventory.MedicineRecord{out})
				})
			})
		},
	}
	updateCmd.Flags().String("name", "", "New name")
	updateCmd.Flags().String("origin", "", "New origin")
	updateCmd.Flags().String("spec", "", "New specification")
	updateCmd.Flags().Int("stock", 0, "New stock")
	updateCmd.Flags().Int("threshold", 0, "New warning threshold")
	cmd.AddCommand(updateCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "remove ID",
		Short: "Remove a medicine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseIDArg(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.svc.RemoveMedicine(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed medicine %d\n", id)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "get ID",
		Short: "Show one medicine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseIDArg(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				m, err := a.svc.GetMedicine(id)
				if err != nil {
					return err
				}
				return render(cmd, m, func(w io.Writer) error {
					return reporting.WriteMedicines(w, []inventory.MedicineRecord{m})
				})
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List medicines in id order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				recs := a.svc.ListMedicines()
				return render(cmd, recs, func(w io.Writer) error { return reporting.WriteMedicines(w, recs) })
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "search KEYWORD",
		Short: "Find medicines whose name contains KEYWORD",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				recs := a.svc.SearchMedicines(args[0])
				return render(cmd, recs, func(w io.Writer) error { return reporting.WriteMedicines(w, recs) })
			})
		},
	})
	return cmd
}

// -- orders --

func replenishCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replenish ID QUANTITY",
		Short: "Add stock and queue an inbound order",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseIDArg(args[0])
			if err != nil {
				return err
			}
			qty, err := parseQtyArg(args[1])
			if err != nil {
				return err
			}
			operator, _ := cmd.Flags().GetString("operator")
			return withApp(cmd, func(ctx context.Context, a *app) error {
				o, err := a.svc.Replenish(ctx, id, qty, operator)
				if err != nil {
					return err
				}
				return render(cmd, o, func(w io.Writer) error {
					return reporting.WriteInbound(w, []inventory.InboundOrder{o})
				})
			})
		},
	}
	cmd.Flags().String("operator", "", "Who received the stock")
	_ = cmd.MarkFlagRequired("operator")
	return cmd
}

func dispenseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dispense ID QUANTITY",
		Short: "Remove stock against a prescription",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseIDArg(args[0])
			if err != nil {
				return err
			}
			qty, err := parseQtyArg(args[1])
			if err != nil {
				return err
			}
			rx, _ := cmd.Flags().GetString("prescription")
			patient, _ := cmd.Flags().GetString("patient")
			return withApp(cmd, func(ctx context.Context, a *app) error {
				o, err := a.svc.Dispense(ctx, id, qty, rx, patient)
				if err != nil {
					return err
				}
				return render(cmd, o, func(w io.Writer) error {
					return reporting.WriteOutbound(w, []inventory.OutboundOrder{o})
				})
			})
		},
	}
	cmd.Flags().String("prescription", "", "Prescription number")
	cmd.Flags().String("patient", "", "Patient name")
	_ = cmd.MarkFlagRequired("prescription")
	return cmd
}

func inboundCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inbound",
		Short: "Inspect and process the inbound queue",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List pending inbound orders, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				orders := a.svc.PendingInbound()
				return render(cmd, orders, func(w io.Writer) error { return reporting.WriteInbound(w, orders) })
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "process",
		Short: "Drain the queue and re-check warnings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				res, err := a.svc.ProcessInbound(ctx)
				if err != nil {
					return err
				}
				return render(cmd, res, func(w io.Writer) error {
					fmt.Fprintf(w, "Processed %d order(s), discarded %d\n", res.Processed, len(res.Discarded))
					if len(res.Discarded) > 0 {
						return reporting.WriteInbound(w, res.Discarded)
					}
					return nil
				})
			})
		},
	})
	return cmd
}

func outboundCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbound",
		Short: "Inspect the outbound ledger",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List dispense orders, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				orders := a.svc.Outbound()
				return render(cmd, orders, func(w io.Writer) error { return reporting.WriteOutbound(w, orders) })
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "pop",
		Short: "Remove the most recent dispense order from the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				o, err := a.svc.ProcessOutbound(ctx)
				if err != nil {
					return err
				}
				return render(cmd, o, func(w io.Writer) error {
					return reporting.WriteOutbound(w, []inventory.OutboundOrder{o})
				})
			})
		},
	})
	return cmd
}

// -- warnings --

func warningsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "warnings",
		Short: "Low-stock warnings",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List medicines in warning",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				recs := a.svc.Warnings()
				return render(cmd, recs, func(w io.Writer) error { return reporting.WriteMedicines(w, recs) })
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Re-evaluate every medicine against its threshold",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				ts, err := a.svc.CheckWarnings(ctx)
				if err != nil {
					return err
				}
				return render(cmd, ts, func(w io.Writer) error { return writeTransitions(w, ts) })
			})
		},
	})
	return cmd
}

func writeTransitions(w io.Writer, ts []inventory.Transition) error {
	if len(ts) == 0 {
		_, err := fmt.Fprintln(w, "No warning changes")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tCHANGE\tSTOCK\tTHRESHOLD")
	for _, t := range ts {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\n", t.MedicineID, t.Name, t.Kind, t.Stock, t.Threshold)
	}
	return tw.Flush()
}

func thresholdCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "threshold",
		Short: "Warning thresholds",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "recompute ID",
		Short: "Derive a medicine's threshold from recent usage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseIDArg(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				m, err := a.svc.RecomputeThreshold(ctx, id)
				if err != nil {
					return err
				}
				return render(cmd, m, func(w io.Writer) error {
					return reporting.WriteMedicines(w, []inventory.MedicineRecord{m})
				})
			})
		},
	})
	return cmd
}

func rolloverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rollover",
		Short: "Run the daily usage rollover if it has not run today",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				ran, ts, err := a.svc.RollOver(ctx)
				if err != nil {
					return err
				}
				result := map[string]any{"rolled_over": ran, "transitions": ts}
				return render(cmd, result, func(w io.Writer) error {
					if !ran {
						_, err := fmt.Fprintf(w, "Already rolled over on %s\n", a.svc.Today())
						return err
					}
					fmt.Fprintf(w, "Rolled over on %s\n", a.svc.Today())
					return writeTransitions(w, ts)
				})
			})
		},
	}
}

// -- reports --

func reportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Usage statistics",
	}

	dated := func(use, short string, fn func(a *inventory.Aggregator, date string) (any, func(io.Writer) error)) *cobra.Command {
		c := &cobra.Command{
			Use:   use,
			Short: short,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, func(ctx context.Context, a *app) error {
					date, err := dateFlag(cmd, a)
					if err != nil {
						return err
					}
					var v any
					var text func(io.Writer) error
					a.svc.Stats(func(agg *inventory.Aggregator) { v, text = fn(agg, date) })
					return render(cmd, v, text)
				})
			},
		}
		c.Flags().String("date", "", "Date as YYYY-MM-DD (default today)")
		return c
	}
	windowed := func(use, short string, fn func(a *inventory.Aggregator, days int) (any, func(io.Writer) error)) *cobra.Command {
		c := &cobra.Command{
			Use:   use,
			Short: short,
			RunE: func(cmd *cobra.Command, args []string) error {
				days, _ := cmd.Flags().GetInt("days")
				if err := inventory.ValidateWindow(days); err != nil {
					return err
				}
				return withApp(cmd, func(ctx context.Context, a *app) error {
					var v any
					var text func(io.Writer) error
					a.svc.Stats(func(agg *inventory.Aggregator) { v, text = fn(agg, days) })
					return render(cmd, v, text)
				})
			},
		}
		c.Flags().Int("days", inventory.HistoryDays, "Number of recent dates to include")
		return c
	}

	cmd.AddCommand(dated("daily", "Daily summary", func(a *inventory.Aggregator, date string) (any, func(io.Writer) error) {
		s := a.DailySummary(date)
		return s, func(w io.Writer) error { return reporting.WriteDailySummary(w, s) }
	}))
	cmd.AddCommand(dated("ledger", "Stock movement per medicine", func(a *inventory.Aggregator, date string) (any, func(io.Writer) error) {
		lines := a.StockLedger(date)
		return lines, func(w io.Writer) error { return reporting.WriteStockLedger(w, lines) }
	}))
	cmd.AddCommand(dated("response", "Average warning response time", func(a *inventory.Aggregator, date string) (any, func(io.Writer) error) {
		hours := a.AverageResponseTime(date)
		v := map[string]any{"date": date, "average_response_hours": hours}
		return v, func(w io.Writer) error {
			_, err := fmt.Fprintf(w, "Average response on %s: %s h\n", date, reporting.Fixed(hours))
			return err
		}
	}))
	cmd.AddCommand(windowed("usage", "Rank medicines by dispensed quantity", func(a *inventory.Aggregator, days int) (any, func(io.Writer) error) {
		ranks := a.UsageRanking(days)
		return ranks, func(w io.Writer) error { return reporting.WriteUsageRanking(w, ranks) }
	}))
	cmd.AddCommand(windowed("frequency", "Rank medicines by number of dispenses", func(a *inventory.Aggregator, days int) (any, func(io.Writer) error) {
		ranks := a.FrequencyRanking(days)
		return ranks, func(w io.Writer) error { return reporting.WriteFrequencyRanking(w, ranks) }
	}))
	cmd.AddCommand(windowed("compare", "Usage and frequency over the recent window", func(a *inventory.Aggregator, days int) (any, func(io.Writer) error) {
		c := a.CompareRecent(days)
		return c, func(w io.Writer) error { return reporting.WriteComparison(w, c) }
	}))
	return cmd
}

// -- backups --

func backupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Write a snapshot of the inventory to the backup store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				blobs, err := a.backups(ctx)
				if err != nil {
					return err
				}
				info, err := inventory.Backup(ctx, a.svc, blobs, time.Now())
				if err != nil {
					return err
				}
				return render(cmd, info, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "Backup written to %s (%d bytes)\n", info.Key, info.Size)
					return err
				})
			})
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored backups",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				blobs, err := a.backups(ctx)
				if err != nil {
					return err
				}
				infos, err := blobs.List(ctx, inventory.BackupPrefix)
				if err != nil {
					return err
				}
				return render(cmd, infos, func(w io.Writer) error {
					tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
					fmt.Fprintln(tw, "KEY\tSIZE\tMODIFIED")
					for _, in := range infos {
						fmt.Fprintf(tw, "%s\t%d\t%s\n", in.Key, in.Size, in.LastModified.Format(time.DateTime))
					}
					return tw.Flush()
				})
			})
		},
	})
	return cmd
}

func restoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore [KEY]",
		Short: "Replace the inventory with a backup (latest when KEY is omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := ""
			if len(args) == 1 {
				key = args[0]
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				blobs, err := a.backups(ctx)
				if err != nil {
					return err
				}
				restored, err := inventory.RestoreBackup(ctx, a.svc, blobs, key)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Restored %s\n", restored)
				return nil
			})
		},
	}
}

func importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE",
		Short: "Add medicines from a CSV file (id,name,origin,spec,stock[,warning_threshold])",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				added, errs := seed.LoadMedicines(ctx, a.svc, args[0], a.logger)
				fmt.Fprintf(cmd.OutOrStdout(), "Imported %d medicine(s), skipped %d\n", added, len(errs))
				if added == 0 && len(errs) > 0 {
					return errors.Join(errs...)
				}
				return nil
			})
		},
	}
}
