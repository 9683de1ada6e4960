package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"example.com/runtracker/internal/app"
	"example.com/runtracker/internal/auth"
	"example.com/runtracker/internal/config"
	"example.com/runtracker/internal/domain"
	"example.com/runtracker/internal/logging"
	"example.com/runtracker/internal/persistence"
	"example.com/runtracker/internal/tracker"
)

// withApp loads configuration, wires the app and runs fn with a correlation-tagged context.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: "console", Output: cmd.ErrOrStderr()})

	ctx := logging.ContextWithNewCorrelationID(cmd.Context())
	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func tenantFlag(cmd *cobra.Command) (string, error) {
	tenant, _ := cmd.Flags().GetString("tenant")
	if strings.TrimSpace(tenant) == "" {
		return "", errors.New("--tenant is required")
	}
	return tenant, nil
}

func trackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "track NAME REALM",
		Short: "Start tracking a character",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := tenantFlag(cmd)
			if err != nil {
				return err
			}
			region, _ := cmd.Flags().GetString("region")
			announce, _ := cmd.Flags().GetBool("announce")
			input := domain.TrackInput{TenantID: tenant, Name: args[0], Realm: args[1], Region: region}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if announce {
					return trackAndAnnounce(ctx, cmd.OutOrStdout(), a.Announcer, input)
				}
				entity, created, err := a.Service.Track(ctx, input)
				if err != nil {
					return err
				}
				printTracked(cmd.OutOrStdout(), entity, created)
				return nil
			})
		},
	}
	cmd.Flags().StringP("region", "r", "us", "Region (us, eu, kr, tw, cn)")
	cmd.Flags().Bool("announce", false, "Queue a notification for the latest run right away")
	return cmd
}

func trackAndAnnounce(ctx context.Context, out io.Writer, announcer *tracker.Announcer, input domain.TrackInput) error {
	entity, created, result, err := announcer.TrackAndAnnounce(ctx, input)
	if err != nil {
		return err
	}
	printTracked(out, entity, created)
	switch result.Outcome {
	case tracker.OutcomeNotified:
		fmt.Fprintf(out, "announced run %s to %s\n", result.Record.ID, result.DestinationID)
	case tracker.OutcomeUnroutable:
		fmt.Fprintf(out, "recorded run %s; no destination is set for tenant %s\n", result.Record.ID, entity.TenantID)
	default:
		fmt.Fprintf(out, "nothing announced: %s\n", result.Outcome)
	}
	return nil
}

func printTracked(out io.Writer, entity *domain.TrackedEntity, created bool) {
	if !created {
		fmt.Fprintf(out, "%s is already tracked (%s)\n", entity.Identity, entity.ID)
		return
	}
	fmt.Fprintf(out, "now tracking %s (%s)\n", entity.Identity, entity.ID)
}

func untrackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "untrack NAME REALM",
		Short: "Stop tracking a character",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := tenantFlag(cmd)
			if err != nil {
				return err
			}
			region, _ := cmd.Flags().GetString("region")
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				identity := domain.Identity{Name: args[0], Realm: args[1], Region: region}
				if err := a.Service.Untrack(ctx, tenant, identity); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "stopped tracking %s\n", identity.Normalize())
				return nil
			})
		},
	}
	cmd.Flags().StringP("region", "r", "us", "Region (us, eu, kr, tw, cn)")
	return cmd
}

func listCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tracked characters for a tenant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tenant, err := tenantFlag(cmd)
			if err != nil {
				return err
			}
			limit, _ := cmd.Flags().GetInt("limit")
			token, _ := cmd.Flags().GetString("cursor")
			cursor, err := persistence.DecodeCursor(token)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				entities, next, err := a.Service.ListTracked(ctx, tenant, cursor, limit)
				if err != nil {
					return err
				}
				if len(entities) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "no tracked characters")
					return nil
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tCHARACTER\tLAST RUN\tLAST CHECKED")
				for _, e := range entities {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.ID, e.Identity, orDash(e.LastSeen.ID.String()), formatTime(e.LastCheckedAt))
				}
				if err := w.Flush(); err != nil {
					return err
				}
				if next != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "\nnext page: --cursor %s\n", persistence.EncodeCursor(next))
				}
				return nil
			})
		},
	}
	cmd.Flags().IntP("limit", "n", 50, "Page size")
	cmd.Flags().String("cursor", "", "Cursor from a previous page")
	return cmd
}

func setDestinationCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-destination DESTINATION_ID",
		Short: "Send a tenant's notifications to a destination",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := tenantFlag(cmd)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				binding, err := a.Service.SetDestination(ctx, tenant, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "notifications for %s now go to %s\n", binding.TenantID, binding.DestinationID)
				return nil
			})
		},
	}
}

func refreshMetadataCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh-metadata",
		Short: "Fetch dungeon reference data and rewrite the cache file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				snap, err := a.Metadata.Refresh(ctx, true)
				if err != nil {
					return fmt.Errorf("refresh metadata: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "cached %d dungeons for %s\n", len(snap.Entries), snap.PartitionKey)
				return nil
			})
		},
	}
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check ENTITY_ID",
		Short: "Check one tracked character for a new run now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := tenantFlag(cmd)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				result, err := a.Poller.CheckOne(ctx, tenant, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "outcome: %s\n", result.Outcome)
				if result.Record != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "run: %s +%d %s\n", result.Record.ID, result.Record.DifficultyLevel, result.Record.ActivityType)
				}
				return nil
			})
		},
	}
}

func checkAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-all",
		Short: "Run one polling pass over every tracked character",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				report, err := a.Poller.RunPass(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "scheduled=%d skipped=%d notified=%d unroutable=%d failed=%d in %s\n",
					report.Scheduled, report.Skipped, report.Notified, report.Unroutable, report.Failed, report.Duration.Round(time.Millisecond))
				return nil
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token SUBJECT",
		Short: "Issue an API bearer token for a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := tenantFlag(cmd)
			if err != nil {
				return err
			}
			scopes, _ := cmd.Flags().GetStringSlice("scopes")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			token, err := auth.Issue(auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer}, args[0], tenant, scopes, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringSlice("scopes", []string{auth.ScopeTrackedRead, auth.ScopeTrackedWrite}, "Scopes to grant")
	cmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
	return cmd
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format(time.DateTime)
}
