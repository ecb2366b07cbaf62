package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	alarmapp "medication-reminder/internal/alarms/application"
	"medication-reminder/internal/auth"
	"medication-reminder/internal/observability/logging"
)

var (
	patientFlag  string
	snoozeFlag   int
	reasonFlag   string
	actorFlag    string
	familyFlag   string
	roleFlag     string
	tokenTTLFlag time.Duration
)

func init() {
	for _, cmd := range []*cobra.Command{ackCmd, snoozeCmd} {
		cmd.Flags().StringVar(&patientFlag, "patient", "", "Patient that owns the alarm")
		_ = cmd.MarkFlagRequired("patient")
	}
	snoozeCmd.Flags().IntVar(&snoozeFlag, "minutes", 0, "Snooze duration in minutes (0 uses the medication policy)")
	snoozeCmd.Flags().StringVar(&reasonFlag, "reason", "", "Optional snooze reason")
	cancelCmd.Flags().StringVar(&actorFlag, "actor", "cli", "Actor recorded on cancelled alarms")

	tokenCmd.Flags().StringVar(&familyFlag, "family", "", "Family id claim")
	tokenCmd.Flags().StringVar(&roleFlag, "role", string(auth.RolePatient), "Role claim (patient, caregiver, admin)")
	tokenCmd.Flags().DurationVar(&tokenTTLFlag, "ttl", 24*time.Hour, "Token lifetime")
}

// runOnce builds the components, runs fn and prints its result as JSON.
func runOnce(cmd *cobra.Command, fn func(ctx context.Context, comp components) (any, error)) error {
	cfg := loadConfig()
	logger := logging.NewWithOutput(cfg.LogLevel, cmd.ErrOrStderr())
	loc, err := cfg.location()
	if err != nil {
		return err
	}
	engineCfg, err := alarmapp.LoadConfig()
	if err != nil {
		return fmt.Errorf("alarm config: %w", err)
	}
	ctx := cmd.Context()
	st, err := openStores(ctx, cfg, useMemory, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	comp, err := buildComponents(cfg, engineCfg, st, loc, logger)
	if err != nil {
		return err
	}
	defer comp.Close()

	result, err := fn(ctx, comp)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), result)
}

func printJSON(w io.Writer, value any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Run a single poller tick",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runOnce(cmd, func(ctx context.Context, comp components) (any, error) {
			return comp.poller.Tick(ctx, time.Now().UTC())
		})
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete terminal alarms past the retention window",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runOnce(cmd, func(ctx context.Context, comp components) (any, error) {
			purged, err := comp.sweeper.Run(ctx, time.Now().UTC())
			return map[string]int64{"purged": purged}, err
		})
	},
}

var ackCmd = &cobra.Command{
	Use:   "ack ALARM_ID",
	Short: "Acknowledge an alarm as taken",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOnce(cmd, func(ctx context.Context, comp components) (any, error) {
			return comp.engine.Acknowledge(ctx, args[0], patientFlag, time.Time{})
		})
	},
}

var snoozeCmd = &cobra.Command{
	Use:   "snooze ALARM_ID",
	Short: "Snooze an alarm",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if snoozeFlag < 0 {
			return fmt.Errorf("--minutes must not be negative")
		}
		return runOnce(cmd, func(ctx context.Context, comp components) (any, error) {
			return comp.engine.Snooze(ctx, args[0], patientFlag, snoozeFlag, reasonFlag)
		})
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel MEDICATION_ID",
	Short: "Cancel every open alarm of a medication",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOnce(cmd, func(ctx context.Context, comp components) (any, error) {
			return comp.engine.CancelForMedication(ctx, args[0], actorFlag)
		})
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token SUBJECT",
	Short: "Issue an API token signed with AUTH_JWT_SECRET",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		if cfg.JWTSecret == "" {
			return fmt.Errorf("AUTH_JWT_SECRET is required")
		}
		role, ok := auth.NormalizeRole(roleFlag)
		if !ok {
			return fmt.Errorf("unknown role %q", roleFlag)
		}
		token, err := auth.IssueJWT([]byte(cfg.JWTSecret), args[0], familyFlag, role, tokenTTLFlag)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
		return err
	},
}
