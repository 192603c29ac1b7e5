package main

import (
	"fmt"
	"io"
	"time"

	"supportdesk/internal/app"
	"supportdesk/internal/config"
	"supportdesk/internal/presence"
	"supportdesk/internal/services"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var statsDays int

// assignmentService 不启动 hub，在线状态只看 redis
func assignmentService(cfg *config.Config) (*services.AssignmentService, error) {
	db, err := app.OpenDB(cfg, 0)
	if err != nil {
		return nil, err
	}
	log := logrus.StandardLogger()
	var online services.PresenceChecker
	if cfg.Redis.Enabled {
		online = presence.NewTracker(presence.NewClient(cfg.Redis, log), cfg.Assignment.PresenceTTL, log)
	}
	return services.NewAssignmentService(db, log, nil, online, cfg.Assignment), nil
}

var availabilityCmd = &cobra.Command{
	Use:   "availability",
	Short: "Show support staff load and availability",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		svc, err := assignmentService(cfg)
		if err != nil {
			return err
		}
		rows, err := svc.GetSupportTeamAvailability(cmd.Context(), nil)
		if err != nil {
			return err
		}
		printAvailability(cmd.OutOrStdout(), rows)
		return nil
	},
}

func printAvailability(w io.Writer, rows []services.SupportAvailability) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "No support staff found")
		return
	}
	fmt.Fprintf(w, "%-6s %-20s %-10s %-8s %s\n", "ID", "NAME", "STATUS", "LOAD", "ROLES")
	for _, r := range rows {
		fmt.Fprintf(w, "%-6d %-20s %-10s %-8s %v\n",
			r.UserID, r.UserName, statusLabel(r), fmt.Sprintf("%d/%d", r.ActiveAssignments, r.MaxCapacity), r.Roles)
	}
}

func statusLabel(r services.SupportAvailability) string {
	switch {
	case !r.IsOnline:
		return color.New(color.FgHiBlack).Sprintf("%-10s", "offline")
	case r.IsAvailable:
		return color.New(color.FgGreen).Sprintf("%-10s", "available")
	default:
		return color.New(color.FgYellow).Sprintf("%-10s", "busy")
	}
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print assignment statistics for the last N days",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		svc, err := assignmentService(cfg)
		if err != nil {
			return err
		}
		f := services.StatsFilter{}
		if statsDays > 0 {
			from := time.Now().AddDate(0, 0, -statsDays)
			f.DateFrom = &from
		}
		st, err := svc.GetAssignmentStats(cmd.Context(), f)
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		bold := color.New(color.Bold)
		bold.Fprintln(w, "Assignments")
		fmt.Fprintf(w, "  total:        %d\n", st.TotalAssignments)
		fmt.Fprintf(w, "  active:       %s\n", color.New(color.FgCyan).Sprint(st.ActiveAssignments))
		fmt.Fprintf(w, "  completed:    %s\n", color.New(color.FgGreen).Sprint(st.CompletedAssignments))
		fmt.Fprintf(w, "  transferred:  %d\n", st.TransferredAssignments)
		fmt.Fprintf(w, "  escalated:    %s\n", color.New(color.FgRed).Sprint(st.EscalatedAssignments))
		fmt.Fprintf(w, "  auto:         %d\n", st.AutoAssignments)
		fmt.Fprintf(w, "  avg minutes:  %d\n", st.AvgResolutionTimeMinutes)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(availabilityCmd, statsCmd)
	statsCmd.Flags().IntVar(&statsDays, "days", 7, "look-back window in days, 0 for all time")
}
