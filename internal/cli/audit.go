package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/aosgate/internal/observability"
)

var (
	auditUser        string
	auditTool        string
	auditCorrelation string
	auditFailures    bool
	auditSince       time.Duration
	auditOffset      int
	auditLimit       int
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Search the tool invocation audit trail",
	Args:  cobra.NoArgs,
	RunE:  runAudit,
}

func init() {
	auditCmd.Flags().StringVar(&auditUser, "user", "", "filter by caller")
	auditCmd.Flags().StringVar(&auditTool, "tool", "", "filter by tool name")
	auditCmd.Flags().StringVar(&auditCorrelation, "correlation-id", "", "filter by correlation id")
	auditCmd.Flags().BoolVar(&auditFailures, "failures", false, "only failed invocations")
	auditCmd.Flags().DurationVar(&auditSince, "since", 0, "only records newer than this, e.g. 24h")
	auditCmd.Flags().IntVar(&auditOffset, "offset", 0, "records to skip")
	auditCmd.Flags().IntVar(&auditLimit, "limit", observability.DefaultAuditLimit, "page size")
	rootCmd.AddCommand(auditCmd)
}

func runAudit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	q := observability.AuditQuery{
		UserID:        auditUser,
		ToolName:      auditTool,
		CorrelationID: auditCorrelation,
		Offset:        auditOffset,
		Limit:         auditLimit,
	}
	if auditFailures {
		failed := false
		q.Success = &failed
	}
	if auditSince > 0 {
		q.From = time.Now().Add(-auditSince)
	}

	records, err := st.QueryAudit(cmd.Context(), q.Normalize())
	if err != nil {
		return err
	}
	if len(records) == 0 {
		cmd.Println("No audit records.")
		return nil
	}

	for _, rec := range records {
		outcome := "ok"
		if !rec.Success {
			outcome = fmt.Sprintf("failed[%s] %s", rec.ErrorKind, rec.Error)
		}
		cmd.Printf("%s  %-10s %-20s %s  %s\n",
			rec.Timestamp.Format(time.RFC3339), rec.UserID, rec.ToolName, rec.CorrelationID, outcome)
	}
	return nil
}
