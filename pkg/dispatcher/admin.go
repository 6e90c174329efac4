package dispatcher

import (
	"context"
	"time"

	"github.com/harun/aosgate/internal/observability"
	"github.com/harun/aosgate/pkg/approval"
	"github.com/harun/aosgate/pkg/faults"
	"github.com/harun/aosgate/pkg/webhook"
)

// AuditQuerier reads stored audit records.
type AuditQuerier interface {
	QueryAudit(ctx context.Context, q observability.AuditQuery) ([]observability.AuditRecord, error)
}

// AdminDeps are the components behind the admin tools. Nil members skip
// their tools.
type AdminDeps struct {
	Approvals *approval.Gate
	Webhooks  *webhook.Engine
	Audit     AuditQuerier
}

// RegisterAdminTools registers approval, webhook and audit management tools.
func RegisterAdminTools(reg *Registry, deps AdminDeps) error {
	var tools []Tool

	if deps.Approvals != nil {
		gate := deps.Approvals
		tools = append(tools,
			Tool{
				Name:        "decide_approval",
				Description: "Approve or reject a held operation",
				Parameters: []Parameter{
					{Name: "approvalId", Type: "string", Description: "Approval id", Required: true},
					{Name: "decision", Type: "string", Description: "approve or reject", Required: true, Enum: []interface{}{"approve", "reject"}},
					{Name: "comment", Type: "string", Description: "Reason shown to the requester"},
				},
				Handler: func(ctx context.Context, call Call) (interface{}, error) {
					id := argString(call.Args, "approvalId")
					record, ok := gate.Get(id)
					if !ok {
						return nil, faults.NotFound("approval %s not found", id)
					}
					if record.Status != approval.StatusPending {
						return nil, faults.InvalidInput("approval %s is already %s", id, record.Status)
					}
					if record.Request.Requester == call.UserID {
						return nil, faults.Forbidden("requesters cannot decide their own approvals")
					}

					comment := argString(call.Args, "comment")
					var recorded bool
					if argString(call.Args, "decision") == "approve" {
						recorded = gate.Approve(ctx, id, call.UserID, comment)
					} else {
						recorded = gate.Reject(ctx, id, call.UserID, comment)
					}
					if !recorded {
						return nil, faults.ApprovalExpired(id)
					}
					decided, _ := gate.Get(id)
					return decided, nil
				},
			},
			Tool{
				Name:        "list_approvals",
				Description: "List approvals by status",
				Parameters: []Parameter{
					{Name: "status", Type: "string", Description: "Filter by status; empty lists everything",
						Enum: []interface{}{"", "pending", "approved", "rejected", "expired"}},
				},
				Handler: func(ctx context.Context, call Call) (interface{}, error) {
					return gate.List(approval.Status(argString(call.Args, "status"))), nil
				},
			},
		)
	}

	if deps.Webhooks != nil {
		tools = append(tools, webhookTool(deps.Webhooks))
	}

	if deps.Audit != nil {
		audit := deps.Audit
		tools = append(tools, Tool{
			Name:        "query_audit",
			Description: "Search the tool invocation audit trail",
			Parameters: []Parameter{
				{Name: "userId", Type: "string", Description: "Filter by caller"},
				{Name: "toolName", Type: "string", Description: "Filter by tool"},
				{Name: "correlationId", Type: "string", Description: "Filter by correlation id"},
				{Name: "success", Type: "boolean", Description: "Filter by outcome"},
				{Name: "since", Type: "string", Description: "RFC3339 lower bound"},
				{Name: "offset", Type: "integer", Description: "Records to skip"},
				{Name: "limit", Type: "integer", Description: "Page size, at most 500"},
			},
			Handler: func(ctx context.Context, call Call) (interface{}, error) {
				q := observability.AuditQuery{
					UserID:        argString(call.Args, "userId"),
					ToolName:      argString(call.Args, "toolName"),
					CorrelationID: argString(call.Args, "correlationId"),
					Offset:        int(argNumber(call.Args, "offset")),
					Limit:         int(argNumber(call.Args, "limit")),
				}
				if success, ok := call.Args["success"].(bool); ok {
					q.Success = &success
				}
				if since := argString(call.Args, "since"); since != "" {
					t, err := time.Parse(time.RFC3339, since)
					if err != nil {
						return nil, faults.InvalidInput("since must be RFC3339: %v", err)
					}
					q.From = t
				}
				return audit.QueryAudit(ctx, q.Normalize())
			},
		})
	}

	for _, tool := range tools {
		if err := reg.Register(tool); err != nil {
			return err
		}
	}
	return nil
}

func webhookTool(engine *webhook.Engine) Tool {
	return Tool{
		Name:        "manage_webhooks",
		Description: "List, add, pause, resume or remove webhook subscriptions and inspect deliveries",
		Parameters: []Parameter{
			{Name: "action", Type: "string", Description: "Operation to perform", Required: true,
				Enum: []interface{}{"list", "add", "remove", "pause", "resume", "deliveries", "stats"}},
			{Name: "id", Type: "string", Description: "Subscription id for remove, pause, resume and deliveries"},
			{Name: "eventType", Type: "string", Description: "Event type for add, or * for every event"},
			{Name: "url", Type: "string", Description: "Target URL for add"},
			{Name: "secret", Type: "string", Description: "HMAC signing secret for add"},
			{Name: "filter", Type: "object", Description: "Event field equality filters for add"},
			{Name: "maxRetries", Type: "integer", Description: "Retries after the first attempt"},
			{Name: "backoffSeconds", Type: "number", Description: "Base retry backoff"},
			{Name: "maxBackoffSeconds", Type: "number", Description: "Longest retry wait, default 3600"},
			{Name: "status", Type: "string", Description: "Delivery status filter for deliveries"},
			{Name: "limit", Type: "integer", Description: "Page size for deliveries"},
		},
		Handler: func(ctx context.Context, call Call) (interface{}, error) {
			id := argString(call.Args, "id")
			switch argString(call.Args, "action") {
			case "list":
				return engine.Subscriptions(ctx)
			case "add":
				sub := webhook.Subscription{
					EventType: argString(call.Args, "eventType"),
					URL:       argString(call.Args, "url"),
					Secret:    argString(call.Args, "secret"),
					Retry:     webhook.DefaultRetryPolicy(),
					Active:    true,
				}
				if filter, ok := call.Args["filter"].(map[string]interface{}); ok {
					sub.Filter = make(map[string]string, len(filter))
					for k, v := range filter {
						s, ok := v.(string)
						if !ok {
							return nil, faults.InvalidInput("filter value for %s must be a string", k)
						}
						sub.Filter[k] = s
					}
				}
				if _, ok := call.Args["maxRetries"]; ok {
					sub.Retry.MaxRetries = int(argNumber(call.Args, "maxRetries"))
				}
				if _, ok := call.Args["backoffSeconds"]; ok {
					sub.Retry.BaseBackoff = time.Duration(argNumber(call.Args, "backoffSeconds") * float64(time.Second))
				}
				if _, ok := call.Args["maxBackoffSeconds"]; ok {
					sub.Retry.MaxBackoff = time.Duration(argNumber(call.Args, "maxBackoffSeconds") * float64(time.Second))
				}
				created, err := engine.AddSubscription(ctx, sub)
				if err != nil {
					return nil, err
				}
				created.Secret = ""
				return created, nil
			case "remove":
				if err := requireID(id); err != nil {
					return nil, err
				}
				return map[string]interface{}{"removed": id}, engine.RemoveSubscription(ctx, id)
			case "pause", "resume":
				if err := requireID(id); err != nil {
					return nil, err
				}
				active := argString(call.Args, "action") == "resume"
				return map[string]interface{}{"id": id, "active": active}, engine.SetActive(ctx, id, active)
			case "deliveries":
				return engine.Deliveries(ctx, webhook.DeliveryQuery{
					SubscriptionID: id,
					Status:         webhook.DeliveryStatus(argString(call.Args, "status")),
					Limit:          int(argNumber(call.Args, "limit")),
				})
			default:
				return engine.Stats(), nil
			}
		},
	}
}

func requireID(id string) error {
	if id == "" {
		return faults.InvalidInput("id is required")
	}
	return nil
}

func argNumber(args map[string]interface{}, key string) float64 {
	switch n := args[key].(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}
