package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/aosgate/pkg/backend"
	"github.com/harun/aosgate/pkg/events"
)

var (
	companyParam = Parameter{Name: "company", Type: "string", Description: "Legal entity (dataAreaId), e.g. usmf", Required: true}
	lineItems    = map[string]interface{}{
		"type":     "object",
		"required": []string{"itemId", "quantity"},
		"properties": map[string]interface{}{
			"itemId":   map[string]interface{}{"type": "string"},
			"quantity": map[string]interface{}{"type": "number", "minimum": 0},
		},
	}
)

// HealthReporter is implemented by backend.Guarded.
type HealthReporter interface {
	Health(ctx context.Context) backend.HealthReport
}

// RegisterERPTools registers the ERP read and write tools backed by erp.
// health may be nil when no health_check tool is wanted.
func RegisterERPTools(reg *Registry, erp backend.Capability, health HealthReporter) error {
	tools := []Tool{
		{
			Name:        "get_customer",
			Description: "Look up a customer account",
			Parameters: []Parameter{
				companyParam,
				{Name: "customerId", Type: "string", Description: "Customer account number", Required: true},
			},
			Handler: func(ctx context.Context, call Call) (interface{}, error) {
				return erp.GetCustomer(ctx, argString(call.Args, "company"), argString(call.Args, "customerId"))
			},
		},
		{
			Name:        "get_item",
			Description: "Look up a released product",
			Parameters: []Parameter{
				companyParam,
				{Name: "itemId", Type: "string", Description: "Item number", Required: true},
			},
			Handler: func(ctx context.Context, call Call) (interface{}, error) {
				return erp.GetItem(ctx, argString(call.Args, "company"), argString(call.Args, "itemId"))
			},
		},
		{
			Name:        "get_sales_order",
			Description: "Look up a sales order",
			Parameters: []Parameter{
				companyParam,
				{Name: "orderId", Type: "string", Description: "Sales order number", Required: true},
			},
			Handler: func(ctx context.Context, call Call) (interface{}, error) {
				return erp.GetSalesOrder(ctx, argString(call.Args, "company"), argString(call.Args, "orderId"))
			},
		},
		{
			Name:        "check_inventory",
			Description: "Check on-hand inventory for an item",
			Parameters: []Parameter{
				companyParam,
				{Name: "itemId", Type: "string", Description: "Item number", Required: true},
				{Name: "warehouse", Type: "string", Description: "Warehouse id; empty for the default warehouse"},
			},
			Handler: func(ctx context.Context, call Call) (interface{}, error) {
				return erp.CheckInventory(ctx, argString(call.Args, "company"), argString(call.Args, "itemId"), argString(call.Args, "warehouse"))
			},
			Events: func(call Call, result interface{}) []events.Event {
				record, _ := result.(backend.Record)
				if low, _ := record["lowStock"].(bool); !low {
					return nil
				}
				return []events.Event{lowStockEvent(argString(call.Args, "company"), record)}
			},
		},
		{
			Name:        "get_price",
			Description: "Get the sales price of an item for a customer",
			Parameters: []Parameter{
				companyParam,
				{Name: "itemId", Type: "string", Description: "Item number", Required: true},
				{Name: "customerId", Type: "string", Description: "Customer account number", Required: true},
				{Name: "quantity", Type: "number", Description: "Quantity to price", Default: 1},
			},
			Handler: func(ctx context.Context, call Call) (interface{}, error) {
				return erp.GetPrice(ctx, argString(call.Args, "company"), argString(call.Args, "itemId"),
					argString(call.Args, "customerId"), backend.Number(call.Args["quantity"]))
			},
		},
		{
			Name:        "create_sales_order",
			Description: "Create a sales order; orders above the approval threshold are held",
			Mutating:    true,
			Parameters: []Parameter{
				companyParam,
				{Name: "customerId", Type: "string", Description: "Customer account number", Required: true},
				{Name: "lines", Type: "array", Description: "Order lines", Required: true, Items: lineItems},
			},
			Value: func(ctx context.Context, call Call) (*Amount, error) {
				return orderValue(ctx, erp, call)
			},
			Handler: func(ctx context.Context, call Call) (interface{}, error) {
				return erp.CreateSalesOrder(ctx, argString(call.Args, "company"), backend.Record{
					"customerId": call.Args["customerId"],
					"lines":      call.Args["lines"],
				})
			},
			Events: func(call Call, result interface{}) []events.Event {
				record, _ := result.(backend.Record)
				company := argString(call.Args, "company")
				out := []events.Event{events.SalesOrderCreated{
					OrderID:    recordString(record, "orderId"),
					CustomerID: recordString(record, "customerId"),
					Company:    company,
					Amount:     backend.Number(record["amount"]),
					Currency:   recordString(record, "currency"),
					CreatedBy:  call.UserID,
					OccurredAt: time.Now().UTC(),
				}}
				if low, ok := record["lowStockItems"].([]interface{}); ok {
					for _, raw := range low {
						if item, ok := raw.(map[string]interface{}); ok {
							out = append(out, lowStockEvent(company, item))
						}
					}
				}
				return out
			},
		},
		{
			Name:        "update_sales_order",
			Description: "Update header fields of an open sales order",
			Mutating:    true,
			Parameters: []Parameter{
				companyParam,
				{Name: "orderId", Type: "string", Description: "Sales order number", Required: true},
				{Name: "changes", Type: "object", Description: "Fields to change", Required: true},
			},
			Handler: func(ctx context.Context, call Call) (interface{}, error) {
				changes, _ := call.Args["changes"].(map[string]interface{})
				return erp.UpdateSalesOrder(ctx, argString(call.Args, "company"), argString(call.Args, "orderId"), backend.Record(changes))
			},
			Events: func(call Call, result interface{}) []events.Event {
				record, _ := result.(backend.Record)
				changed, _ := record["changedFields"].([]string)
				return []events.Event{events.SalesOrderUpdated{
					OrderID:       argString(call.Args, "orderId"),
					CustomerID:    recordString(record, "customerId"),
					Company:       argString(call.Args, "company"),
					Status:        recordString(record, "status"),
					ChangedFields: changed,
					UpdatedBy:     call.UserID,
					OccurredAt:    time.Now().UTC(),
				}}
			},
		},
		{
			Name:        "post_payment",
			Description: "Post a customer payment, optionally settling an invoice",
			Mutating:    true,
			Parameters: []Parameter{
				companyParam,
				{Name: "customerId", Type: "string", Description: "Customer account number", Required: true},
				{Name: "amount", Type: "number", Description: "Payment amount", Required: true},
				{Name: "currency", Type: "string", Description: "ISO currency code"},
				{Name: "invoiceId", Type: "string", Description: "Invoice to settle"},
			},
			Value: func(ctx context.Context, call Call) (*Amount, error) {
				return &Amount{Value: backend.Number(call.Args["amount"]), Currency: argString(call.Args, "currency")}, nil
			},
			Handler: func(ctx context.Context, call Call) (interface{}, error) {
				return erp.PostPayment(ctx, argString(call.Args, "company"), backend.Record{
					"customerId": call.Args["customerId"],
					"amount":     call.Args["amount"],
					"invoiceId":  argString(call.Args, "invoiceId"),
				})
			},
			Events: func(call Call, result interface{}) []events.Event {
				record, _ := result.(backend.Record)
				return []events.Event{events.PaymentPosted{
					PaymentID:  recordString(record, "paymentId"),
					CustomerID: recordString(record, "customerId"),
					InvoiceID:  recordString(record, "invoiceId"),
					Company:    argString(call.Args, "company"),
					Amount:     backend.Number(record["amount"]),
					Currency:   recordString(record, "currency"),
					OccurredAt: time.Now().UTC(),
				}}
			},
		},
		{
			Name:        "create_invoice",
			Description: "Invoice an open sales order",
			Mutating:    true,
			Parameters: []Parameter{
				companyParam,
				{Name: "orderId", Type: "string", Description: "Sales order number", Required: true},
			},
			Value: func(ctx context.Context, call Call) (*Amount, error) {
				order, err := erp.GetSalesOrder(ctx, argString(call.Args, "company"), argString(call.Args, "orderId"))
				if err != nil {
					return nil, err
				}
				return &Amount{Value: backend.Number(order["amount"]), Currency: recordString(order, "currency")}, nil
			},
			Handler: func(ctx context.Context, call Call) (interface{}, error) {
				return erp.CreateInvoice(ctx, argString(call.Args, "company"), argString(call.Args, "orderId"))
			},
			Events: func(call Call, result interface{}) []events.Event {
				record, _ := result.(backend.Record)
				due, _ := time.Parse(time.RFC3339, recordString(record, "dueDate"))
				return []events.Event{events.InvoiceCreated{
					InvoiceID:  recordString(record, "invoiceId"),
					OrderID:    recordString(record, "orderId"),
					CustomerID: recordString(record, "customerId"),
					Company:    argString(call.Args, "company"),
					Amount:     backend.Number(record["amount"]),
					Currency:   recordString(record, "currency"),
					DueDate:    due,
					OccurredAt: time.Now().UTC(),
				}}
			},
		},
	}

	if health != nil {
		tools = append(tools, Tool{
			Name:        "health_check",
			Description: "Report ERP connectivity and circuit breaker state",
			Handler: func(ctx context.Context, call Call) (interface{}, error) {
				return health.Health(ctx), nil
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

// orderValue prices every line through the ERP.
func orderValue(ctx context.Context, erp backend.QueryService, call Call) (*Amount, error) {
	company := argString(call.Args, "company")
	customerID := argString(call.Args, "customerId")
	lines, _ := call.Args["lines"].([]interface{})

	total := &Amount{}
	for _, raw := range lines {
		line, ok := raw.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("order line is not an object")
		}
		price, err := erp.GetPrice(ctx, company, argString(line, "itemId"), customerID, backend.Number(line["quantity"]))
		if err != nil {
			return nil, err
		}
		total.Value += backend.Number(price["lineAmount"])
		if total.Currency == "" {
			total.Currency = recordString(price, "currency")
		}
	}
	return total, nil
}

func lowStockEvent(company string, record map[string]interface{}) events.InventoryLowStock {
	return events.InventoryLowStock{
		ItemID:       recordString(record, "itemId"),
		Warehouse:    recordString(record, "warehouse"),
		Company:      company,
		OnHand:       backend.Number(record["onHand"]),
		ReorderPoint: backend.Number(record["reorderPoint"]),
		OccurredAt:   time.Now().UTC(),
	}
}

func argString(args map[string]interface{}, key string) string {
	s, _ := args[key].(string)
	return s
}

func recordString(record map[string]interface{}, key string) string {
	if record == nil {
		return ""
	}
	switch v := record[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
