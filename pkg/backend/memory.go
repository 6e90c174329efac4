package backend

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type memoryItem struct {
	Name         string
	Price        float64
	OnHand       float64
	ReorderPoint float64
	Warehouse    string
}

// Memory is an in-process ERP used by `aosgate serve --dev` and tests.
type Memory struct {
	mu        sync.Mutex
	currency  string
	customers map[string]Record
	items     map[string]*memoryItem
	orders    map[string]Record
	payments  map[string]Record
	invoices  map[string]Record
	seq       int

	failWith error
	latency  time.Duration
}

// NewMemory creates an empty in-process ERP.
func NewMemory(currency string) *Memory {
	if currency == "" {
		currency = "USD"
	}
	return &Memory{
		currency:  currency,
		customers: make(map[string]Record),
		items:     make(map[string]*memoryItem),
		orders:    make(map[string]Record),
		payments:  make(map[string]Record),
		invoices:  make(map[string]Record),
	}
}

// NewSeededMemory returns a Memory with a small demo data set for company usmf.
func NewSeededMemory() *Memory {
	m := NewMemory("USD")
	m.AddCustomer("usmf", "US-001", "Contoso Retail San Diego", 50000)
	m.AddCustomer("usmf", "US-002", "Forest Wholesales", 250000)
	m.AddItem("usmf", "A0001", "HDMI 6' Cables", 14.99, 500, 50, "11")
	m.AddItem("usmf", "D0001", "MidRangeSpeaker", 1750, 40, 10, "11")
	m.AddItem("usmf", "T0100", "Projector Television", 3200, 12, 5, "24")
	return m
}

func key(company, id string) string {
	return strings.ToLower(company) + "/" + strings.ToUpper(id)
}

// AddCustomer seeds a customer.
func (m *Memory) AddCustomer(company, customerID, name string, creditLimit float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.customers[key(company, customerID)] = Record{
		"customerId":  customerID,
		"company":     company,
		"name":        name,
		"creditLimit": creditLimit,
		"currency":    m.currency,
	}
}

// AddItem seeds an item with stock in one warehouse.
func (m *Memory) AddItem(company, itemID, name string, price, onHand, reorderPoint float64, warehouse string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key(company, itemID)] = &memoryItem{
		Name:         name,
		Price:        price,
		OnHand:       onHand,
		ReorderPoint: reorderPoint,
		Warehouse:    warehouse,
	}
}

// FailWith makes every call fail with err until cleared with nil.
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	m.failWith = err
	m.mu.Unlock()
}

// SetLatency delays every call by d.
func (m *Memory) SetLatency(d time.Duration) {
	m.mu.Lock()
	m.latency = d
	m.mu.Unlock()
}

func (m *Memory) enter(ctx context.Context) error {
	m.mu.Lock()
	latency, failWith := m.latency, m.failWith
	m.mu.Unlock()

	if latency > 0 {
		timer := time.NewTimer(latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return failWith
}

func (m *Memory) Ping(ctx context.Context) error {
	return m.enter(ctx)
}

func (m *Memory) GetCustomer(ctx context.Context, company, customerID string) (Record, error) {
	if err := m.enter(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.customers[key(company, customerID)]
	if !ok {
		return nil, NewError(CodeNotFound, "customer %s not found in %s", customerID, company)
	}
	return copyRecord(c), nil
}

func (m *Memory) GetItem(ctx context.Context, company, itemID string) (Record, error) {
	if err := m.enter(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[key(company, itemID)]
	if !ok {
		return nil, NewError(CodeNotFound, "item %s not found in %s", itemID, company)
	}
	return Record{
		"itemId":   itemID,
		"company":  company,
		"name":     item.Name,
		"price":    item.Price,
		"currency": m.currency,
	}, nil
}

func (m *Memory) GetSalesOrder(ctx context.Context, company, orderID string) (Record, error) {
	if err := m.enter(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[key(company, orderID)]
	if !ok {
		return nil, NewError(CodeNotFound, "sales order %s not found in %s", orderID, company)
	}
	return copyRecord(order), nil
}

func (m *Memory) CheckInventory(ctx context.Context, company, itemID, warehouse string) (Record, error) {
	if err := m.enter(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[key(company, itemID)]
	if !ok {
		return nil, NewError(CodeNotFound, "item %s not found in %s", itemID, company)
	}
	if warehouse != "" && warehouse != item.Warehouse {
		return Record{"itemId": itemID, "company": company, "warehouse": warehouse, "onHand": 0.0, "reorderPoint": item.ReorderPoint}, nil
	}
	return Record{
		"itemId":       itemID,
		"company":      company,
		"warehouse":    item.Warehouse,
		"onHand":       item.OnHand,
		"reorderPoint": item.ReorderPoint,
		"lowStock":     item.OnHand < item.ReorderPoint,
	}, nil
}

func (m *Memory) GetPrice(ctx context.Context, company, itemID, customerID string, quantity float64) (Record, error) {
	if err := m.enter(ctx); err != nil {
		return nil, err
	}
	if quantity <= 0 {
		quantity = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[key(company, itemID)]
	if !ok {
		return nil, NewError(CodeNotFound, "item %s not found in %s", itemID, company)
	}
	discount := 0.0
	if quantity >= 100 {
		discount = 0.05
	}
	unit := item.Price * (1 - discount)
	return Record{
		"itemId":     itemID,
		"customerId": customerID,
		"company":    company,
		"quantity":   quantity,
		"unitPrice":  unit,
		"discount":   discount,
		"lineAmount": unit * quantity,
		"currency":   m.currency,
	}, nil
}

// CreateSalesOrder expects customerId and lines [{itemId, quantity}].
// Stock is reserved per line; lines that drop an item below its reorder
// point are reported in lowStockItems.
func (m *Memory) CreateSalesOrder(ctx context.Context, company string, order Record) (Record, error) {
	if err := m.enter(ctx); err != nil {
		return nil, err
	}
	customerID, _ := order["customerId"].(string)
	lines, _ := order["lines"].([]interface{})
	if customerID == "" || len(lines) == 0 {
		return nil, NewError(CodeValidation, "customerId and at least one line are required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.customers[key(company, customerID)]; !ok {
		return nil, NewError(CodeNotFound, "customer %s not found in %s", customerID, company)
	}

	type reservation struct {
		item *memoryItem
		id   string
		qty  float64
	}
	var reservations []reservation
	amount := 0.0
	outLines := make([]interface{}, 0, len(lines))
	for _, raw := range lines {
		line, _ := raw.(map[string]interface{})
		itemID, _ := line["itemId"].(string)
		qty := Number(line["quantity"])
		item, ok := m.items[key(company, itemID)]
		if !ok {
			return nil, NewError(CodeNotFound, "item %s not found in %s", itemID, company)
		}
		if qty <= 0 {
			return nil, NewError(CodeValidation, "quantity for %s must be positive", itemID)
		}
		if qty > item.OnHand {
			return nil, NewError(CodeInsufficient, "only %.0f of %s on hand", item.OnHand, itemID)
		}
		reservations = append(reservations, reservation{item: item, id: itemID, qty: qty})
		amount += item.Price * qty
		outLines = append(outLines, map[string]interface{}{
			"itemId":     itemID,
			"quantity":   qty,
			"unitPrice":  item.Price,
			"lineAmount": item.Price * qty,
		})
	}

	var lowStock []interface{}
	for _, r := range reservations {
		r.item.OnHand -= r.qty
		if r.item.OnHand < r.item.ReorderPoint {
			lowStock = append(lowStock, map[string]interface{}{
				"itemId":       r.id,
				"warehouse":    r.item.Warehouse,
				"onHand":       r.item.OnHand,
				"reorderPoint": r.item.ReorderPoint,
			})
		}
	}

	m.seq++
	orderID := fmt.Sprintf("SO-%06d", m.seq)
	record := Record{
		"orderId":    orderID,
		"company":    company,
		"customerId": customerID,
		"status":     "Open",
		"amount":     amount,
		"currency":   m.currency,
		"lines":      outLines,
		"createdAt":  time.Now().UTC().Format(time.RFC3339),
	}
	m.orders[key(company, orderID)] = record

	out := copyRecord(record)
	if len(lowStock) > 0 {
		out["lowStockItems"] = lowStock
	}
	return out, nil
}

// UpdateSalesOrder applies status and free-text changes to an open order.
func (m *Memory) UpdateSalesOrder(ctx context.Context, company, orderID string, changes Record) (Record, error) {
	if err := m.enter(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[key(company, orderID)]
	if !ok {
		return nil, NewError(CodeNotFound, "sales order %s not found in %s", orderID, company)
	}
	if order["status"] == "Invoiced" {
		return nil, NewError(CodeValidation, "sales order %s is already invoiced", orderID)
	}

	var changed []string
	for field, value := range changes {
		switch field {
		case "orderId", "company", "customerId", "amount", "lines", "createdAt":
			return nil, NewError(CodeValidation, "field %s cannot be updated", field)
		}
		order[field] = value
		changed = append(changed, field)
	}
	sort.Strings(changed)

	out := copyRecord(order)
	out["changedFields"] = changed
	return out, nil
}

// PostPayment expects customerId and amount, and optionally invoiceId.
func (m *Memory) PostPayment(ctx context.Context, company string, payment Record) (Record, error) {
	if err := m.enter(ctx); err != nil {
		return nil, err
	}
	customerID, _ := payment["customerId"].(string)
	amount := Number(payment["amount"])
	if customerID == "" || amount <= 0 {
		return nil, NewError(CodeValidation, "customerId and a positive amount are required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.customers[key(company, customerID)]; !ok {
		return nil, NewError(CodeNotFound, "customer %s not found in %s", customerID, company)
	}
	invoiceID, _ := payment["invoiceId"].(string)
	if invoiceID != "" {
		invoice, ok := m.invoices[key(company, invoiceID)]
		if !ok {
			return nil, NewError(CodeNotFound, "invoice %s not found in %s", invoiceID, company)
		}
		invoice["status"] = "Paid"
	}

	m.seq++
	paymentID := fmt.Sprintf("PAY-%06d", m.seq)
	record := Record{
		"paymentId":  paymentID,
		"company":    company,
		"customerId": customerID,
		"invoiceId":  invoiceID,
		"amount":     amount,
		"currency":   m.currency,
		"postedAt":   time.Now().UTC().Format(time.RFC3339),
	}
	m.payments[key(company, paymentID)] = record
	return copyRecord(record), nil
}

// CreateInvoice invoices an open sales order, due in 30 days.
func (m *Memory) CreateInvoice(ctx context.Context, company, orderID string) (Record, error) {
	if err := m.enter(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[key(company, orderID)]
	if !ok {
		return nil, NewError(CodeNotFound, "sales order %s not found in %s", orderID, company)
	}
	if order["status"] == "Invoiced" {
		return nil, NewError(CodeValidation, "sales order %s is already invoiced", orderID)
	}
	order["status"] = "Invoiced"

	m.seq++
	invoiceID := fmt.Sprintf("INV-%06d", m.seq)
	now := time.Now().UTC()
	record := Record{
		"invoiceId":  invoiceID,
		"orderId":    orderID,
		"company":    company,
		"customerId": order["customerId"],
		"amount":     order["amount"],
		"currency":   m.currency,
		"status":     "Open",
		"dueDate":    now.AddDate(0, 0, 30).Format(time.RFC3339),
	}
	m.invoices[key(company, invoiceID)] = record
	return copyRecord(record), nil
}

// Number converts JSON-decoded numeric values to float64.
func Number(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case int32:
		return float64(n)
	default:
		return 0
	}
}

func copyRecord(r Record) Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
