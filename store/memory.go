package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-fulfillment/flow"
)

// MaxReliability bounds the learned supplier reliability score.
const MaxReliability = 10.0

// MemoryDAO is a process-local flow.DAO. It backs tests and the single-node demo mode.
type MemoryDAO struct {
	mu        sync.Mutex
	orders    map[string]flow.OrderRecord
	clusters  []flow.Cluster
	suppliers map[string]flow.Supplier
	capacity  map[string]float64
	reserved  map[string]bool
	rfps      map[string]flow.RFP
	quotes    map[string][]flow.Quote
	tasks     map[string]flow.OpsTask
	ledger    []flow.LedgerEntry
	outcomes  []flow.LearnRecord
}

var _ flow.DAO = (*MemoryDAO)(nil)

func NewMemoryDAO() *MemoryDAO {
	return &MemoryDAO{
		orders:    make(map[string]flow.OrderRecord),
		suppliers: make(map[string]flow.Supplier),
		capacity:  make(map[string]float64),
		reserved:  make(map[string]bool),
		rfps:      make(map[string]flow.RFP),
		quotes:    make(map[string][]flow.Quote),
		tasks:     make(map[string]flow.OpsTask),
	}
}

// AddCluster seeds a cluster.
func (m *MemoryDAO) AddCluster(c flow.Cluster) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clusters = append(m.clusters, c)
}

// AddSupplier seeds a supplier with its available capacity.
func (m *MemoryDAO) AddSupplier(s flow.Supplier, capacity float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suppliers[s.SupplierID] = s
	m.capacity[s.SupplierID] = capacity
}

func (m *MemoryDAO) GetOrder(_ context.Context, orderID string) (*flow.OrderRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.orders[orderID]
	if !ok {
		return nil, flow.NotFound("order", orderID)
	}
	cp := cloneOrder(rec)
	return &cp, nil
}

func (m *MemoryDAO) CreateOrder(_ context.Context, rec flow.OrderRecord) (flow.OrderRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.orders[rec.OrderID]; ok {
		return cloneOrder(existing), false, nil
	}
	m.orders[rec.OrderID] = cloneOrder(rec)
	return cloneOrder(rec), true, nil
}

func (m *MemoryDAO) UpdateOrder(_ context.Context, rec flow.OrderRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.orders[rec.OrderID]
	if !ok {
		return flow.NotFound("order", rec.OrderID)
	}
	rec.Events = existing.Events
	m.orders[rec.OrderID] = cloneOrder(rec)
	return nil
}

func (m *MemoryDAO) AppendEvent(_ context.Context, orderID string, ev flow.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.orders[orderID]
	if !ok {
		return flow.NotFound("order", orderID)
	}
	rec.Events = append(rec.Events, ev)
	m.orders[orderID] = rec
	return nil
}

func (m *MemoryDAO) CustomerOrderCount(_ context.Context, customerID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return 0, nil
	}
	n := 0
	for _, rec := range m.orders {
		if rec.CustomerID == customerID && rec.Status != flow.OrderFailed {
			n++
		}
	}
	return n, nil
}

// FindCluster prefers a cluster in the requested city over a city-less one.
func (m *MemoryDAO) FindCluster(_ context.Context, q flow.ClusterQuery) (*flow.Cluster, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *flow.Cluster
	for i := range m.clusters {
		c := m.clusters[i]
		if !strings.EqualFold(c.Category, q.Category) {
			continue
		}
		switch {
		case c.City != "" && strings.EqualFold(c.City, q.City):
			cp := c
			return &cp, nil
		case c.City == "" && best == nil:
			cp := c
			best = &cp
		}
	}
	if best == nil {
		return nil, flow.NotFound("cluster", q.Category)
	}
	return best, nil
}

// SelectSuppliers returns cluster members ranked by reliability, then id.
func (m *MemoryDAO) SelectSuppliers(_ context.Context, q flow.SupplierQuery) ([]flow.Supplier, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	members := map[string]bool{}
	for _, c := range m.clusters {
		if c.ClusterID == q.ClusterID {
			for _, id := range c.SupplierIDs {
				members[id] = true
			}
		}
	}
	exclude := map[string]bool{}
	for _, id := range q.Exclude {
		exclude[id] = true
	}
	var out []flow.Supplier
	for id := range members {
		s, ok := m.suppliers[id]
		if !ok || exclude[id] {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Reliability != out[j].Reliability {
			return out[i].Reliability > out[j].Reliability
		}
		return out[i].SupplierID < out[j].SupplierID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *MemoryDAO) SaveRFP(_ context.Context, rfp flow.RFP) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rfps[rfp.RFPID] = rfp
	return nil
}

// RFP returns a saved RFP.
func (m *MemoryDAO) RFP(rfpID string) (flow.RFP, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rfp, ok := m.rfps[rfpID]
	return rfp, ok
}

func (m *MemoryDAO) FetchQuotes(_ context.Context, rfpID string) ([]flow.Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]flow.Quote(nil), m.quotes[rfpID]...), nil
}

// SubmitQuote stores a supplier's quote. The RFP must exist.
func (m *MemoryDAO) SubmitQuote(_ context.Context, q flow.Quote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rfps[q.RFPID]; !ok {
		return flow.NotFound("rfp", q.RFPID)
	}
	m.quotes[q.RFPID] = append(m.quotes[q.RFPID], q)
	return nil
}

func (m *MemoryDAO) ReserveCapacity(_ context.Context, supplierID string, qty float64, ref string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := supplierID + "|" + ref
	if ok, seen := m.reserved[key]; seen {
		return ok, nil
	}
	ok := m.capacity[supplierID] >= qty
	if ok {
		m.capacity[supplierID] -= qty
	}
	m.reserved[key] = ok
	return ok, nil
}

// Capacity returns a supplier's remaining capacity.
func (m *MemoryDAO) Capacity(supplierID string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.capacity[supplierID]
}

// RecordOutcome applies the reliability delta, clamped to [0, MaxReliability].
func (m *MemoryDAO) RecordOutcome(_ context.Context, rec flow.LearnRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, rec)
	s, ok := m.suppliers[rec.SupplierID]
	if !ok {
		return nil
	}
	s.Reliability = clampReliability(s.Reliability + rec.Delta)
	m.suppliers[rec.SupplierID] = s
	return nil
}

// Supplier returns a seeded supplier.
func (m *MemoryDAO) Supplier(id string) (flow.Supplier, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.suppliers[id]
	return s, ok
}

func (m *MemoryDAO) Outcomes() []flow.LearnRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]flow.LearnRecord(nil), m.outcomes...)
}

func (m *MemoryDAO) UpsertOpsTask(_ context.Context, task flow.OpsTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[task.TaskID] = task
	return nil
}

func (m *MemoryDAO) GetOpsTask(_ context.Context, taskID string) (*flow.OpsTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return nil, flow.NotFound("ops task", taskID)
	}
	return &task, nil
}

// OpenTasks lists unresolved ops tasks ordered by due time.
func (m *MemoryDAO) OpenTasks() []flow.OpsTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []flow.OpsTask
	for _, t := range m.tasks {
		if !t.Status.Closed() {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Due.Before(out[j].Due) })
	return out
}

func (m *MemoryDAO) PostLedger(_ context.Context, entry flow.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ledger = append(m.ledger, entry)
	return nil
}

// Ledger returns the ledger entries of an order in posting order.
func (m *MemoryDAO) Ledger(orderID string) []flow.LedgerEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []flow.LedgerEntry
	for _, e := range m.ledger {
		if e.OrderID == orderID {
			out = append(out, e)
		}
	}
	return out
}

func cloneOrder(rec flow.OrderRecord) flow.OrderRecord {
	rec.Artifacts = append([]flow.Artifact(nil), rec.Artifacts...)
	rec.Events = append([]flow.Event(nil), rec.Events...)
	rec.RiskFlags = append([]string(nil), rec.RiskFlags...)
	return rec
}

func clampReliability(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > MaxReliability:
		return MaxReliability
	}
	return v
}
