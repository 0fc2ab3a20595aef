package store

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/goliatone/go-fulfillment"
	"github.com/goliatone/go-fulfillment/flow"
	"gopkg.in/yaml.v3"
)

// Catalog is the seed file for clusters and suppliers.
type Catalog struct {
	Clusters  []CatalogCluster  `yaml:"clusters"`
	Suppliers []CatalogSupplier `yaml:"suppliers"`
}

type CatalogCluster struct {
	ID              string   `yaml:"id"`
	Category        string   `yaml:"category"`
	City            string   `yaml:"city"`
	BandMin         float64  `yaml:"band_min"`
	BandMax         float64  `yaml:"band_max"`
	Suppliers       []string `yaml:"suppliers"`
	PooledSavingPct float64  `yaml:"pooled_saving_pct"`
	SLARiskPct      float64  `yaml:"sla_risk_pct"`
}

type CatalogSupplier struct {
	ID          string  `yaml:"id"`
	Name        string  `yaml:"name"`
	ChatID      string  `yaml:"chat_id"`
	City        string  `yaml:"city"`
	OnTimeRate  float64 `yaml:"on_time_rate"`
	QAScore     float64 `yaml:"qa_score"`
	Proximity   float64 `yaml:"proximity"`
	Reliability float64 `yaml:"reliability"`
	Capacity    float64 `yaml:"capacity"`
}

// LoadCatalog reads and checks a catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes YAML and rejects clusters that name unknown suppliers.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fulfillment.Validation("catalog is not valid yaml", map[string]any{"error": err.Error()})
	}
	known := make(map[string]bool, len(c.Suppliers))
	for _, s := range c.Suppliers {
		id := strings.TrimSpace(s.ID)
		if id == "" {
			return nil, fulfillment.Validation("catalog supplier without id")
		}
		if known[id] {
			return nil, fulfillment.Validation("duplicate catalog supplier", map[string]any{"supplier_id": id})
		}
		known[id] = true
	}
	for _, cl := range c.Clusters {
		if strings.TrimSpace(cl.ID) == "" || strings.TrimSpace(cl.Category) == "" {
			return nil, fulfillment.Validation("catalog cluster needs id and category")
		}
		for _, id := range cl.Suppliers {
			if !known[id] {
				return nil, fulfillment.Validation("cluster references unknown supplier",
					map[string]any{"cluster_id": cl.ID, "supplier_id": id})
			}
		}
	}
	return &c, nil
}

func (cl CatalogCluster) record() flow.Cluster {
	return flow.Cluster{
		ClusterID:       cl.ID,
		Category:        cl.Category,
		City:            cl.City,
		Band:            flow.PriceBand{Min: cl.BandMin, Max: cl.BandMax},
		SupplierIDs:     append([]string(nil), cl.Suppliers...),
		PooledSavingPct: cl.PooledSavingPct,
		SLARiskPct:      cl.SLARiskPct,
	}
}

func (s CatalogSupplier) record() flow.Supplier {
	return flow.Supplier{
		SupplierID:  s.ID,
		Name:        s.Name,
		ChatID:      s.ChatID,
		City:        s.City,
		OnTimeRate:  s.OnTimeRate,
		QAScore:     s.QAScore,
		Proximity:   s.Proximity,
		Reliability: clampReliability(s.Reliability),
	}
}

// Seed loads the catalog into m.
func (c *Catalog) Seed(m *MemoryDAO) {
	if c == nil || m == nil {
		return
	}
	for _, s := range c.Suppliers {
		m.AddSupplier(s.record(), s.Capacity)
	}
	for _, cl := range c.Clusters {
		m.AddCluster(cl.record())
	}
}

// SeedCatalog upserts the catalog. Capacity and reliability already in the table are kept so a
// re-seed does not undo reservations or learned scores.
func (d *PostgresDAO) SeedCatalog(ctx context.Context, c *Catalog) error {
	if c == nil {
		return nil
	}
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin catalog seed: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, s := range c.Suppliers {
		rec := s.record()
		if _, err := tx.Exec(ctx,
			`INSERT INTO fulfillment_suppliers
			 (supplier_id, name, chat_id, city, on_time_rate, qa_score, proximity, reliability, capacity)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 ON CONFLICT (supplier_id) DO UPDATE SET
			 name = $2, chat_id = $3, city = $4, on_time_rate = $5, qa_score = $6, proximity = $7`,
			rec.SupplierID, rec.Name, rec.ChatID, rec.City, rec.OnTimeRate, rec.QAScore, rec.Proximity,
			rec.Reliability, s.Capacity,
		); err != nil {
			return fmt.Errorf("failed to seed supplier %s: %w", rec.SupplierID, err)
		}
	}
	for _, cl := range c.Clusters {
		rec := cl.record()
		if _, err := tx.Exec(ctx,
			`INSERT INTO fulfillment_clusters
			 (cluster_id, category, city, band_min, band_max, supplier_ids, pooled_saving_pct, sla_risk_pct)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (cluster_id) DO UPDATE SET
			 category = $2, city = $3, band_min = $4, band_max = $5, supplier_ids = $6,
			 pooled_saving_pct = $7, sla_risk_pct = $8`,
			rec.ClusterID, rec.Category, rec.City, rec.Band.Min, rec.Band.Max, rec.SupplierIDs,
			rec.PooledSavingPct, rec.SLARiskPct,
		); err != nil {
			return fmt.Errorf("failed to seed cluster %s: %w", rec.ClusterID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit catalog seed: %w", err)
	}
	return nil
}
