package metadata

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

var ErrNotFound = errors.New("metadata record not found")

// Repo is the relational side of the Brain: which controllers exist and whom
// they belong to. Job state never lives here.
type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// Migrate creates or updates the metadata tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Tenant{}, &Controller{})
}

func (r *Repo) CreateController(ctx context.Context, c *Controller) error {
	if c.ID == "" || c.BaseURL == "" {
		return fmt.Errorf("controller needs id and base_url")
	}
	return r.db.WithContext(ctx).Create(c).Error
}

func (r *Repo) GetController(ctx context.Context, id string) (*Controller, error) {
	var c Controller
	err := r.db.WithContext(ctx).First(&c, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *Repo) ListControllers(ctx context.Context, tenantID string) ([]Controller, error) {
	var out []Controller
	q := r.db.WithContext(ctx).Order("id")
	if tenantID != "" {
		q = q.Where("tenant_id = ?", tenantID)
	}
	return out, q.Find(&out).Error
}

func (r *Repo) CreateTenant(ctx context.Context, t *Tenant) error {
	if t.ID == "" {
		return fmt.Errorf("tenant needs id")
	}
	return r.db.WithContext(ctx).Create(t).Error
}

func (r *Repo) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	var t Tenant
	err := r.db.WithContext(ctx).First(&t, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *Repo) ListTenants(ctx context.Context) ([]Tenant, error) {
	var out []Tenant
	return out, r.db.WithContext(ctx).Order("id").Find(&out).Error
}
