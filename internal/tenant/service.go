package tenant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vnmchuo/tenant-gateway/internal/apperr"
)

// Provisioner is the partition side of the tenant lifecycle.
type Provisioner interface {
	Provision(ctx context.Context, t *Tenant) (Partition, error)
	Verify(ctx context.Context, t *Tenant) error
	Drop(ctx context.Context, t *Tenant) error
}

type CreateInput struct {
	Name   string `json:"name"`
	Limits Limits `json:"limits"`
}

type UpdateInput struct {
	Name   *string `json:"name,omitempty"`
	Active *bool   `json:"active,omitempty"`
	Limits *Limits `json:"limits,omitempty"`
}

// Service runs the tenant lifecycle: registry writes around partition
// provisioning and teardown.
type Service struct {
	store   Store
	schemas Provisioner
	logger  *zap.Logger
	now     func() time.Time
}

func NewService(store Store, schemas Provisioner, logger *zap.Logger) *Service {
	return &Service{
		store:   store,
		schemas: schemas,
		logger:  logger,
		now:     time.Now,
	}
}

// Create inserts the tenant inactive, provisions its partition, then
// activates it. If provisioning fails the row stays inactive and Provision
// can be retried.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Tenant, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, apperr.InvalidRequest("name is required")
	}
	if err := in.Limits.Validate(); err != nil {
		return nil, apperr.InvalidRequest(err.Error())
	}

	t := &Tenant{
		ID:        uuid.New().String(),
		Name:      name,
		Partition: PartitionName(name, s.now()),
		Limits:    in.Limits,
	}
	if err := ValidatePartition(t.Partition); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "derived partition name is invalid", err)
	}

	if err := s.store.Create(ctx, t); err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "create tenant", err)
	}

	if _, err := s.schemas.Provision(ctx, t); err != nil {
		if errors.Is(err, ErrPartitionCollision) {
			// Never reuse another tenant's partition; the row is discarded.
			if derr := s.store.Delete(ctx, t.ID); derr != nil {
				s.logger.Error("failed to discard tenant after partition collision",
					zap.String("tenant_id", t.ID), zap.Error(derr))
			}
			return nil, apperr.Wrap(apperr.KindInternal, "partition name collision", err)
		}
		s.logger.Error("tenant created but partition provisioning failed; retry provision",
			zap.String("tenant_id", t.ID), zap.String("partition", t.Partition), zap.Error(err))
		return nil, apperr.Wrap(apperr.KindStorage, "provision tenant partition", err)
	}

	if err := s.store.SetActive(ctx, t.ID, true); err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "activate tenant", err)
	}
	t.Active = true

	s.logger.Info("tenant created",
		zap.String("tenant_id", t.ID),
		zap.String("name", t.Name),
		zap.String("partition", t.Partition),
	)
	return t, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Tenant, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, apperr.NotFound("tenant not found")
	}
	t, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apperr.NotFound("tenant not found")
		}
		return nil, apperr.Wrap(apperr.KindStorage, "get tenant", err)
	}
	return t, nil
}

func (s *Service) List(ctx context.Context) ([]*Tenant, error) {
	list, err := s.store.List(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "list tenants", err)
	}
	return list, nil
}

// Update applies the given fields. Activation verifies the partition first
// so no active tenant is ever without one.
func (s *Service) Update(ctx context.Context, id string, in UpdateInput) (*Tenant, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return nil, apperr.InvalidRequest("name must not be empty")
		}
		t.Name = name
	}
	if in.Limits != nil {
		if err := in.Limits.Validate(); err != nil {
			return nil, apperr.InvalidRequest(err.Error())
		}
		t.Limits = *in.Limits
	}

	if in.Name != nil || in.Limits != nil {
		if err := s.store.Update(ctx, t); err != nil {
			return nil, apperr.Wrap(apperr.KindStorage, "update tenant", err)
		}
	}

	if in.Active != nil && *in.Active != t.Active {
		if *in.Active {
			if err := s.schemas.Verify(ctx, t); err != nil {
				return nil, apperr.Wrap(apperr.KindInvalidRequest, "tenant partition is not ready; provision it first", err)
			}
		}
		if err := s.store.SetActive(ctx, t.ID, *in.Active); err != nil {
			return nil, apperr.Wrap(apperr.KindStorage, "set tenant active", err)
		}
		t.Active = *in.Active
	}
	return t, nil
}

// Provision (re)creates the partition for an existing tenant. It is the
// retry path after a partial Create.
func (s *Service) Provision(ctx context.Context, id string) (Partition, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return Partition{}, err
	}
	p, err := s.schemas.Provision(ctx, t)
	if err != nil {
		return Partition{}, apperr.Wrap(apperr.KindStorage, "provision tenant partition", err)
	}
	return p, nil
}

// Delete drops the partition and then the registry row. The tenant is
// deactivated first so no request writes into a partition being dropped.
// Deleting an unknown tenant succeeds. A failure part-way through is logged
// and the same call must be retried.
func (s *Service) Delete(ctx context.Context, id string) error {
	t, err := s.Get(ctx, id)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return nil
		}
		return err
	}

	if t.Active {
		if err := s.store.SetActive(ctx, t.ID, false); err != nil && !errors.Is(err, ErrNotFound) {
			return apperr.Wrap(apperr.KindStorage, "deactivate tenant", err)
		}
	}

	if err := s.schemas.Drop(ctx, t); err != nil {
		s.logger.Error("tenant delete incomplete: partition drop failed; retry delete",
			zap.String("tenant_id", t.ID), zap.String("partition", t.Partition), zap.Error(err))
		return apperr.Wrap(apperr.KindStorage, "drop tenant partition", err)
	}

	if err := s.store.Delete(ctx, t.ID); err != nil && !errors.Is(err, ErrNotFound) {
		s.logger.Error("tenant delete incomplete: partition dropped but row remains; retry delete",
			zap.String("tenant_id", t.ID), zap.String("partition", t.Partition), zap.Error(err))
		return apperr.Wrap(apperr.KindStorage, "delete tenant", err)
	}

	s.logger.Info("tenant deleted", zap.String("tenant_id", t.ID), zap.String("partition", t.Partition))
	return nil
}

// Resolve returns an active tenant for the request path.
func (s *Service) Resolve(ctx context.Context, id string) (*Tenant, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return nil, apperr.InvalidCredential("credential does not map to a tenant")
		}
		return nil, err
	}
	if !t.Active {
		return nil, apperr.TenantInactive(fmt.Sprintf("tenant %s is inactive", t.ID))
	}
	return t, nil
}
