package scheduling

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/provider-scheduling/internal/auth"
)

const maxSpecialtyLength = 50

type ProfileInput struct {
	Specialty     string
	Bio           string
	ClinicAddress *string
}

// ProviderRegistry creates and lists provider profiles.
type ProviderRegistry struct {
	repo   Repository
	logger *zap.Logger
	now    func() time.Time
}

func NewProviderRegistry(repo Repository, logger *zap.Logger) *ProviderRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProviderRegistry{
		repo:   repo,
		logger: logger,
		now:    time.Now,
	}
}

// CreateProfile creates the caller's provider profile. The one-profile-per-user
// rule is enforced by the store's unique constraint on user_id, so two racing
// calls yield one row and one ErrProviderExists.
func (r *ProviderRegistry) CreateProfile(ctx context.Context, principal auth.Principal, in ProfileInput) (*Provider, error) {
	switch principal.Role {
	case auth.RoleProvider:
	case auth.RolePatient, auth.RoleAdmin:
		return nil, ErrNotProviderRole
	default:
		return nil, ErrNotProviderRole
	}

	in, err := normalizeProfile(in)
	if err != nil {
		return nil, err
	}

	p, err := r.repo.CreateProvider(ctx, Provider{
		ID:            uuid.New(),
		UserID:        principal.ID,
		Specialty:     in.Specialty,
		Bio:           in.Bio,
		ClinicAddress: in.ClinicAddress,
		CreatedAt:     r.now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("create provider profile: %w", err)
	}

	r.logger.Info("provider profile created",
		zap.String("provider_id", p.ID.String()),
		zap.String("user_id", p.UserID.String()),
	)
	return p, nil
}

func (r *ProviderRegistry) ListProfiles(ctx context.Context, page Page) ([]Provider, error) {
	providers, err := r.repo.ListProviders(ctx, page.normalize())
	if err != nil {
		return nil, fmt.Errorf("list provider profiles: %w", err)
	}
	return providers, nil
}

func (r *ProviderRegistry) GetProfile(ctx context.Context, id uuid.UUID) (*Provider, error) {
	p, err := r.repo.GetProviderByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get provider profile: %w", err)
	}
	return p, nil
}

func normalizeProfile(in ProfileInput) (ProfileInput, error) {
	in.Specialty = strings.TrimSpace(in.Specialty)
	in.Bio = strings.TrimSpace(in.Bio)

	if in.Specialty == "" {
		return in, invalidInput("specialty is required")
	}
	if utf8.RuneCountInString(in.Specialty) > maxSpecialtyLength {
		return in, invalidInput("specialty must be at most %d characters", maxSpecialtyLength)
	}
	if in.Bio == "" {
		return in, invalidInput("bio is required")
	}
	if in.ClinicAddress != nil {
		addr := strings.TrimSpace(*in.ClinicAddress)
		if addr == "" {
			in.ClinicAddress = nil
		} else {
			in.ClinicAddress = &addr
		}
	}
	return in, nil
}
