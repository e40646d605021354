package users

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tabulahq/tabula/backend/internal/auth"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

var noOpLogger = zap.NewNop()

// ServiceConfig describes the dependencies required for identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service manages displayable user identities keyed by session subject.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
	cache  sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:     cfg.Database,
		now:    clock,
		logger: logger,
	}, nil
}

// Resolve returns the identity for the provided session claims, creating it
// on first sight and refreshing the display name and last-seen timestamp on
// later ones. A failed refresh is logged but does not fail resolution; the
// identity read is authoritative.
func (s *Service) Resolve(claims auth.SessionClaims) (Identity, error) {
	subject := normalize(claims.Subject)
	if subject == "" {
		return Identity{}, ErrInvalidIdentity
	}

	if cached, ok := s.cache.Load(subject); ok {
		identity, ok := cached.(Identity)
		if ok && (claims.DisplayName == "" || identity.DisplayName == normalize(claims.DisplayName)) {
			return identity, nil
		}
	}

	var identity Identity
	err := s.db.Where("user_id = ?", subject).First(&identity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		identity = Identity{
			UserID:      subject,
			DisplayName: normalize(claims.DisplayName),
			LastSeenAt:  s.now(),
		}
		if err := s.db.Create(&identity).Error; err != nil {
			return Identity{}, err
		}
	} else if err != nil {
		return Identity{}, err
	} else {
		updates := map[string]interface{}{"last_seen_at": s.now()}
		if display := normalize(claims.DisplayName); display != "" && display != identity.DisplayName {
			updates["user_display_name"] = display
			identity.DisplayName = display
		}
		if err := s.db.Model(&Identity{}).
			Where("user_id = ?", subject).
			Updates(updates).
			Error; err != nil {
			s.logger.Warn("identity refresh failed",
				zap.String("user_id", subject),
				zap.Error(err))
		}
	}

	s.cache.Store(subject, identity)
	return identity, nil
}
