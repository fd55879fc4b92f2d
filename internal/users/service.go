package users

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
)

// ErrInvalidIdentity indicates the request did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for identity tracking.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service manages known user identities.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
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
	return &Service{
		db:    cfg.Database,
		now:   clock,
		cache: sync.Map{},
	}, nil
}

// EnsureIdentity records the user on first sight and refreshes profile
// fields and last-seen on subsequent sightings, returning the canonical id.
func (s *Service) EnsureIdentity(userID, email, displayName string) (string, error) {
	subject := normalize(userID)
	if subject == "" {
		return "", ErrInvalidIdentity
	}

	if _, ok := s.cache.Load(subject); ok {
		_ = s.db.Model(&Identity{}).
			Where("user_id = ?", subject).
			Update("last_seen_at", s.now()).
			Error
		return subject, nil
	}

	var identity Identity
	err := s.db.Where("user_id = ?", subject).First(&identity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		identity = Identity{
			UserID:      subject,
			Email:       normalize(email),
			DisplayName: normalize(displayName),
			LastSeenAt:  s.now(),
		}
		if err := s.db.Create(&identity).Error; err != nil {
			return "", err
		}
	} else if err != nil {
		return "", err
	} else {
		updates := map[string]interface{}{"last_seen_at": s.now()}
		if value := normalize(email); value != "" && value != identity.Email {
			updates["user_email"] = value
		}
		if value := normalize(displayName); value != "" && value != identity.DisplayName {
			updates["user_display_name"] = value
		}
		_ = s.db.Model(&Identity{}).
			Where("user_id = ?", subject).
			Updates(updates).
			Error
	}

	s.cache.Store(subject, struct{}{})
	return subject, nil
}
