package feed

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opCreateTag = "feed.create_tag"
	opUpdateTag = "feed.update_tag"
	opDeleteTag = "feed.delete_tag"
	opListTags  = "feed.list_tags"
)

// CreateTag creates a user-owned tag.
func (s *Service) CreateTag(ctx context.Context, userID UserID, name, color string) (Tag, error) {
	trimmedName := strings.TrimSpace(name)
	if trimmedName == "" {
		return Tag{}, newServiceError(opCreateTag, "missing_name", ErrInvalidTagName)
	}
	if len(trimmedName) > maxIdentifierLength {
		return Tag{}, newServiceError(opCreateTag, "name_too_long",
			fmt.Errorf("%w: exceeds %d characters", ErrInvalidTagName, maxIdentifierLength))
	}

	tagID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateTag, "id_generation_failed", err, zap.String("user_id", userID.String()))
		return Tag{}, newServiceError(opCreateTag, "id_generation_failed", err)
	}
	now := s.nowMicros()
	tag := Tag{
		ID:              tagID,
		UserID:          userID.String(),
		Name:            trimmedName,
		Color:           strings.TrimSpace(color),
		CreatedAtMicros: now,
		UpdatedAtMicros: now,
	}
	if err := s.db.WithContext(ctx).Create(&tag).Error; err != nil {
		s.logError(opCreateTag, "tag_create_failed", err, zap.String("user_id", userID.String()))
		return Tag{}, newServiceError(opCreateTag, "tag_create_failed", err)
	}
	return tag, nil
}

// UpdateTag renames or recolors a tag. Nil pointers leave fields untouched.
func (s *Service) UpdateTag(ctx context.Context, userID UserID, tagID string, name, color *string) (Tag, error) {
	var tag Tag
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND id = ? AND deleted_at_us = 0", userID.String(), tagID).
		Take(&tag).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Tag{}, newServiceError(opUpdateTag, "not_found", ErrNotFound)
	}
	if err != nil {
		s.logError(opUpdateTag, "tag_select_failed", err,
			zap.String("user_id", userID.String()), zap.String("tag_id", tagID))
		return Tag{}, newServiceError(opUpdateTag, "tag_select_failed", err)
	}

	if name != nil {
		trimmedName := strings.TrimSpace(*name)
		if trimmedName == "" {
			return Tag{}, newServiceError(opUpdateTag, "missing_name", ErrInvalidTagName)
		}
		tag.Name = trimmedName
	}
	if color != nil {
		tag.Color = strings.TrimSpace(*color)
	}
	tag.UpdatedAtMicros = s.nowMicros()
	if err := s.db.WithContext(ctx).Save(&tag).Error; err != nil {
		s.logError(opUpdateTag, "tag_save_failed", err,
			zap.String("user_id", userID.String()), zap.String("tag_id", tagID))
		return Tag{}, newServiceError(opUpdateTag, "tag_save_failed", err)
	}
	return tag, nil
}

// DeleteTag soft-deletes a tag so the removal remains enumerable, detaching
// it from every subscription that carried it.
func (s *Service) DeleteTag(ctx context.Context, userID UserID, tagID string) (Tag, error) {
	var tag Tag
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("user_id = ? AND id = ? AND deleted_at_us = 0", userID.String(), tagID).
			Take(&tag).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opDeleteTag, "not_found", ErrNotFound)
		}
		if err != nil {
			return newServiceError(opDeleteTag, "tag_select_failed", err)
		}

		now := s.nowMicros()
		tag.DeletedAtMicros = now
		tag.UpdatedAtMicros = now
		if saveErr := tx.Save(&tag).Error; saveErr != nil {
			return newServiceError(opDeleteTag, "tag_save_failed", saveErr)
		}
		if detachErr := tx.Where("tag_id = ?", tag.ID).
			Delete(&TagAssignment{}).Error; detachErr != nil {
			return newServiceError(opDeleteTag, "tag_detach_failed", detachErr)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opDeleteTag, "transaction_failed", txErr,
			zap.String("user_id", userID.String()), zap.String("tag_id", tagID))
		return Tag{}, txErr
	}
	return tag, nil
}

// ListTags returns the user's live tags.
func (s *Service) ListTags(ctx context.Context, userID UserID) ([]Tag, error) {
	var tags []Tag
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND deleted_at_us = 0", userID.String()).
		Order("name ASC").
		Find(&tags).Error; err != nil {
		s.logError(opListTags, "query_failed", err, zap.String("user_id", userID.String()))
		return nil, newServiceError(opListTags, "query_failed", err)
	}
	return tags, nil
}
