package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// RetentionPolicy decides when exported objects are demoted or deleted
type RetentionPolicy struct {
	Prefix           string
	RetentionDays    int
	ArchiveAfterDays int
	ArchiveClass     string
}

// RetentionResult summarizes one enforcement pass
type RetentionResult struct {
	Scanned  int `json:"scanned"`
	Deleted  int `json:"deleted"`
	Archived int `json:"archived"`
	Skipped  int `json:"skipped"`
}

// RetentionEnforcer applies a RetentionPolicy to an ObjectStore
type RetentionEnforcer struct {
	store  ObjectStore
	policy RetentionPolicy
	audit  Logger
	logger *logrus.Logger
	now    func() time.Time
}

// NewRetentionEnforcer creates an enforcer
func NewRetentionEnforcer(store ObjectStore, policy RetentionPolicy, auditLog Logger, logger *logrus.Logger) (*RetentionEnforcer, error) {
	if policy.RetentionDays <= 0 {
		return nil, fmt.Errorf("retention days must be positive")
	}
	if policy.ArchiveAfterDays >= policy.RetentionDays {
		return nil, fmt.Errorf("archive threshold must be shorter than retention")
	}
	if policy.ArchiveClass == "" {
		policy.ArchiveClass = "GLACIER"
	}
	return &RetentionEnforcer{
		store:  store,
		policy: policy,
		audit:  auditLog,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Enforce deletes expired objects and demotes aging ones to cold storage
func (r *RetentionEnforcer) Enforce(ctx context.Context) (*RetentionResult, error) {
	objects, err := r.store.List(ctx, r.policy.Prefix)
	if err != nil {
		return nil, err
	}

	now := r.now()
	deleteBefore := now.AddDate(0, 0, -r.policy.RetentionDays)
	archiveBefore := now.AddDate(0, 0, -r.policy.ArchiveAfterDays)

	result := &RetentionResult{}
	for _, obj := range objects {
		result.Scanned++

		switch {
		case obj.LastModified.Before(deleteBefore):
			if err := r.store.Delete(ctx, obj.Key); err != nil {
				result.Skipped++
				entry := r.logger.WithError(err).WithField("key", obj.Key)
				if errors.Is(err, ErrObjectLocked) {
					entry.Info("Retention lock still active, skipping delete")
				} else {
					entry.Warn("Failed to delete expired audit object")
				}
				continue
			}
			result.Deleted++

		case r.policy.ArchiveAfterDays > 0 && obj.LastModified.Before(archiveBefore) && obj.StorageClass != r.policy.ArchiveClass:
			if err := r.store.Transition(ctx, obj.Key, r.policy.ArchiveClass); err != nil {
				result.Skipped++
				r.logger.WithError(err).WithField("key", obj.Key).Warn("Failed to archive audit object")
				continue
			}
			result.Archived++
		}
	}

	r.audit.Log(ctx, "audit.retention_enforced", map[string]interface{}{
		"scanned":        result.Scanned,
		"deleted":        result.Deleted,
		"archived":       result.Archived,
		"skipped":        result.Skipped,
		"retention_days": r.policy.RetentionDays,
		"archive_days":   r.policy.ArchiveAfterDays,
	})
	return result, nil
}

// Run enforces on a fixed interval until ctx is done
func (r *RetentionEnforcer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Enforce(ctx); err != nil {
				r.logger.WithError(err).Error("Audit retention pass failed")
			}
		}
	}
}
