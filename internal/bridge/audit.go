package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/securebridge/dicom-bridge/pkg/audit"
	"github.com/securebridge/dicom-bridge/pkg/config"
	"github.com/securebridge/dicom-bridge/pkg/logging"
)

func (b *Bridge) buildAudit() error {
	ac := b.cfg.Audit
	writer, err := audit.NewFileWriter(ac.Directory, ac.FileName, ac.MaxSizeMB, audit.WriterOptions{
		Service:      logging.ServiceName,
		RedactFields: ac.RedactFields,
		Logger:       b.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	b.auditLog = writer

	if ac.SIEM.Enabled {
		siem, err := audit.NewSIEMForwarder(audit.SIEMOptions{
			Endpoint:      ac.SIEM.Endpoint,
			Format:        ac.SIEM.Format,
			Token:         b.siemToken(),
			RatePerSecond: ac.SIEM.RatePerSecond,
			Timeout:       b.cfg.Duration(ac.SIEM.Timeout),
		})
		if err != nil {
			writer.Close()
			return fmt.Errorf("failed to create SIEM forwarder: %w", err)
		}
		b.siem = siem
	}
	return nil
}

// siemToken reads the SIEM bearer token from the credential store
func (b *Bridge) siemToken() audit.TokenSource {
	path := b.cfg.Audit.SIEM.TokenPath
	if path == "" {
		return nil
	}
	return b.secretKey(path, "token")
}

func (b *Bridge) objectStore(ctx context.Context) (audit.ObjectStore, error) {
	ec := b.cfg.Audit.Export
	if ec.Bucket == "" {
		return nil, errors.New("audit.export.bucket is not configured")
	}
	aws := b.cfg.Secrets.AWS
	store, err := audit.NewS3Store(ctx, audit.S3Config{
		Bucket:          ec.Bucket,
		Region:          aws.Region,
		Endpoint:        aws.Endpoint,
		AccessKeyID:     aws.AccessKeyID,
		SecretAccessKey: aws.SecretAccessKey,
		UsePathStyle:    ec.UsePathStyle,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create audit object store: %w", err)
	}
	return store, nil
}

// Exporter ships rotated audit files to the bucket and, unless events are
// already streamed in real time, to the SIEM
func (b *Bridge) Exporter(ctx context.Context) (*audit.Exporter, error) {
	ec := b.cfg.Audit.Export

	var store audit.ObjectStore
	if ec.Bucket != "" {
		s, err := b.objectStore(ctx)
		if err != nil {
			return nil, err
		}
		store = s
	}
	var sink audit.Sink
	if b.siem != nil && !b.cfg.Audit.SIEM.Realtime {
		sink = b.siem
	}

	return audit.NewExporter(b.auditLog, store, sink, b.auditLog, audit.ExportConfig{
		Prefix:            ec.Prefix,
		Compress:          config.BoolValue(ec.Compress, true),
		LockMode:          ec.ObjectLockMode,
		LockDays:          ec.ObjectLockDays,
		DeleteAfterExport: ec.DeleteAfterExport,
	}, b.logger)
}

// Retention enforces the retention policy on exported objects
func (b *Bridge) Retention(ctx context.Context) (*audit.RetentionEnforcer, error) {
	store, err := b.objectStore(ctx)
	if err != nil {
		return nil, err
	}
	rc := b.cfg.Audit.Retention
	return audit.NewRetentionEnforcer(store, audit.RetentionPolicy{
		Prefix:           b.cfg.Audit.Export.Prefix,
		RetentionDays:    rc.RetentionDays,
		ArchiveAfterDays: rc.ArchiveAfterDays,
		ArchiveClass:     rc.ArchiveClass,
	}, b.auditLog, b.logger)
}

// startAuditLoops launches real-time SIEM streaming, scheduled export and
// retention as configured
func (b *Bridge) startAuditLoops(ctx context.Context) error {
	ac := b.cfg.Audit

	if b.siem != nil && ac.SIEM.Realtime {
		b.auditLog.Route(b.shutdown.Context(), b.siem, audit.ParseSeverity(ac.SIEM.MinSeverity), 0)
		b.logger.WithField("sink", b.siem.Name()).Info("Streaming audit events to SIEM")
	}

	if ac.Export.Enabled {
		exporter, err := b.Exporter(ctx)
		if err != nil {
			return err
		}
		interval := b.cfg.Duration(ac.Export.Interval)
		b.shutdown.Go("audit-export", func(ctx context.Context) {
			exporter.Run(ctx, interval)
		})
	}

	if ac.Retention.Enabled {
		enforcer, err := b.Retention(ctx)
		if err != nil {
			return err
		}
		interval := b.cfg.Duration(ac.Retention.Interval)
		b.shutdown.Go("audit-retention", func(ctx context.Context) {
			enforcer.Run(ctx, interval)
		})
	}
	return nil
}
