// Package maintenance purges expired read sessions and verifies that the
// stream objects of live sessions are still intact.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/parex/parex/internal/catalog"
	"github.com/parex/parex/internal/storage"
)

type Catalog interface {
	ListExpiredSessions(ctx context.Context, before time.Time, limit int) ([]catalog.Session, error)
	ListLiveSessions(ctx context.Context, at time.Time, limit int) ([]catalog.Session, error)
	ListSessionStreams(ctx context.Context, sessionName string) ([]catalog.SessionStream, error)
	DeleteSession(ctx context.Context, sessionName string) (bool, error)
}

type Config struct {
	RetentionInterval     time.Duration
	PurgeLimit            int
	IntegritySessionLimit int
}

type Service struct {
	Catalog     Catalog
	ObjectStore storage.ObjectStore
	Config      Config
	Logger      *slog.Logger
	Clock       func() time.Time
}

type RetentionSummary struct {
	SessionsScanned int `json:"sessions_scanned"`
	SessionsPurged  int `json:"sessions_purged"`
	ObjectsDeleted  int `json:"objects_deleted"`
	Failures        int `json:"failures"`
}

type IntegritySummary struct {
	SessionsScanned     int `json:"sessions_scanned"`
	StreamsChecked      int `json:"streams_checked"`
	MissingObjects      int `json:"missing_objects"`
	SizeMismatchObjects int `json:"size_mismatch_objects"`
	OperationalFailures int `json:"operational_failures"`
}

// Run purges expired sessions every RetentionInterval until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	s.ensureDefaults()

	retentionTicker := time.NewTicker(s.Config.RetentionInterval)
	defer retentionTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-retentionTicker.C:
			summary, err := s.RunRetentionOnce(ctx)
			if err != nil {
				if s.Logger != nil {
					s.Logger.ErrorContext(ctx, "retention cycle failed", slog.Any("error", err), slog.Any("summary", summary))
				}
				continue
			}
			if s.Logger != nil {
				s.Logger.InfoContext(ctx, "retention cycle completed", slog.Any("summary", summary))
			}
		}
	}
}

// RunRetentionOnce deletes the stream objects and registry entries of up to
// PurgeLimit sessions that expired before now. Objects under a session's
// prefix that the registry does not know about are removed as well. A
// session's registry entry is only dropped once all of its objects are gone,
// so a failed purge is retried on the next run.
func (s *Service) RunRetentionOnce(ctx context.Context) (RetentionSummary, error) {
	s.ensureDefaults()
	if s.Catalog == nil {
		return RetentionSummary{}, fmt.Errorf("catalog is required")
	}
	if s.ObjectStore == nil {
		return RetentionSummary{}, fmt.Errorf("object store is required")
	}

	sessions, err := s.Catalog.ListExpiredSessions(ctx, s.Clock(), s.Config.PurgeLimit)
	if err != nil {
		retentionRunsTotal.WithLabelValues("failed").Inc()
		return RetentionSummary{}, fmt.Errorf("list expired sessions: %w", err)
	}

	summary := RetentionSummary{SessionsScanned: len(sessions)}
	failures := make([]string, 0)
	for _, session := range sessions {
		keys, err := s.sessionObjectKeys(ctx, session)
		if err != nil {
			summary.Failures++
			failures = append(failures, fmt.Sprintf("session %s list objects: %v", session.SessionName, err))
			continue
		}

		var sessionErr error
		for _, key := range keys {
			if err := s.ObjectStore.Delete(ctx, key); err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
				summary.Failures++
				failures = append(failures, fmt.Sprintf("session %s delete object %s: %v", session.SessionName, key, err))
				sessionErr = err
				continue
			}
			summary.ObjectsDeleted++
		}
		if sessionErr != nil {
			continue
		}

		if _, err := s.Catalog.DeleteSession(ctx, session.SessionName); err != nil {
			summary.Failures++
			failures = append(failures, fmt.Sprintf("session %s delete registry entry: %v", session.SessionName, err))
			continue
		}
		summary.SessionsPurged++
		if s.Logger != nil {
			s.Logger.DebugContext(ctx, "read session purged",
				slog.String("session", session.SessionName),
				slog.Time("expire_time", session.ExpireTime),
				slog.Int("objects", len(keys)),
			)
		}
	}

	if summary.ObjectsDeleted > 0 {
		retentionObjectsDeletedTotal.Add(float64(summary.ObjectsDeleted))
	}
	if summary.SessionsPurged > 0 {
		retentionSessionsPurgedTotal.Add(float64(summary.SessionsPurged))
	}
	if len(failures) > 0 {
		retentionRunsTotal.WithLabelValues("failed").Inc()
		return summary, fmt.Errorf("retention encountered %d failure(s): %s", len(failures), strings.Join(failures, "; "))
	}
	retentionRunsTotal.WithLabelValues("completed").Inc()
	return summary, nil
}

// sessionObjectKeys returns the registered stream objects of session plus
// any other object under its prefix.
func (s *Service) sessionObjectKeys(ctx context.Context, session catalog.Session) ([]string, error) {
	streams, err := s.Catalog.ListSessionStreams(ctx, session.SessionName)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(streams))
	keys := make([]string, 0, len(streams))
	for _, stream := range streams {
		seen[stream.ObjectKey] = struct{}{}
		keys = append(keys, stream.ObjectKey)
	}

	prefix, err := storage.BuildSessionPrefix(session.Project, session.SessionID)
	if err != nil {
		return keys, nil
	}
	objects, err := s.ObjectStore.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	for _, object := range objects {
		if _, ok := seen[object.Key]; ok {
			continue
		}
		seen[object.Key] = struct{}{}
		keys = append(keys, object.Key)
	}
	return keys, nil
}

// RunIntegrityCheckOnce stats every stream object of up to
// IntegritySessionLimit live sessions and reports missing objects and size
// mismatches against the registry.
func (s *Service) RunIntegrityCheckOnce(ctx context.Context) (IntegritySummary, error) {
	s.ensureDefaults()
	if s.Catalog == nil {
		return IntegritySummary{}, fmt.Errorf("catalog is required")
	}
	if s.ObjectStore == nil {
		return IntegritySummary{}, fmt.Errorf("object store is required")
	}

	sessions, err := s.Catalog.ListLiveSessions(ctx, s.Clock(), s.Config.IntegritySessionLimit)
	if err != nil {
		integrityRunsTotal.WithLabelValues("failed").Inc()
		return IntegritySummary{}, fmt.Errorf("list live sessions: %w", err)
	}

	summary := IntegritySummary{SessionsScanned: len(sessions)}
	const maxIssueSamples = 20
	issueSamples := make([]string, 0, maxIssueSamples)
	issueCount := 0
	addIssue := func(message string) {
		issueCount++
		if len(issueSamples) < maxIssueSamples {
			issueSamples = append(issueSamples, message)
		}
	}

	for _, session := range sessions {
		streams, err := s.Catalog.ListSessionStreams(ctx, session.SessionName)
		if err != nil {
			summary.OperationalFailures++
			addIssue(fmt.Sprintf("session %s list streams: %v", session.SessionName, err))
			continue
		}
		for _, stream := range streams {
			summary.StreamsChecked++
			info, err := s.ObjectStore.Stat(ctx, stream.ObjectKey)
			if err != nil {
				if errors.Is(err, storage.ErrObjectNotFound) {
					summary.MissingObjects++
					addIssue(fmt.Sprintf("session %s missing stream %d object %s", session.SessionName, stream.StreamIndex, stream.ObjectKey))
					continue
				}
				summary.OperationalFailures++
				addIssue(fmt.Sprintf("session %s stat object %s: %v", session.SessionName, stream.ObjectKey, err))
				continue
			}
			if info.Size != stream.SizeBytes {
				summary.SizeMismatchObjects++
				addIssue(fmt.Sprintf("session %s size mismatch for %s (expected=%d actual=%d)", session.SessionName, stream.ObjectKey, stream.SizeBytes, info.Size))
			}
		}
	}

	if summary.StreamsChecked > 0 {
		integrityObjectsCheckedTotal.Add(float64(summary.StreamsChecked))
	}
	if summary.MissingObjects > 0 {
		integrityMissingObjectsTotal.Add(float64(summary.MissingObjects))
	}
	if summary.SizeMismatchObjects > 0 {
		integritySizeMismatchObjectsTotal.Add(float64(summary.SizeMismatchObjects))
	}
	if issueCount > 0 {
		integrityRunsTotal.WithLabelValues("failed").Inc()
		extra := issueCount - len(issueSamples)
		if extra > 0 {
			return summary, fmt.Errorf("integrity check found %d issue(s): %s; ... plus %d more", issueCount, strings.Join(issueSamples, "; "), extra)
		}
		return summary, fmt.Errorf("integrity check found %d issue(s): %s", issueCount, strings.Join(issueSamples, "; "))
	}
	integrityRunsTotal.WithLabelValues("completed").Inc()
	return summary, nil
}

func (s *Service) ensureDefaults() {
	if s.Clock == nil {
		s.Clock = time.Now
	}
	if s.Config.RetentionInterval <= 0 {
		s.Config.RetentionInterval = 10 * time.Minute
	}
	if s.Config.PurgeLimit <= 0 {
		s.Config.PurgeLimit = 100
	}
	if s.Config.IntegritySessionLimit <= 0 {
		s.Config.IntegritySessionLimit = 100
	}
}
