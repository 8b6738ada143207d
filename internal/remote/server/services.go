package server

import (
	"context"
	"log/slog"

	"github.com/kilupskalvis/gitview/internal/core"
	"github.com/kilupskalvis/gitview/internal/models"
	"github.com/kilupskalvis/gitview/internal/remote"
)

// Services opens git protocol sessions on hosted repositories. It is shared
// by the HTTP and SSH transports so both audit, count and notify the same
// way.
type Services struct {
	Repos      RepoOpener
	Translator core.TranslatorOptions
	Webhooks   *WebhookNotifier
	Metrics    *Metrics
	Logger     *slog.Logger
}

// Session returns a session on the view named by addr.
func (s *Services) Session(addr *remote.Address, stateless bool, requestID string) (*remote.Session, error) {
	repo, audit, err := s.Repos.Open(addr.Repo)
	if err != nil {
		return nil, err
	}

	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("repo", addr.Repo, "request_id", requestID)

	return remote.NewSession(repo, addr, remote.SessionConfig{
		Stateless:  stateless,
		Translator: s.Translator,
		RequestID:  requestID,
		Logger:     logger,
		OnEvent: func(ctx context.Context, e *models.Event) {
			if err := audit.RecordEvent(context.WithoutCancel(ctx), e); err != nil {
				logger.Error("record audit event", "error", err, "kind", e.Kind, "branch", e.Branch)
			}
			s.Metrics.observeEvent(e)
			s.Webhooks.NotifyPush(e)
		},
	}), nil
}
