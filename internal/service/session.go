package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Andrejs1979/cloud-code/common/clock"
	"github.com/Andrejs1979/cloud-code/common/id"
	"github.com/Andrejs1979/cloud-code/common/logger"
	"github.com/Andrejs1979/cloud-code/internal/agent"
	"github.com/Andrejs1979/cloud-code/internal/model"
	"github.com/Andrejs1979/cloud-code/internal/sessionstream"
	"github.com/Andrejs1979/cloud-code/internal/store"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionTerminal = errors.New("session has already finished")
	ErrAgentDisabled   = errors.New("no language model is configured")
)

var (
	// errCancelled marks a run stopped through the cancel channel.
	errCancelled  = errors.New("session cancelled")
	errClientGone = errors.New("client disconnected")
)

// Runner is satisfied by *agent.Executor.
type Runner interface {
	Run(ctx context.Context, req agent.Request, emit agent.Emit) (*agent.Result, error)
}

type StartInput struct {
	Prompt     string
	Repository *model.SessionRepository
	Options    model.SessionOptions
}

type SessionService interface {
	Start(ctx context.Context, in StartInput) (*model.SessionRecord, error)
	// Run executes a started session, emitting every event in order. It
	// always ends with a Complete or ErrorEvent unless ctx is cancelled
	// by the caller going away.
	Run(ctx context.Context, rec *model.SessionRecord, emit agent.Emit)
	Cancel(ctx context.Context, id string) (*model.SessionRecord, error)
	Get(ctx context.Context, id string) (*model.SessionRecord, error)
	List(ctx context.Context, limit int) ([]model.SessionRecord, error)
}

type SessionServiceConfig struct {
	DefaultMaxTurns int
	MaxTurns        int
	ExecTimeout     time.Duration
	Clock           clock.Clock
}

type sessionService struct {
	sessions    store.SessionStore
	credentials CredentialService
	runner      Runner
	cfg         SessionServiceConfig
}

// NewSessionService wires session execution. runner may be nil when no
// model is configured; sessions then fail with ErrAgentDisabled.
func NewSessionService(sessions store.SessionStore, credentials CredentialService, runner Runner, cfg SessionServiceConfig) SessionService {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 50
	}
	if cfg.DefaultMaxTurns <= 0 || cfg.DefaultMaxTurns > cfg.MaxTurns {
		cfg.DefaultMaxTurns = min(10, cfg.MaxTurns)
	}
	return &sessionService{sessions: sessions, credentials: credentials, runner: runner, cfg: cfg}
}

func (s *sessionService) Start(ctx context.Context, in StartInput) (*model.SessionRecord, error) {
	prompt := strings.TrimSpace(in.Prompt)
	if prompt == "" {
		return nil, fmt.Errorf("%w: prompt is required", ErrInvalidInput)
	}
	if in.Repository != nil && in.Repository.URL == "" && in.Repository.Name == "" {
		return nil, fmt.Errorf("%w: repository needs a url or name", ErrInvalidInput)
	}

	opts := in.Options
	switch {
	case opts.MaxTurns <= 0:
		opts.MaxTurns = s.cfg.DefaultMaxTurns
	case opts.MaxTurns > s.cfg.MaxTurns:
		opts.MaxTurns = s.cfg.MaxTurns
	}

	now := s.cfg.Clock.Now()
	rec := &model.SessionRecord{
		ID:         id.Format(id.New()),
		Prompt:     prompt,
		Repository: in.Repository,
		Options:    opts,
		Status:     model.SessionStatusStarting,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.sessions.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	slog.InfoContext(ctx, "session started", "session_id", rec.ID, "prompt", logger.Truncate(prompt, 80), "max_turns", opts.MaxTurns, "has_repository", rec.Repository != nil)
	return rec, nil
}

func (s *sessionService) Run(ctx context.Context, rec *model.SessionRecord, emit agent.Emit) {
	if sid, err := id.Parse(rec.ID); err == nil {
		ctx = logger.WithLogFields(ctx, logger.LogFields{SessionID: &sid, Component: "cloudcode.service.session"})
	}

	sc := logger.StartSpan(ctx, "session.run")
	defer sc.End()
	ctx = sc.Context()

	now := s.cfg.Clock.Now
	emit(sessionstream.Connected{At: now(), SessionID: rec.ID})

	if _, err := s.transition(ctx, rec.ID, func(r *model.SessionRecord) { r.Status = model.SessionStatusRunning }); err != nil {
		s.finish(ctx, rec.ID, 0, err, emit)
		return
	}
	emit(sessionstream.Status{At: now(), Message: "Session started"})

	if s.runner == nil {
		s.finish(ctx, rec.ID, 0, ErrAgentDisabled, emit)
		return
	}

	var repoContext string
	if rec.Repository != nil {
		emit(sessionstream.Status{At: now(), Message: "Authenticating with GitHub"})
		desc, err := s.describeRepository(ctx, rec.Repository)
		if err != nil {
			s.finish(ctx, rec.ID, 0, err, emit)
			return
		}
		repoContext = desc
		if s.cancelled(ctx, rec.ID) {
			s.finish(ctx, rec.ID, 0, errCancelled, emit)
			return
		}
		emit(sessionstream.Status{At: now(), Message: "Repository ready: " + desc})
	}

	res, err := s.execute(ctx, rec, repoContext, emit)
	turns := 0
	if res != nil {
		turns = res.Turns
	}
	if err != nil {
		sc.RecordError(err)
	}
	s.finish(ctx, rec.ID, turns, err, emit)
}

// execute runs the agent while listening for a cancel published by any
// server instance. Cancellation is best effort: events already produced
// by the model may still be emitted before the run observes it.
func (s *sessionService) execute(ctx context.Context, rec *model.SessionRecord, repoContext string, emit agent.Emit) (*agent.Result, error) {
	runCtx, cancelRun := context.WithCancelCause(ctx)
	defer cancelRun(nil)
	if s.cfg.ExecTimeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeoutCause(runCtx, s.cfg.ExecTimeout,
			fmt.Errorf("session exceeded %s", s.cfg.ExecTimeout))
		defer cancelTimeout()
	}

	sub, err := s.sessions.SubscribeCancel(ctx, rec.ID)
	if err != nil {
		slog.WarnContext(ctx, "cancel listener unavailable, session cannot be cancelled", "error", err)
	}

	// A cancel published before the subscription was live is only visible
	// on the record.
	if s.cancelled(ctx, rec.ID) {
		if sub != nil {
			_ = sub.Close()
		}
		return nil, errCancelled
	}

	var (
		res    *agent.Result
		runErr error
	)
	done := make(chan struct{})

	g, gctx := errgroup.WithContext(runCtx)
	if sub != nil {
		g.Go(func() error {
			defer sub.Close()
			select {
			case <-sub.Done():
				slog.InfoContext(ctx, "cancel received")
				cancelRun(errCancelled)
			case <-done:
			case <-gctx.Done():
			}
			return nil
		})
	}
	g.Go(func() error {
		defer close(done)
		res, runErr = s.runner.Run(runCtx, agent.Request{
			Prompt:      rec.Prompt,
			RepoContext: repoContext,
			MaxTurns:    rec.Options.MaxTurns,
		}, emit)
		return nil
	})
	_ = g.Wait()

	if runErr != nil {
		if cause := context.Cause(runCtx); cause != nil && runCtx.Err() != nil && ctx.Err() == nil {
			return res, cause
		}
	}
	return res, runErr
}

// finish records the outcome and emits the terminal event. A record that
// was cancelled concurrently keeps its cancelled state.
func (s *sessionService) finish(ctx context.Context, id string, turns int, runErr error, emit agent.Emit) {
	now := s.cfg.Clock.Now()
	if ctx.Err() != nil && runErr != nil && !errors.Is(runErr, errCancelled) {
		runErr = errClientGone
	}
	ctx = context.WithoutCancel(ctx)

	if runErr == nil {
		_, err := s.transition(ctx, id, func(r *model.SessionRecord) {
			r.Status = model.SessionStatusCompleted
			r.Turns = turns
		})
		if errors.Is(err, ErrSessionTerminal) {
			emit(sessionstream.ErrorEvent{At: now, Message: errCancelled.Error()})
			return
		}
		if err != nil {
			slog.ErrorContext(ctx, "failed to record session completion", "error", err)
		}
		slog.InfoContext(ctx, "session completed", "turns", turns)
		emit(sessionstream.Complete{At: now, Turns: turns})
		return
	}

	msg := userMessage(runErr)
	_, err := s.transition(ctx, id, func(r *model.SessionRecord) {
		r.Status = model.SessionStatusFailed
		r.Turns = turns
		r.Error = msg
	})
	if err != nil && !errors.Is(err, ErrSessionTerminal) {
		slog.ErrorContext(ctx, "failed to record session failure", "error", err)
	}

	if errors.Is(runErr, errCancelled) || errors.Is(runErr, errClientGone) {
		slog.InfoContext(ctx, "session cancelled", "turns", turns)
	} else {
		slog.WarnContext(ctx, "session failed", "turns", turns, "error", runErr)
	}
	emit(sessionstream.ErrorEvent{At: now, Message: msg})
}

func (s *sessionService) transition(ctx context.Context, id string, fn func(*model.SessionRecord)) (*model.SessionRecord, error) {
	rec, err := s.sessions.Update(ctx, id, func(r *model.SessionRecord) error {
		if r.Status.Terminal() {
			return ErrSessionTerminal
		}
		fn(r)
		r.UpdatedAt = s.cfg.Clock.Now()
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	return rec, err
}

// cancelled reports whether the stored record has already reached a
// terminal state. Read errors are treated as not cancelled.
func (s *sessionService) cancelled(ctx context.Context, id string) bool {
	rec, err := s.sessions.Get(ctx, id)
	if err != nil {
		return false
	}
	return rec.Status.Terminal()
}

func (s *sessionService) describeRepository(ctx context.Context, repo *model.SessionRepository) (string, error) {
	if s.credentials == nil {
		return "", ErrCredentialsMissing
	}

	fullName := RepoFullName(repo.URL, repo.Name)
	info, err := s.credentials.Repository(ctx, fullName)
	if err != nil {
		return "", err
	}

	branch := repo.Branch
	if branch == "" {
		branch = info.DefaultBranch
	}
	if branch == "" {
		return info.FullName, nil
	}
	return fmt.Sprintf("%s (branch %s)", info.FullName, branch), nil
}

func (s *sessionService) Cancel(ctx context.Context, id string) (*model.SessionRecord, error) {
	rec, err := s.transition(ctx, id, func(r *model.SessionRecord) {
		r.Status = model.SessionStatusCancelled
	})
	if err != nil {
		return nil, err
	}

	if err := s.sessions.PublishCancel(ctx, id); err != nil {
		slog.WarnContext(ctx, "cancel signal not delivered", "session_id", id, "error", err)
	}

	slog.InfoContext(ctx, "session cancel requested", "session_id", id)
	return rec, nil
}

func (s *sessionService) Get(ctx context.Context, id string) (*model.SessionRecord, error) {
	rec, err := s.sessions.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	return rec, err
}

func (s *sessionService) List(ctx context.Context, limit int) ([]model.SessionRecord, error) {
	return s.sessions.ListRecent(ctx, limit)
}

// userMessage maps internal failures onto text shown in the session.
func userMessage(err error) string {
	switch {
	case errors.Is(err, errCancelled), errors.Is(err, ErrSessionTerminal):
		return errCancelled.Error()
	case errors.Is(err, ErrCredentialsMissing):
		return "GitHub App is not configured. Complete setup at /gh-setup and try again."
	case errors.Is(err, ErrNotInstalled):
		return "GitHub App is not installed. Install it on the repository owner and try again."
	case errors.Is(err, ErrInstallationToken):
		return "Could not authenticate with GitHub. Try again in a moment."
	case errors.Is(err, ErrAgentDisabled):
		return "No language model is configured on this server."
	default:
		return err.Error()
	}
}
