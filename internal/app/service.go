package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"time"

	"opsboard/api/internal/auth"
	"opsboard/api/internal/config"
	"opsboard/api/internal/dispatch"
	"opsboard/api/internal/plan"
	"opsboard/api/internal/search"
	"opsboard/api/internal/session"
	"opsboard/api/internal/store"
	"opsboard/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	OrgID        string
	ExpiresAt    time.Time
}

type dataStore interface {
	EnsureUserByEmail(ctx context.Context, email, displayName string) (store.User, error)
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	ActiveOrgForUser(ctx context.Context, userID string) (string, error)
	GetOrganization(ctx context.Context, orgID string) (store.Organization, error)
	GetTeam(ctx context.Context, teamID string) (store.Team, error)
	GetMatter(ctx context.Context, orgID, matterID string) (store.Matter, error)
	MaxShortID(ctx context.Context, teamID string) (int64, error)
	Ping(ctx context.Context) error
}

// mailer is the slice of the email service the invite hook uses.
type mailer interface {
	IsConfigured() bool
	SendInviteEmail(to, userName, inviterName, orgName, boardURL string) error
}

type sessionStore interface {
	Save(ctx context.Context, tokenHash string, record session.Record, expiresAt time.Time) error
	Lookup(ctx context.Context, tokenHash string) (session.Record, error)
	Revoke(ctx context.Context, tokenHash string) error
	Ping(ctx context.Context) error
}

type Service struct {
	cfg        config.Config
	store      dataStore
	sessions   sessionStore
	gate       *plan.Gate
	dispatcher *dispatch.Dispatcher

	// Optional collaborators; each hook is a no-op when unset.
	search *search.Service
	mail   mailer
}

func New(cfg config.Config, dataStore *store.PostgresStore, sessions *session.RedisStore, gate *plan.Gate, dispatcher *dispatch.Dispatcher) *Service {
	return &Service{
		cfg:        cfg,
		store:      dataStore,
		sessions:   sessions,
		gate:       gate,
		dispatcher: dispatcher,
	}
}

// SetSearch wires the full-text search facade.
func (s *Service) SetSearch(svc *search.Service) {
	s.search = svc
}

// SetMailer wires the SMTP notifier.
func (s *Service) SetMailer(m mailer) {
	s.mail = m
}

func (s *Service) Login(ctx context.Context, email, name string) (Session, error) {
	if email == "" {
		return Session{}, domainError(422, "VALIDATION_ERROR", "email is required", nil)
	}
	if name == "" {
		name = "User"
	}

	user, err := s.store.EnsureUserByEmail(ctx, email, name)
	if err != nil {
		return Session{}, err
	}

	orgID, err := s.store.ActiveOrgForUser(ctx, user.ID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Session{}, err
	}

	return s.issueSession(ctx, user, orgID)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	record, err := s.sessions.Lookup(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.Revoke(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, record.UserID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user, record.OrgID)
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	return s.sessions.Revoke(ctx, auth.HashToken(refreshToken))
}

func (s *Service) issueSession(ctx context.Context, user store.User, orgID string) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)

	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:   user.ID,
		Name:  user.DisplayName,
		OrgID: orgID,
		JTI:   util.NewID("jti"),
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	record := session.Record{UserID: user.ID, OrgID: orgID}
	if err := s.sessions.Save(ctx, auth.HashToken(refresh), record, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		OrgID:        orgID,
		ExpiresAt:    expiresAt,
	}, nil
}

// TokenAuthenticator validates access tokens for the dispatcher. It is
// a standalone value so the dispatcher can be wired before the service
// that carries it.
type TokenAuthenticator struct {
	Secret []byte
}

func (a TokenAuthenticator) Authenticate(_ context.Context, token string) (dispatch.Identity, error) {
	claims, err := auth.ParseToken(a.Secret, token)
	if err != nil {
		return dispatch.Identity{}, err
	}
	return dispatch.Identity{UserID: claims.Sub, Name: claims.Name, OrgID: claims.OrgID}, nil
}

// Authenticate implements dispatch.Authenticator.
func (s *Service) Authenticate(ctx context.Context, token string) (dispatch.Identity, error) {
	return TokenAuthenticator{Secret: []byte(s.cfg.TokenSecret)}.Authenticate(ctx, token)
}

// Mutate submits one named mutation through the dispatcher. Side
// effects outside the transaction, search indexing and the invite
// email, run only after it committed.
func (s *Service) Mutate(ctx context.Context, token, name string, args json.RawMessage) (any, error) {
	result, err := s.dispatcher.Dispatch(ctx, token, name, args)
	if err != nil {
		return nil, err
	}
	s.afterMutation(ctx, token, name, result)
	return result, nil
}

// afterMutation feeds the search index and sends membership invites.
// Failures here are logged, never surfaced: the mutation already
// committed.
func (s *Service) afterMutation(ctx context.Context, token, name string, result any) {
	payload, ok := result.(map[string]any)
	if !ok {
		return
	}
	identity, err := s.Authenticate(ctx, token)
	if err != nil {
		return
	}
	orgID, err := s.orgForIdentity(ctx, identity)
	if err != nil {
		return
	}

	switch name {
	case "matter.create":
		if s.search == nil {
			return
		}
		s.search.IndexMatter(search.MatterRecord{
			ID:          stringField(payload, "id"),
			Title:       stringField(payload, "title"),
			DisplayCode: stringField(payload, "displayCode"),
			Status:      stringField(payload, "status"),
			TeamID:      stringField(payload, "teamId"),
			OrgID:       orgID,
		})
	case "matter.comment":
		if s.search == nil {
			return
		}
		s.search.IndexComment(search.CommentRecord{
			ID:       stringField(payload, "id"),
			Body:     stringField(payload, "body"),
			MatterID: stringField(payload, "matterId"),
			TeamID:   stringField(payload, "teamId"),
			OrgID:    orgID,
		})
	case "matter.approve":
		if s.search == nil {
			return
		}
		matter, err := s.store.GetMatter(ctx, orgID, stringField(payload, "id"))
		if err != nil {
			log.Printf("reindex approved matter: %v", err)
			return
		}
		s.search.IndexMatter(search.MatterRecord{
			ID:          matter.ID,
			Title:       matter.Title,
			DisplayCode: matter.DisplayCode,
			Status:      matter.Status,
			TeamID:      matter.TeamID,
			OrgID:       orgID,
		})
	case "matter.delete":
		if s.search == nil {
			return
		}
		s.search.DeleteMatter(stringField(payload, "id"))
	case "member.add":
		s.sendInvite(ctx, identity, orgID, stringField(payload, "userId"))
	}
}

func (s *Service) sendInvite(ctx context.Context, inviter dispatch.Identity, orgID, userID string) {
	if s.mail == nil || !s.mail.IsConfigured() || userID == "" {
		return
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		log.Printf("invite email: load user %s: %v", userID, err)
		return
	}
	org, err := s.store.GetOrganization(ctx, orgID)
	if err != nil {
		log.Printf("invite email: load org %s: %v", orgID, err)
		return
	}
	go func() {
		if err := s.mail.SendInviteEmail(user.Email, user.DisplayName, inviter.Name, org.Name, s.cfg.BaseURL); err != nil {
			log.Printf("invite email: send to %s: %v", user.Email, err)
		}
	}()
}

func stringField(payload map[string]any, key string) string {
	value, _ := payload[key].(string)
	return value
}

// Search runs a full-text query scoped to the caller's organization.
func (s *Service) Search(ctx context.Context, token string, q search.Query) (search.Response, error) {
	orgID, err := s.resolveOrg(ctx, token)
	if err != nil {
		return search.Response{}, err
	}
	q.OrgID = orgID
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}, nil
	}
	return s.search.Search(q), nil
}


// Limits returns the plan snapshot for the caller's active
// organization, consumed by the UI's billing and limit views.
func (s *Service) Limits(ctx context.Context, token string) (plan.Snapshot, error) {
	orgID, err := s.resolveOrg(ctx, token)
	if err != nil {
		return plan.Snapshot{}, err
	}
	return s.gate.Snapshot(ctx, orgID)
}

// HighWater serves the reseed read query: the highest non-deleted
// short ID in a team the caller can see.
func (s *Service) HighWater(ctx context.Context, token, teamID string) (int64, error) {
	identity, err := s.Authenticate(ctx, token)
	if err != nil {
		return 0, dispatch.ErrUnauthenticated
	}
	orgID, err := s.orgForIdentity(ctx, identity)
	if err != nil {
		return 0, err
	}

	team, err := s.store.GetTeam(ctx, teamID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, dispatch.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	if team.OrgID != orgID {
		return 0, dispatch.ErrNotFound
	}
	return s.store.MaxShortID(ctx, teamID)
}

func (s *Service) resolveOrg(ctx context.Context, token string) (string, error) {
	identity, err := s.Authenticate(ctx, token)
	if err != nil {
		return "", dispatch.ErrUnauthenticated
	}
	return s.orgForIdentity(ctx, identity)
}

func (s *Service) orgForIdentity(ctx context.Context, identity dispatch.Identity) (string, error) {
	if identity.OrgID != "" {
		return identity.OrgID, nil
	}
	orgID, err := s.store.ActiveOrgForUser(ctx, identity.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", dispatch.ErrNoActiveOrg
	}
	if err != nil {
		return "", err
	}
	return orgID, nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) PingSessions(ctx context.Context) error {
	if s.sessions == nil {
		return nil
	}
	return s.sessions.Ping(ctx)
}
