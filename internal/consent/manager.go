// Package consent governs whether a parent account may see a child
// account's activity. A link starts PENDING and only the linked child can
// approve it or decline it; declining deletes the link.
package consent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"repetitor/internal/apperr"
	"repetitor/internal/metrics"
	"repetitor/internal/storage"
)

const (
	DecisionApprove = "approve"
	DecisionDecline = "decline"

	activityWindow    = 30 * 24 * time.Hour
	recentActivityMax = 20
	maxChildNameRunes = 100
	minGrade          = 1
	maxGrade          = 11
)

var (
	ErrNoPendingRequest = errors.New("no pending consent request")
	ErrAlreadyLinked    = errors.New("child already linked")
	ErrNotLinked        = errors.New("no approved consent link")
)

type Store interface {
	GetAccount(ctx context.Context, id string) (storage.Account, error)
	CreateConsentLink(ctx context.Context, l storage.ConsentLink) error
	FindConsentLink(ctx context.Context, parentID, childID string) (storage.ConsentLink, error)
	ListPendingForChild(ctx context.Context, childID string) ([]storage.ConsentLinkWithParent, error)
	ListLinksForChild(ctx context.Context, childID string) ([]storage.ConsentLinkWithParent, error)
	ListLinksForParent(ctx context.Context, parentID string) ([]storage.ConsentLink, error)
	ApproveConsentLink(ctx context.Context, id, childID string, at time.Time) error
	DeletePendingConsentLink(ctx context.Context, id, childID string) error
	HasApprovedLink(ctx context.Context, parentID, childID string) (bool, error)
	InteractionsSince(ctx context.Context, accountID string, since time.Time) ([]storage.Interaction, error)
	LogAction(ctx context.Context, e storage.AuditEntry) error
}

// Notifier tells a child that a parent asked to monitor them. Delivery is
// best effort.
type Notifier interface {
	ConsentRequested(ctx context.Context, parent, child storage.Account, link storage.ConsentLink) error
}

type Config struct {
	Store    Store
	Notifier Notifier
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

type Manager struct {
	store    Store
	notifier Notifier
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewManager(cfg Config) *Manager {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Global()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		store:    cfg.Store,
		notifier: cfg.Notifier,
		logger:   cfg.Logger.With().Str("component", "consent").Logger(),
		metrics:  cfg.Metrics,
		now:      cfg.Now,
	}
}

type LinkRequest struct {
	ChildID   string
	ChildName string
	Grade     int
}

// RequestLink creates a PENDING link from a parent to a student.
func (m *Manager) RequestLink(ctx context.Context, parentID string, req LinkRequest) (storage.ConsentLink, error) {
	req.ChildName = strings.TrimSpace(req.ChildName)
	if n := utf8.RuneCountInString(req.ChildName); n == 0 || n > maxChildNameRunes {
		return storage.ConsentLink{}, apperr.Validation("name", "name must be 1-100 characters")
	}
	if req.Grade < minGrade || req.Grade > maxGrade {
		return storage.ConsentLink{}, apperr.Validation("grade", "grade must be between 1 and 11")
	}
	req.ChildID = strings.TrimSpace(req.ChildID)
	if req.ChildID == "" {
		return storage.ConsentLink{}, apperr.Validation("childUserId", "child id is required")
	}

	parent, err := m.store.GetAccount(ctx, parentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.ConsentLink{}, apperr.New(apperr.KindUnauthorized, err)
		}
		return storage.ConsentLink{}, fmt.Errorf("load parent: %w", err)
	}
	if parent.Role != storage.RoleParent {
		return storage.ConsentLink{}, apperr.Forbidden("only parents can link children")
	}
	if parentID == req.ChildID {
		return storage.ConsentLink{}, apperr.Validation("childUserId", "cannot link to self")
	}

	child, err := m.store.GetAccount(ctx, req.ChildID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.ConsentLink{}, apperr.New(apperr.KindNotFound, fmt.Errorf("child account: %w", err))
		}
		return storage.ConsentLink{}, fmt.Errorf("load child: %w", err)
	}
	if child.Role != storage.RoleStudent {
		return storage.ConsentLink{}, apperr.Validation("childUserId", "only students can be linked")
	}

	link := storage.ConsentLink{
		ID:        uuid.NewString(),
		ParentID:  parentID,
		ChildID:   req.ChildID,
		ChildName: req.ChildName,
		Grade:     req.Grade,
		Status:    storage.ConsentPending,
		CreatedAt: m.now().UTC(),
	}
	if err := m.store.CreateConsentLink(ctx, link); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return storage.ConsentLink{}, apperr.New(apperr.KindConflict, ErrAlreadyLinked)
		}
		return storage.ConsentLink{}, fmt.Errorf("create consent link: %w", err)
	}
	m.metrics.ConsentTransitions.WithLabelValues("request").Inc()
	m.audit(ctx, parentID, "consent.request", link)

	if m.notifier != nil {
		if err := m.notifier.ConsentRequested(ctx, parent, child, link); err != nil {
			m.logger.Warn().Err(err).Str("link_id", link.ID).Msg("consent request notification failed")
		}
	}
	return link, nil
}

type Response struct {
	CallerID string
	ChildID  string
	// ParentID selects the link when the child has several pending requests.
	ParentID string
	Decision string
}

// Respond applies the child's decision to a pending link. The caller must be
// the linked child; the store update is conditional on PENDING, so a second
// approval finds nothing to change.
func (m *Manager) Respond(ctx context.Context, r Response) (storage.ConsentLink, error) {
	if r.CallerID == "" || r.CallerID != r.ChildID {
		return storage.ConsentLink{}, apperr.Forbidden("only the linked child may respond")
	}
	decision := strings.ToLower(strings.TrimSpace(r.Decision))
	if decision != DecisionApprove && decision != DecisionDecline {
		return storage.ConsentLink{}, apperr.Validation("consent", "consent must be approve or decline")
	}

	pending, err := m.store.ListPendingForChild(ctx, r.ChildID)
	if err != nil {
		return storage.ConsentLink{}, fmt.Errorf("list pending links: %w", err)
	}
	var candidates []storage.ConsentLink
	for _, l := range pending {
		if r.ParentID == "" || l.ParentID == r.ParentID {
			candidates = append(candidates, l.ConsentLink)
		}
	}
	switch len(candidates) {
	case 0:
		return storage.ConsentLink{}, apperr.New(apperr.KindNotFound, ErrNoPendingRequest)
	case 1:
	default:
		return storage.ConsentLink{}, apperr.Validation("parentId", "several pending requests, parentId is required")
	}
	link := candidates[0]

	now := m.now().UTC()
	switch decision {
	case DecisionApprove:
		err = m.store.ApproveConsentLink(ctx, link.ID, r.ChildID, now)
	default:
		err = m.store.DeletePendingConsentLink(ctx, link.ID, r.ChildID)
	}
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.ConsentLink{}, apperr.New(apperr.KindNotFound, ErrNoPendingRequest)
		}
		if errors.Is(err, storage.ErrConflict) {
			return storage.ConsentLink{}, apperr.New(apperr.KindPersistenceConflict, err)
		}
		return storage.ConsentLink{}, fmt.Errorf("%s consent: %w", decision, err)
	}

	if decision == DecisionApprove {
		link.Status = storage.ConsentApproved
		link.ConsentedAt = &now
	}
	m.metrics.ConsentTransitions.WithLabelValues(decision).Inc()
	m.audit(ctx, r.ChildID, "consent."+decision, link)
	return link, nil
}

// Pending lists the child's own pending requests with the requesting parent.
func (m *Manager) Pending(ctx context.Context, childID string) ([]storage.ConsentLinkWithParent, error) {
	return m.store.ListPendingForChild(ctx, childID)
}

// Children lists a parent's links in every state.
func (m *Manager) Children(ctx context.Context, parentID string) ([]storage.ConsentLink, error) {
	parent, err := m.store.GetAccount(ctx, parentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperr.New(apperr.KindUnauthorized, err)
		}
		return nil, fmt.Errorf("load parent: %w", err)
	}
	if parent.Role != storage.RoleParent {
		return nil, apperr.Forbidden("only parents have linked children")
	}
	return m.store.ListLinksForParent(ctx, parentID)
}

// AuthorizeView fails with Forbidden unless an APPROVED link exists.
func (m *Manager) AuthorizeView(ctx context.Context, parentID, childID string) error {
	ok, err := m.store.HasApprovedLink(ctx, parentID, childID)
	if err != nil {
		return fmt.Errorf("check consent: %w", err)
	}
	if !ok {
		return apperr.New(apperr.KindForbidden, ErrNotLinked)
	}
	return nil
}

type ChildInfo struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Grade int    `json:"grade"`
}

type Stats struct {
	TotalInteractions int      `json:"totalInteractions"`
	SubjectsStudied   int      `json:"subjectsStudied"`
	Subjects          []string `json:"subjects"`
	NeedsReview       int      `json:"needsReview"`
}

type ActivityItem struct {
	Subject     string    `json:"subject"`
	Grade       int       `json:"grade"`
	UserMessage string    `json:"userMessage"`
	AIResponse  string    `json:"aiResponse"`
	Confidence  float64   `json:"confidence"`
	NeedsReview bool      `json:"needsReview"`
	Timestamp   time.Time `json:"timestamp"`
}

type Activity struct {
	Child          ChildInfo      `json:"child"`
	Stats          Stats          `json:"stats"`
	RecentActivity []ActivityItem `json:"recentActivity"`
}

// Activity returns the child's last 30 days for a parent holding an APPROVED
// link. No child data is read before the consent check passes.
func (m *Manager) Activity(ctx context.Context, parentID, childID string) (Activity, error) {
	if err := m.AuthorizeView(ctx, parentID, childID); err != nil {
		return Activity{}, err
	}
	link, err := m.store.FindConsentLink(ctx, parentID, childID)
	if err != nil {
		return Activity{}, fmt.Errorf("load consent link: %w", err)
	}

	items, err := m.store.InteractionsSince(ctx, childID, m.now().Add(-activityWindow))
	if err != nil {
		return Activity{}, fmt.Errorf("load interactions: %w", err)
	}

	seen := map[string]bool{}
	subjects := make([]string, 0)
	review := 0
	for _, in := range items {
		if !seen[in.Subject] {
			seen[in.Subject] = true
			subjects = append(subjects, in.Subject)
		}
		if in.NeedsReview {
			review++
		}
	}
	sort.Strings(subjects)

	recent := items
	if len(recent) > recentActivityMax {
		recent = recent[:recentActivityMax]
	}
	out := Activity{
		Child: ChildInfo{ID: link.ChildID, Name: link.ChildName, Grade: link.Grade},
		Stats: Stats{
			TotalInteractions: len(items),
			SubjectsStudied:   len(subjects),
			Subjects:          subjects,
			NeedsReview:       review,
		},
		RecentActivity: make([]ActivityItem, 0, len(recent)),
	}
	for _, in := range recent {
		out.RecentActivity = append(out.RecentActivity, ActivityItem{
			Subject:     in.Subject,
			Grade:       in.Grade,
			UserMessage: in.UserMessage,
			AIResponse:  in.AIResponse,
			Confidence:  in.Confidence,
			NeedsReview: in.NeedsReview,
			Timestamp:   in.CreatedAt,
		})
	}
	return out, nil
}

type Monitor struct {
	ParentName  string     `json:"parentName"`
	ParentEmail string     `json:"parentEmail"`
	Status      string     `json:"status"`
	RequestedAt time.Time  `json:"requestedAt"`
	ConsentedAt *time.Time `json:"consentedAt,omitempty"`
}

// MonitoringStatus lists who monitors, or asked to monitor, a student.
func (m *Manager) MonitoringStatus(ctx context.Context, childID string) ([]Monitor, error) {
	links, err := m.store.ListLinksForChild(ctx, childID)
	if err != nil {
		return nil, fmt.Errorf("list links for child: %w", err)
	}
	out := make([]Monitor, 0, len(links))
	for _, l := range links {
		out = append(out, Monitor{
			ParentName:  l.ParentName,
			ParentEmail: l.ParentEmail,
			Status:      l.Status,
			RequestedAt: l.CreatedAt,
			ConsentedAt: l.ConsentedAt,
		})
	}
	return out, nil
}

func (m *Manager) audit(ctx context.Context, accountID, action string, link storage.ConsentLink) {
	meta, _ := json.Marshal(map[string]string{
		"linkId":   link.ID,
		"parentId": link.ParentID,
		"childId":  link.ChildID,
	})
	if err := m.store.LogAction(ctx, storage.AuditEntry{
		AccountID: accountID,
		Action:    action,
		MetaJSON:  string(meta),
		CreatedAt: m.now().UTC(),
	}); err != nil {
		m.logger.Warn().Err(err).Str("action", action).Msg("audit log write failed")
	}
}
