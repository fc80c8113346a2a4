// Package quota decides whether a user's plan allows one more unit of a resource.
//
// Usage is counted live from storage on every check. Two concurrent actions by
// the same user can both pass a check at limit-1; the check is advisory and
// stops the common case of a user stepping over their quota one action at a time.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mailpilot/models"

	"github.com/sirupsen/logrus"
)

// ErrNoActivePlan means the user has no current subscription and no default plan exists
var ErrNoActivePlan = errors.New("quota: no active subscription plan")

// UsageCounter counts a user's current consumption per resource
type UsageCounter interface {
	CountTemplates(ctx context.Context, userID uint) (int64, error)
	CountContacts(ctx context.Context, userID uint) (int64, error)
	// CountEmails counts email log rows created in [from, to)
	CountEmails(ctx context.Context, userID uint, from, to time.Time) (int64, error)
}

// PlanResolver returns the plan that currently governs a user, or nil when none does
type PlanResolver interface {
	EffectivePlan(ctx context.Context, userID uint, at time.Time) (*models.SubscriptionPlan, error)
}

// Decision is the outcome of one check
type Decision struct {
	Allowed      bool                `json:"allowed"`
	Kind         models.ResourceKind `json:"limit_type"`
	CurrentUsage int64               `json:"current_usage"`
	Limit        int                 `json:"limit"` // 0 = unlimited
	Unlimited    bool                `json:"unlimited"`
}

// ExceededError carries a denied Decision through error returns
type ExceededError struct {
	Decision Decision
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for %s: %d of %d used", e.Decision.Kind, e.Decision.CurrentUsage, e.Decision.Limit)
}

// Evaluator checks usage against plan limits
type Evaluator struct {
	usage  UsageCounter
	plans  PlanResolver
	logger *logrus.Entry
	now    func() time.Time
}

func NewEvaluator(usage UsageCounter, plans PlanResolver, logger *logrus.Entry) *Evaluator {
	return &Evaluator{
		usage:  usage,
		plans:  plans,
		logger: logger,
		now:    time.Now,
	}
}

// CheckLimit decides whether user may consume one more unit of kind
func (e *Evaluator) CheckLimit(ctx context.Context, user *models.User, kind models.ResourceKind) (Decision, error) {
	if user.IsAdmin {
		return Decision{Allowed: true, Kind: kind, Unlimited: true}, nil
	}

	plan, err := e.plan(ctx, user.ID)
	if err != nil {
		return Decision{Kind: kind}, err
	}
	return e.decide(ctx, user.ID, plan, kind)
}

// Enforce is CheckLimit folded into a single error: *ExceededError when denied
func (e *Evaluator) Enforce(ctx context.Context, user *models.User, kind models.ResourceKind) error {
	d, err := e.CheckLimit(ctx, user, kind)
	if err != nil {
		return err
	}
	if !d.Allowed {
		return &ExceededError{Decision: d}
	}
	return nil
}

// Report returns the decision for every resource kind
func (e *Evaluator) Report(ctx context.Context, user *models.User) (*models.SubscriptionPlan, []Decision, error) {
	plan, err := e.plan(ctx, user.ID)
	if err != nil && !(user.IsAdmin && errors.Is(err, ErrNoActivePlan)) {
		return nil, nil, err
	}

	out := make([]Decision, 0, len(models.ResourceKinds))
	for _, kind := range models.ResourceKinds {
		if plan == nil {
			// admin without a plan: usage is still useful to show
			used, err := e.count(ctx, user.ID, kind)
			if err != nil {
				return nil, nil, err
			}
			out = append(out, Decision{Allowed: true, Kind: kind, CurrentUsage: used, Unlimited: true})
			continue
		}
		d, err := e.decide(ctx, user.ID, plan, kind)
		if err != nil {
			return nil, nil, err
		}
		if user.IsAdmin {
			d.Allowed = true
		}
		out = append(out, d)
	}
	return plan, out, nil
}

func (e *Evaluator) plan(ctx context.Context, userID uint) (*models.SubscriptionPlan, error) {
	plan, err := e.plans.EffectivePlan(ctx, userID, e.now())
	if err != nil {
		return nil, fmt.Errorf("resolving plan for user %d: %w", userID, err)
	}
	if plan == nil {
		return nil, ErrNoActivePlan
	}
	return plan, nil
}

func (e *Evaluator) decide(ctx context.Context, userID uint, plan *models.SubscriptionPlan, kind models.ResourceKind) (Decision, error) {
	limit := plan.LimitFor(kind)
	d := Decision{Kind: kind, Limit: limit}

	used, err := e.count(ctx, userID, kind)
	if err != nil {
		return d, err
	}
	d.CurrentUsage = used

	if limit == 0 {
		d.Allowed = true
		d.Unlimited = true
		return d, nil
	}
	d.Allowed = used < int64(limit)

	if !d.Allowed {
		e.logger.WithFields(logrus.Fields{
			"user_id": userID,
			"kind":    kind,
			"usage":   used,
			"limit":   limit,
			"plan":    plan.Name,
		}).Info("quota limit reached")
	}
	return d, nil
}

func (e *Evaluator) count(ctx context.Context, userID uint, kind models.ResourceKind) (int64, error) {
	var (
		n   int64
		err error
	)
	switch kind {
	case models.ResourceTemplates:
		n, err = e.usage.CountTemplates(ctx, userID)
	case models.ResourceContacts:
		n, err = e.usage.CountContacts(ctx, userID)
	case models.ResourceEmails:
		from, to := MonthBounds(e.now())
		n, err = e.usage.CountEmails(ctx, userID, from, to)
	default:
		return 0, fmt.Errorf("unknown resource kind %q", kind)
	}
	if err != nil {
		return 0, fmt.Errorf("counting %s for user %d: %w", kind, userID, err)
	}
	return n, nil
}

// MonthBounds returns the start of t's calendar month and of the next one, in t's location
func MonthBounds(t time.Time) (time.Time, time.Time) {
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
	return start, start.AddDate(0, 1, 0)
}
