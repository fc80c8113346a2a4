// Package dispatcher sends one campaign to its recipient snapshot and records
// the outcome of every recipient.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"mailpilot/campaign"
	"mailpilot/lock"
	"mailpilot/mailer"
	"mailpilot/models"
	"mailpilot/worker"

	"github.com/sirupsen/logrus"
)

var (
	ErrCampaignNotFound = errors.New("campaign not found")
	ErrNotStarted       = errors.New("campaign has not been started")
	// ErrLogNotPending is returned by Store.MarkLog for a log that is already final
	ErrLogNotPending = errors.New("email log is not pending")
	// ErrUnrecorded means some outcomes could not be written; the job should be retried
	ErrUnrecorded = errors.New("recipient outcomes not recorded")
)

// Reason recorded on logs left pending by a dispatch that never finished
const interruptedReason = "interrupted before delivery was confirmed"

const progressEvery = 10

const markAttempts = 3

// Recipient is one member of the snapshot
type Recipient struct {
	ContactID uint
	Email     string
	Name      string
}

// Store is the persistence the dispatcher needs. Get* return nil, nil when
// the row does not exist.
type Store interface {
	GetCampaign(ctx context.Context, id uint) (*models.EmailCampaign, error)
	GetTemplate(ctx context.Context, id uint) (*models.EmailTemplate, error)
	GetGroup(ctx context.Context, id uint) (*models.Group, error)
	// Recipients lists members whose membership began at or before asOf, oldest first
	Recipients(ctx context.Context, groupID uint, asOf time.Time) ([]Recipient, error)
	SetTotalRecipients(ctx context.Context, campaignID uint, total int) error
	SaveProgress(ctx context.Context, campaignID uint, sent, failed int) error

	ListLogs(ctx context.Context, campaignID uint) ([]models.EmailLog, error)
	CreateLog(ctx context.Context, log *models.EmailLog) error
	MarkLog(ctx context.Context, logID uint, status models.EmailLogStatus, errMsg string, sentAt *time.Time) error
}

// Lifecycle finishes a campaign; implemented by campaign.StateMachine
type Lifecycle interface {
	Complete(ctx context.Context, id uint, sent, failed int) (models.CampaignStatus, error)
	Abort(ctx context.Context, id uint, total int, reason string) error
}

type Options struct {
	SendTimeout time.Duration
	Concurrency int
	LockTTL     time.Duration
	FromEmail   string
	FromName    string
}

// RecipientResult is the tagged outcome for one recipient
type RecipientResult struct {
	Email      string                `json:"email"`
	ContactID  uint                  `json:"contact_id"`
	Status     models.EmailLogStatus `json:"status"`
	Err        error                 `json:"-"`
	Resumed    bool                  `json:"resumed,omitempty"`    // outcome came from an earlier run
	Unrecorded bool                  `json:"unrecorded,omitempty"` // log row is still pending
}

// Result summarises one Run
type Result struct {
	CampaignID uint                  `json:"campaign_id"`
	Status     models.CampaignStatus `json:"status"`
	Total      int                   `json:"total"`
	Sent       int                   `json:"sent"`
	Failed     int                   `json:"failed"`
	Recipients []RecipientResult     `json:"recipients,omitempty"`
	Skipped    bool                  `json:"skipped,omitempty"` // nothing to do
}

type Dispatcher struct {
	store     Store
	lifecycle Lifecycle
	transport mailer.Transport
	locker    lock.Locker
	opts      Options
	logger    *logrus.Entry
	now       func() time.Time
	backoff   time.Duration
}

func NewDispatcher(store Store, lifecycle Lifecycle, transport mailer.Transport, locker lock.Locker, opts Options, logger *logrus.Entry) *Dispatcher {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 30 * time.Second
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 2 * time.Minute
	}
	return &Dispatcher{
		store:     store,
		lifecycle: lifecycle,
		transport: transport,
		locker:    locker,
		opts:      opts,
		logger:    logger,
		now:       time.Now,
		backoff:   200 * time.Millisecond,
	}
}

// Run dispatches campaignID. Redelivered jobs resume from the stored logs;
// terminal campaigns and campaigns locked by another worker are no-ops.
func (d *Dispatcher) Run(ctx context.Context, campaignID uint) (*Result, error) {
	log := d.logger.WithField("campaign_id", campaignID)

	lk, ok, err := d.locker.TryAcquire(ctx, fmt.Sprintf("campaign:%d", campaignID), d.opts.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("locking campaign %d: %w", campaignID, err)
	}
	if !ok {
		log.Info("campaign is being dispatched by another worker")
		return &Result{CampaignID: campaignID, Skipped: true}, nil
	}
	stop := d.keepAlive(ctx, lk, log)
	defer func() {
		stop()
		if err := lk.Release(context.WithoutCancel(ctx)); err != nil {
			log.WithError(err).Warn("failed to release campaign lock")
		}
	}()

	c, err := d.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("loading campaign %d: %w", campaignID, err)
	}
	if c == nil {
		return nil, worker.Fatal(fmt.Errorf("%w: %d", ErrCampaignNotFound, campaignID))
	}
	switch {
	case c.Status.IsTerminal():
		log.WithField("status", c.Status).Info("campaign already finished")
		return &Result{CampaignID: c.ID, Status: c.Status, Total: c.TotalRecipients, Sent: c.SentCount, Failed: c.FailedCount, Skipped: true}, nil
	case c.Status != models.CampaignSending:
		return nil, worker.Fatal(fmt.Errorf("%w: %d is %s", ErrNotStarted, c.ID, c.Status))
	}

	plan, err := d.prepare(ctx, c)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		total := c.TotalRecipients
		if plan != nil {
			total = len(plan.recipients)
		}
		log.WithError(err).Error("campaign cannot be dispatched")
		if aerr := d.lifecycle.Abort(context.WithoutCancel(ctx), c.ID, total, err.Error()); aerr != nil && !errors.Is(aerr, campaign.ErrNotSending) {
			return nil, fmt.Errorf("aborting campaign %d: %w", c.ID, aerr)
		}
		return &Result{CampaignID: c.ID, Status: models.CampaignFailed, Total: total, Failed: total}, worker.Fatal(err)
	}

	res, err := d.send(ctx, c, plan, log)
	if err != nil {
		return res, err
	}

	status, err := d.lifecycle.Complete(context.WithoutCancel(ctx), c.ID, res.Sent, res.Failed)
	if errors.Is(err, campaign.ErrNotSending) {
		log.Warn("campaign was finished elsewhere")
		return res, nil
	}
	if err != nil {
		return res, err
	}
	res.Status = status

	log.WithFields(logrus.Fields{
		"status": status,
		"total":  res.Total,
		"sent":   res.Sent,
		"failed": res.Failed,
	}).Info("campaign dispatch finished")
	return res, nil
}

type dispatchPlan struct {
	template   *models.EmailTemplate
	compiled   *mailer.Compiled
	recipients []Recipient
	subject    string
	fromName   string
	replyTo    string
}

// prepare loads everything a dispatch needs. A non-nil plan with an error
// carries the recipient snapshot when that much could be resolved.
func (d *Dispatcher) prepare(ctx context.Context, c *models.EmailCampaign) (*dispatchPlan, error) {
	group, err := d.store.GetGroup(ctx, c.GroupID)
	if err != nil {
		return nil, fmt.Errorf("loading group %d: %w", c.GroupID, err)
	}
	if group == nil || group.UserID != c.UserID {
		return nil, fmt.Errorf("group %d not found", c.GroupID)
	}

	asOf := d.now()
	if c.StartedAt != nil {
		asOf = *c.StartedAt
	}
	recipients, err := d.store.Recipients(ctx, group.ID, asOf)
	if err != nil {
		return nil, fmt.Errorf("resolving recipients: %w", err)
	}
	plan := &dispatchPlan{recipients: recipients}
	if err := d.store.SetTotalRecipients(ctx, c.ID, len(recipients)); err != nil {
		return plan, fmt.Errorf("saving recipient count: %w", err)
	}
	c.TotalRecipients = len(recipients)

	tpl, err := d.store.GetTemplate(ctx, c.EmailTemplateID)
	if err != nil {
		return plan, fmt.Errorf("loading template %d: %w", c.EmailTemplateID, err)
	}
	if tpl == nil || tpl.UserID != c.UserID {
		return plan, fmt.Errorf("template %d not found", c.EmailTemplateID)
	}
	plan.template = tpl

	plan.subject = firstNonEmpty(c.Subject, tpl.Subject)
	plan.fromName = firstNonEmpty(c.FromName, tpl.FromName, d.opts.FromName)
	plan.replyTo = firstNonEmpty(c.ReplyToEmail, tpl.ReplyToEmail)

	compiled, err := mailer.Compile(plan.subject, tpl.HTMLContent)
	if err != nil {
		return plan, fmt.Errorf("template %d: %w", tpl.ID, err)
	}
	plan.compiled = compiled
	return plan, nil
}

func (d *Dispatcher) send(ctx context.Context, c *models.EmailCampaign, plan *dispatchPlan, log *logrus.Entry) (*Result, error) {
	// storage writes must land even when the worker is shutting down
	bg := context.WithoutCancel(ctx)

	previous, err := d.store.ListLogs(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("loading existing logs: %w", err)
	}
	byEmail := make(map[string]models.EmailLog, len(previous))
	for _, l := range previous {
		byEmail[l.Email] = l
	}

	res := &Result{
		CampaignID: c.ID,
		Total:      len(plan.recipients),
		Recipients: make([]RecipientResult, len(plan.recipients)),
	}
	tally := &progress{store: d.store, campaignID: c.ID, log: log}

	var (
		wg  sync.WaitGroup
		sem = make(chan struct{}, d.opts.Concurrency)
	)
	resumed := 0
	for i, r := range plan.recipients {
		if prev, ok := byEmail[r.Email]; ok {
			res.Recipients[i] = d.resume(bg, prev, r, log)
			tally.add(bg, res.Recipients[i].Status)
			resumed++
			continue
		}
		if ctx.Err() != nil {
			break
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(i int, r Recipient) {
			defer wg.Done()
			defer func() { <-sem }()
			res.Recipients[i] = d.deliver(ctx, bg, c, plan, r)
			tally.add(bg, res.Recipients[i].Status)
		}(i, r)
	}
	wg.Wait()

	if resumed > 0 {
		log.WithField("resumed", resumed).Info("resumed campaign from existing logs")
	}
	if err := ctx.Err(); err != nil {
		// unfinished recipients are picked up on redelivery
		return nil, err
	}

	res.Sent, res.Failed = tally.counts()

	unrecorded := 0
	for _, r := range res.Recipients {
		if r.Unrecorded {
			unrecorded++
		}
	}
	if unrecorded > 0 {
		// completing now would leave pending logs under a finished campaign
		log.WithField("unrecorded", unrecorded).Error("campaign left sending until every outcome is recorded")
		return res, fmt.Errorf("%d of %d: %w", unrecorded, res.Total, ErrUnrecorded)
	}
	return res, nil
}

// resume reports a recipient already handled by an earlier run. A log still
// pending means the earlier run died mid-send; it is failed rather than re-sent.
func (d *Dispatcher) resume(ctx context.Context, prev models.EmailLog, r Recipient, log *logrus.Entry) RecipientResult {
	out := RecipientResult{Email: r.Email, ContactID: r.ContactID, Status: prev.Status, Resumed: true}
	switch prev.Status {
	case models.EmailFailed:
		out.Err = errors.New(prev.ErrorMessage)
	case models.EmailPending:
		if err := d.mark(ctx, prev.ID, models.EmailFailed, interruptedReason, nil); err != nil {
			log.WithError(err).WithField("email_log_id", prev.ID).Error("failed to close interrupted log")
			out.Unrecorded = true
		}
		out.Status = models.EmailFailed
		out.Err = errors.New(interruptedReason)
	}
	return out
}

func (d *Dispatcher) deliver(ctx, bg context.Context, c *models.EmailCampaign, plan *dispatchPlan, r Recipient) RecipientResult {
	out := RecipientResult{Email: r.Email, ContactID: r.ContactID, Status: models.EmailFailed}

	contactID := r.ContactID
	entry := &models.EmailLog{
		EmailCampaignID: c.ID,
		EmailTemplateID: plan.template.ID,
		ContactID:       &contactID,
		Email:           r.Email,
		Subject:         plan.subject,
		Status:          models.EmailPending,
	}
	if err := d.store.CreateLog(bg, entry); err != nil {
		out.Err = fmt.Errorf("recording send: %w", err)
		return out
	}

	err := d.sendOne(ctx, c, plan, r)
	if err != nil {
		out.Err = err
		if merr := d.mark(bg, entry.ID, models.EmailFailed, err.Error(), nil); merr != nil {
			d.logger.WithError(merr).WithField("email_log_id", entry.ID).Error("failed to record send failure")
			out.Unrecorded = true
		}
		return out
	}

	sentAt := d.now()
	if merr := d.mark(bg, entry.ID, models.EmailSent, "", &sentAt); merr != nil {
		// the message went out; the pending row is failed on resume
		d.logger.WithError(merr).WithField("email_log_id", entry.ID).Error("failed to record send success")
		out.Unrecorded = true
	}
	out.Status = models.EmailSent
	return out
}

// mark finalises a log, retrying transient store errors with linear backoff
func (d *Dispatcher) mark(ctx context.Context, logID uint, status models.EmailLogStatus, errMsg string, sentAt *time.Time) error {
	var err error
	for attempt := 1; attempt <= markAttempts; attempt++ {
		err = d.store.MarkLog(ctx, logID, status, errMsg, sentAt)
		if err == nil || errors.Is(err, ErrLogNotPending) {
			return err
		}
		if attempt < markAttempts {
			time.Sleep(time.Duration(attempt) * d.backoff)
		}
	}
	return err
}

func (d *Dispatcher) sendOne(ctx context.Context, c *models.EmailCampaign, plan *dispatchPlan, r Recipient) error {
	subject, html, err := plan.compiled.Render(mailer.RecipientVars(r.Name, r.Email))
	if err != nil {
		return err
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.opts.SendTimeout)
	defer cancel()

	return d.transport.Send(sendCtx, mailer.Message{
		To:        r.Email,
		ToName:    r.Name,
		Subject:   subject,
		HTMLBody:  html,
		FromName:  plan.fromName,
		FromEmail: d.opts.FromEmail,
		ReplyTo:   plan.replyTo,
		Headers:   map[string]string{mailer.CampaignHeader: fmt.Sprint(c.ID)},
	})
}

// keepAlive extends lk until the returned stop is called
func (d *Dispatcher) keepAlive(ctx context.Context, lk lock.Lock, log *logrus.Entry) func() {
	done := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(d.opts.LockTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := lk.Extend(ctx, d.opts.LockTTL); err != nil {
					log.WithError(err).Warn("failed to extend campaign lock")
				}
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

// progress keeps the running counts and persists them periodically
type progress struct {
	mu         sync.Mutex
	sent       int
	failed     int
	store      Store
	campaignID uint
	log        *logrus.Entry
}

func (p *progress) add(ctx context.Context, status models.EmailLogStatus) {
	p.mu.Lock()
	if status == models.EmailSent {
		p.sent++
	} else {
		p.failed++
	}
	sent, failed := p.sent, p.failed
	p.mu.Unlock()

	if (sent+failed)%progressEvery == 0 {
		if err := p.store.SaveProgress(ctx, p.campaignID, sent, failed); err != nil {
			p.log.WithError(err).Warn("failed to save campaign progress")
		}
	}
}

func (p *progress) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent, p.failed
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
