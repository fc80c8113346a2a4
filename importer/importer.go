// Package importer turns an uploaded contact file into contacts owned by a template's user.
package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"mailpilot/models"
	"mailpilot/storage"
	"mailpilot/worker"

	"github.com/badoux/checkmail"
	"github.com/sirupsen/logrus"
)

// MaxRowErrors caps the row errors kept in a Summary. Counts are never capped.
const MaxRowErrors = 100

var (
	ErrTemplateNotFound = errors.New("template not found")
	ErrNoHeader         = errors.New("file has no header row")
	ErrNoEmailColumn    = errors.New("header has no email column")
)

// Job identifies one import run
type Job struct {
	TemplateID uint   `json:"template_id"`
	UserID     uint   `json:"user_id"`
	FileRef    string `json:"file_ref"`
	GroupID    *uint  `json:"group_id,omitempty"`
}

// RowError describes why a single row was not imported
type RowError struct {
	Row     int    `json:"row"` // 1-based, header is row 1
	Email   string `json:"email,omitempty"`
	Message string `json:"message"`
}

// Summary is the outcome of a completed import
type Summary struct {
	Processed int        `json:"processed"`
	Imported  int        `json:"imported"`
	Skipped   int        `json:"skipped"`
	Failed    int        `json:"failed"`
	Errors    []RowError `json:"errors"`
}

func (s *Summary) addError(row int, email, msg string) {
	s.Failed++
	if len(s.Errors) < MaxRowErrors {
		s.Errors = append(s.Errors, RowError{Row: row, Email: email, Message: msg})
	}
}

// ContactStore persists contacts. FindByEmail returns nil, nil when there is no match.
type ContactStore interface {
	FindByEmail(ctx context.Context, userID uint, email string) (*models.Contact, error)
	Create(ctx context.Context, contact *models.Contact) error
	UpdateName(ctx context.Context, contactID uint, name string) error
	AttachToGroup(ctx context.Context, groupID, contactID uint) error
}

// TemplateStore reads templates and records import progress on them.
// GetTemplate returns nil, nil when the template does not exist.
type TemplateStore interface {
	GetTemplate(ctx context.Context, id uint) (*models.EmailTemplate, error)
	SetImportStatus(ctx context.Context, id uint, status, message string) error
	SaveImportSummary(ctx context.Context, id uint, summary *Summary, at time.Time) error
}

type Importer struct {
	contacts  ContactStore
	templates TemplateStore
	files     storage.Store
	logger    *logrus.Entry
	now       func() time.Time
}

func NewImporter(contacts ContactStore, templates TemplateStore, files storage.Store, logger *logrus.Entry) *Importer {
	return &Importer{
		contacts:  contacts,
		templates: templates,
		files:     files,
		logger:    logger,
		now:       time.Now,
	}
}

// Import runs job to completion. Errors marked worker.Fatal must not be retried;
// in that case the template's previous summary is left as it was.
func (im *Importer) Import(ctx context.Context, job Job) (*Summary, error) {
	log := im.logger.WithFields(logrus.Fields{
		"template_id": job.TemplateID,
		"user_id":     job.UserID,
		"file_ref":    job.FileRef,
	})

	tpl, err := im.templates.GetTemplate(ctx, job.TemplateID)
	if err != nil {
		return nil, fmt.Errorf("loading template %d: %w", job.TemplateID, err)
	}
	if tpl == nil || tpl.UserID != job.UserID {
		return nil, worker.Fatal(fmt.Errorf("%w: %d", ErrTemplateNotFound, job.TemplateID))
	}

	if err := im.templates.SetImportStatus(ctx, tpl.ID, models.ImportProcessing, ""); err != nil {
		return nil, fmt.Errorf("marking import processing: %w", err)
	}

	summary, err := im.run(ctx, job, log)
	if err != nil {
		if worker.IsFatal(err) {
			log.WithError(err).Warn("contact import aborted")
			if serr := im.templates.SetImportStatus(ctx, tpl.ID, models.ImportFailed, err.Error()); serr != nil {
				log.WithError(serr).Error("failed to record import failure")
			}
		}
		return nil, err
	}

	if err := im.templates.SaveImportSummary(ctx, tpl.ID, summary, im.now()); err != nil {
		return nil, fmt.Errorf("saving import summary: %w", err)
	}

	log.WithFields(logrus.Fields{
		"processed": summary.Processed,
		"imported":  summary.Imported,
		"skipped":   summary.Skipped,
		"failed":    summary.Failed,
	}).Info("contact import completed")
	return summary, nil
}

// Fail records that job will not be retried. It is called once the queue has
// given up on a job whose last error was retryable.
func (im *Importer) Fail(ctx context.Context, job Job, cause error) error {
	tpl, err := im.templates.GetTemplate(ctx, job.TemplateID)
	if err != nil {
		return fmt.Errorf("loading template %d: %w", job.TemplateID, err)
	}
	if tpl == nil || tpl.UserID != job.UserID {
		return nil
	}
	msg := "import failed"
	if cause != nil {
		msg = cause.Error()
	}
	if err := im.templates.SetImportStatus(ctx, tpl.ID, models.ImportFailed, msg); err != nil {
		return fmt.Errorf("marking import failed: %w", err)
	}
	im.logger.WithFields(logrus.Fields{
		"template_id": tpl.ID,
		"user_id":     job.UserID,
	}).WithError(cause).Warn("contact import gave up after retries")
	return nil
}

func (im *Importer) run(ctx context.Context, job Job, log *logrus.Entry) (*Summary, error) {
	rc, err := im.files.Get(ctx, job.FileRef)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, worker.Fatal(fmt.Errorf("import file %q: %w", job.FileRef, err))
		}
		return nil, fmt.Errorf("opening import file: %w", err)
	}
	defer rc.Close()

	rows, err := openRows(job.FileRef, rc)
	if err != nil {
		return nil, worker.Fatal(err)
	}
	defer rows.Close()

	header, err := rows.Next()
	if err == io.EOF {
		return nil, worker.Fatal(ErrNoHeader)
	}
	if err != nil {
		return nil, worker.Fatal(fmt.Errorf("reading header: %w", err))
	}
	cols := parseHeader(header)
	if cols.email < 0 {
		return nil, worker.Fatal(ErrNoEmailColumn)
	}

	summary := &Summary{Errors: []RowError{}}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		record, err := rows.Next()
		if err == io.EOF {
			break
		}
		line := rows.Line()
		if err != nil {
			var perr *rowParseError
			if errors.As(err, &perr) {
				summary.Processed++
				summary.addError(line, "", perr.Error())
				continue
			}
			return nil, worker.Fatal(fmt.Errorf("reading row %d: %w", line, err))
		}
		if blank(record) {
			continue
		}

		summary.Processed++
		im.importRow(ctx, job, line, cols.value(record, cols.email), cols.value(record, cols.name), summary, log)
	}
	return summary, nil
}

func (im *Importer) importRow(ctx context.Context, job Job, line int, rawEmail, name string, s *Summary, log *logrus.Entry) {
	email := strings.ToLower(strings.TrimSpace(rawEmail))
	name = strings.TrimSpace(name)

	if email == "" {
		s.addError(line, "", "email is required")
		return
	}
	if err := checkmail.ValidateFormat(email); err != nil {
		s.addError(line, email, "invalid email format")
		return
	}

	existing, err := im.contacts.FindByEmail(ctx, job.UserID, email)
	if err != nil {
		log.WithError(err).WithField("row", line).Warn("contact lookup failed")
		s.addError(line, email, "failed to look up contact")
		return
	}

	if existing != nil {
		if existing.Name == "" && name != "" {
			if err := im.contacts.UpdateName(ctx, existing.ID, name); err != nil {
				log.WithError(err).WithField("contact_id", existing.ID).Debug("could not fill contact name")
			}
		}
		if !im.attach(ctx, job, line, email, existing.ID, s, log) {
			return
		}
		s.Skipped++
		return
	}

	contact := &models.Contact{UserID: job.UserID, Email: email, Name: name}
	if err := im.contacts.Create(ctx, contact); err != nil {
		log.WithError(err).WithField("row", line).Warn("contact create failed")
		s.addError(line, email, "failed to save contact")
		return
	}
	if !im.attach(ctx, job, line, email, contact.ID, s, log) {
		return
	}
	s.Imported++
}

func (im *Importer) attach(ctx context.Context, job Job, line int, email string, contactID uint, s *Summary, log *logrus.Entry) bool {
	if job.GroupID == nil {
		return true
	}
	if err := im.contacts.AttachToGroup(ctx, *job.GroupID, contactID); err != nil {
		log.WithError(err).WithField("row", line).Warn("group attach failed")
		s.addError(line, email, "failed to add contact to group")
		return false
	}
	return true
}

type columns struct {
	email int
	name  int
}

func parseHeader(header []string) columns {
	cols := columns{email: -1, name: -1}
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		switch {
		case h == "email" && cols.email < 0:
			cols.email = i
		case h == "name" && cols.name < 0:
			cols.name = i
		}
	}
	return cols
}

func (c columns) value(record []string, idx int) string {
	if idx < 0 || idx >= len(record) {
		return ""
	}
	return record[idx]
}

func blank(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
