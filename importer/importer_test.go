package importer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"mailpilot/models"
	"mailpilot/storage"
	"mailpilot/worker"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

type memContacts struct {
	mu       sync.Mutex
	byEmail  map[string]*models.Contact
	nextID   uint
	failOn   map[string]bool // emails whose Create fails
	attached map[uint][]uint
}

func newMemContacts() *memContacts {
	return &memContacts{
		byEmail:  map[string]*models.Contact{},
		failOn:   map[string]bool{},
		attached: map[uint][]uint{},
	}
}

func key(userID uint, email string) string { return fmt.Sprintf("%d/%s", userID, email) }

func (m *memContacts) FindByEmail(_ context.Context, userID uint, email string) (*models.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byEmail[key(userID, strings.ToLower(email))]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (m *memContacts) Create(_ context.Context, c *models.Contact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn[c.Email] {
		return errors.New("insert failed")
	}
	m.nextID++
	c.ID = m.nextID
	cp := *c
	m.byEmail[key(c.UserID, c.Email)] = &cp
	return nil
}

func (m *memContacts) UpdateName(_ context.Context, id uint, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.byEmail {
		if c.ID == id {
			c.Name = name
		}
	}
	return nil
}

func (m *memContacts) AttachToGroup(_ context.Context, groupID, contactID uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attached[groupID] = append(m.attached[groupID], contactID)
	return nil
}

type memTemplates struct {
	tpl      *models.EmailTemplate
	statuses []string
	saved    int
}

func (m *memTemplates) GetTemplate(_ context.Context, id uint) (*models.EmailTemplate, error) {
	if m.tpl == nil || m.tpl.ID != id {
		return nil, nil
	}
	return m.tpl, nil
}

func (m *memTemplates) SetImportStatus(_ context.Context, _ uint, status, message string) error {
	m.statuses = append(m.statuses, status)
	m.tpl.ImportStatus = status
	m.tpl.ImportError = message
	return nil
}

func (m *memTemplates) SaveImportSummary(_ context.Context, _ uint, s *Summary, at time.Time) error {
	m.saved++
	m.tpl.TotalProcessed = s.Processed
	m.tpl.TotalSent = s.Imported
	m.tpl.TotalSkipped = s.Skipped
	m.tpl.TotalFailed = s.Failed
	m.tpl.LastImportSummaryAt = &at
	m.tpl.ImportStatus = models.ImportCompleted
	m.tpl.ImportError = ""
	return nil
}

type fixture struct {
	importer  *Importer
	contacts  *memContacts
	templates *memTemplates
	files     *storage.DiskStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	files, err := storage.NewDiskStore(t.TempDir())
	require.NoError(t, err)

	tpl := &models.EmailTemplate{UserID: 7, Name: "welcome", ImportStatus: models.ImportIdle}
	tpl.ID = 1
	f := &fixture{
		contacts:  newMemContacts(),
		templates: &memTemplates{tpl: tpl},
		files:     files,
	}
	logger, _ := test.NewNullLogger()
	f.importer = NewImporter(f.contacts, f.templates, files, logrus.NewEntry(logger))
	return f
}

func (f *fixture) upload(t *testing.T, name, body string) string {
	t.Helper()
	ref, err := f.files.Put(context.Background(), name, strings.NewReader(body), "text/csv")
	require.NoError(t, err)
	return ref
}

func TestImport_CreatesContactsAndWritesSummary(t *testing.T) {
	f := newFixture(t)
	ref := f.upload(t, "list.csv", "\ufeff Name , EMAIL ,company\nAda,ADA@example.com,acme\n,bob@example.com,\n")

	s, err := f.importer.Import(context.Background(), Job{TemplateID: 1, UserID: 7, FileRef: ref})
	require.NoError(t, err)
	assert.Equal(t, 2, s.Processed)
	assert.Equal(t, 2, s.Imported)
	assert.Empty(t, s.Errors)

	c, _ := f.contacts.FindByEmail(context.Background(), 7, "ada@example.com")
	require.NotNil(t, c)
	assert.Equal(t, "Ada", c.Name)
	assert.Equal(t, "ada@example.com", c.Email)

	tpl := f.templates.tpl
	assert.Equal(t, models.ImportCompleted, tpl.ImportStatus)
	assert.Equal(t, 2, tpl.TotalProcessed)
	assert.Equal(t, 2, tpl.TotalSent)
	assert.NotNil(t, tpl.LastImportSummaryAt)
	assert.Equal(t, []string{models.ImportProcessing}, f.templates.statuses)
}

func TestImport_SecondRunSkipsEverything(t *testing.T) {
	f := newFixture(t)
	ref := f.upload(t, "list.csv", "email,name\na@x.com,A\nb@x.com,\nc@x.com,C\n")
	job := Job{TemplateID: 1, UserID: 7, FileRef: ref}

	first, err := f.importer.Import(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, 3, first.Imported)

	second, err := f.importer.Import(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, 3, second.Processed)
	assert.Equal(t, 0, second.Imported)
	assert.Equal(t, 3, second.Skipped)
	assert.Equal(t, 0, second.Failed)
}

func TestImport_FillsEmptyNameOfExistingContact(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.contacts.Create(context.Background(), &models.Contact{UserID: 7, Email: "a@x.com"}))
	ref := f.upload(t, "list.csv", "email,name\nA@X.com,Alice\n")

	s, err := f.importer.Import(context.Background(), Job{TemplateID: 1, UserID: 7, FileRef: ref})
	require.NoError(t, err)
	assert.Equal(t, 1, s.Skipped)

	c, _ := f.contacts.FindByEmail(context.Background(), 7, "a@x.com")
	assert.Equal(t, "Alice", c.Name)
}

func TestImport_PartialFailureCounts(t *testing.T) {
	f := newFixture(t)
	f.contacts.failOn["broken@x.com"] = true

	var body strings.Builder
	body.WriteString("email,name\n")
	body.WriteString("good@x.com,Good\n")
	body.WriteString("not-an-email,Bad\n")
	body.WriteString(",Missing\n")
	body.WriteString("broken@x.com,Broken\n")
	body.WriteString("good@x.com,Dup\n")
	ref := f.upload(t, "list.csv", body.String())

	s, err := f.importer.Import(context.Background(), Job{TemplateID: 1, UserID: 7, FileRef: ref})
	require.NoError(t, err)
	assert.Equal(t, 5, s.Processed)
	assert.Equal(t, 1, s.Imported)
	assert.Equal(t, 1, s.Skipped)
	assert.Equal(t, 3, s.Failed)
	assert.Equal(t, s.Processed, s.Imported+s.Skipped+s.Failed)

	require.Len(t, s.Errors, 3)
	assert.Equal(t, RowError{Row: 3, Email: "not-an-email", Message: "invalid email format"}, s.Errors[0])
	assert.Equal(t, 4, s.Errors[1].Row)
	assert.Equal(t, "broken@x.com", s.Errors[2].Email)
}

func TestImport_RowErrorsAreCapped(t *testing.T) {
	f := newFixture(t)
	var body strings.Builder
	body.WriteString("email\n")
	for i := 0; i < MaxRowErrors+25; i++ {
		fmt.Fprintf(&body, "bad-%d\n", i)
	}
	ref := f.upload(t, "list.csv", body.String())

	s, err := f.importer.Import(context.Background(), Job{TemplateID: 1, UserID: 7, FileRef: ref})
	require.NoError(t, err)
	assert.Equal(t, MaxRowErrors+25, s.Failed)
	assert.Len(t, s.Errors, MaxRowErrors)
}

func TestImport_AttachesToGroup(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.contacts.Create(context.Background(), &models.Contact{UserID: 7, Email: "old@x.com", Name: "Old"}))
	ref := f.upload(t, "list.csv", "email\nold@x.com\nnew@x.com\n")
	group := uint(42)

	_, err := f.importer.Import(context.Background(), Job{TemplateID: 1, UserID: 7, FileRef: ref, GroupID: &group})
	require.NoError(t, err)
	assert.Len(t, f.contacts.attached[42], 2)
}

func TestImport_FatalLeavesSummaryUntouched(t *testing.T) {
	validRef := func(f *fixture, t *testing.T, body string) string { return f.upload(t, "list.csv", body) }

	cases := []struct {
		name    string
		ref     func(f *fixture, t *testing.T) string
		wantErr error
	}{
		{"missing file", func(*fixture, *testing.T) string { return "imports/gone.csv" }, storage.ErrNotFound},
		{"empty file", func(f *fixture, t *testing.T) string { return validRef(f, t, "") }, ErrNoHeader},
		{"no email column", func(f *fixture, t *testing.T) string { return validRef(f, t, "name,phone\nA,1\n") }, ErrNoEmailColumn},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.templates.tpl.TotalProcessed = 9
			f.templates.tpl.TotalSent = 4

			s, err := f.importer.Import(context.Background(), Job{TemplateID: 1, UserID: 7, FileRef: tc.ref(f, t)})
			assert.Nil(t, s)
			assert.ErrorIs(t, err, tc.wantErr)
			assert.True(t, worker.IsFatal(err))

			assert.Zero(t, f.templates.saved)
			assert.Equal(t, 9, f.templates.tpl.TotalProcessed)
			assert.Equal(t, 4, f.templates.tpl.TotalSent)
			assert.Equal(t, models.ImportFailed, f.templates.tpl.ImportStatus)
			assert.NotEmpty(t, f.templates.tpl.ImportError)
		})
	}
}

func TestImport_TemplateOfAnotherUser(t *testing.T) {
	f := newFixture(t)
	ref := f.upload(t, "list.csv", "email\na@x.com\n")

	_, err := f.importer.Import(context.Background(), Job{TemplateID: 1, UserID: 99, FileRef: ref})
	assert.ErrorIs(t, err, ErrTemplateNotFound)
	assert.True(t, worker.IsFatal(err))
	assert.Empty(t, f.templates.statuses)
}

func TestImport_CanceledContextIsRetryable(t *testing.T) {
	f := newFixture(t)
	ref := f.upload(t, "list.csv", "email\na@x.com\n")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.importer.Import(ctx, Job{TemplateID: 1, UserID: 7, FileRef: ref})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, worker.IsFatal(err))
	assert.Zero(t, f.templates.saved)
}

func TestImport_XLSX(t *testing.T) {
	f := newFixture(t)

	book := excelize.NewFile()
	sheet := book.GetSheetName(0)
	require.NoError(t, book.SetSheetRow(sheet, "A1", &[]interface{}{"Email", "Name"}))
	require.NoError(t, book.SetSheetRow(sheet, "A2", &[]interface{}{"one@x.com", "One"}))
	require.NoError(t, book.SetSheetRow(sheet, "A3", &[]interface{}{"two@x.com", ""}))
	require.NoError(t, book.SetSheetRow(sheet, "A4", &[]interface{}{"nope", "Three"}))
	var buf bytes.Buffer
	require.NoError(t, book.Write(&buf))
	require.NoError(t, book.Close())

	ref, err := f.files.Put(context.Background(), "people.xlsx", &buf,
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	require.NoError(t, err)

	s, err := f.importer.Import(context.Background(), Job{TemplateID: 1, UserID: 7, FileRef: ref})
	require.NoError(t, err)
	assert.Equal(t, 3, s.Processed)
	assert.Equal(t, 2, s.Imported)
	assert.Equal(t, 1, s.Failed)

	c, _ := f.contacts.FindByEmail(context.Background(), 7, "one@x.com")
	require.NotNil(t, c)
	assert.Equal(t, "One", c.Name)
}

func TestParseHeader(t *testing.T) {
	cols := parseHeader([]string{"\ufeffFirst", " NAME ", "E-mail", "email", "Email"})
	assert.Equal(t, 3, cols.email)
	assert.Equal(t, 1, cols.name)
}

type unreachableStore struct{ storage.Store }

func (unreachableStore) Get(context.Context, string) (io.ReadCloser, error) {
	return nil, errors.New("s3: connection reset")
}

func TestFail_MarksTemplateAfterRetriesRunOut(t *testing.T) {
	f := newFixture(t)
	logger, _ := test.NewNullLogger()
	im := NewImporter(f.contacts, f.templates, unreachableStore{f.files}, logrus.NewEntry(logger))
	job := Job{TemplateID: 1, UserID: 7, FileRef: "imports/list.csv"}

	var last error
	for i := 0; i < 3; i++ {
		_, last = im.Import(context.Background(), job)
		require.Error(t, last)
		assert.False(t, worker.IsFatal(last), "storage outages are retried")
	}
	assert.Equal(t, models.ImportProcessing, f.templates.tpl.ImportStatus)

	require.NoError(t, im.Fail(context.Background(), job, last))
	assert.Equal(t, models.ImportFailed, f.templates.tpl.ImportStatus)
	assert.Contains(t, f.templates.tpl.ImportError, "s3: connection reset")
	assert.Zero(t, f.templates.saved)
}

func TestFail_IgnoresForeignTemplate(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.importer.Fail(context.Background(), Job{TemplateID: 1, UserID: 99}, errors.New("boom")))
	assert.Empty(t, f.templates.statuses)
}

func TestImport_RowNumbersFollowFileLines(t *testing.T) {
	f := newFixture(t)
	var body strings.Builder
	body.WriteString("email,name\n")
	body.WriteString("one@x.com,\"Ada\nLovelace\"\n")
	body.WriteString("\n")
	body.WriteString("bad-address,Three\n")
	ref := f.upload(t, "list.csv", body.String())

	s, err := f.importer.Import(context.Background(), Job{TemplateID: 1, UserID: 7, FileRef: ref})
	require.NoError(t, err)
	assert.Equal(t, 1, s.Imported)
	require.Len(t, s.Errors, 1)
	assert.Equal(t, RowError{Row: 5, Email: "bad-address", Message: "invalid email format"}, s.Errors[0])
}

func TestImport_DeletedContactIsImportedAgain(t *testing.T) {
	f := newFixture(t)
	ref := f.upload(t, "list.csv", "email\nada@x.com\n")

	s, err := f.importer.Import(context.Background(), Job{TemplateID: 1, UserID: 7, FileRef: ref})
	require.NoError(t, err)
	assert.Equal(t, 1, s.Imported)

	// contacts are removed outright, leaving nothing behind for the lookup
	f.contacts.mu.Lock()
	delete(f.contacts.byEmail, key(7, "ada@x.com"))
	f.contacts.mu.Unlock()

	s, err = f.importer.Import(context.Background(), Job{TemplateID: 1, UserID: 7, FileRef: ref})
	require.NoError(t, err)
	assert.Equal(t, 1, s.Imported)
	assert.Zero(t, s.Skipped)

	c, err := f.contacts.FindByEmail(context.Background(), 7, "ada@x.com")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, uint(2), c.ID)
}
