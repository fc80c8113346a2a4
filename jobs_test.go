package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"mailpilot/dispatcher"
	"mailpilot/importer"
	"mailpilot/models"
	"mailpilot/queue"
	"mailpilot/worker"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubImporter struct {
	got    importer.Job
	err    error
	failed []error
}

func (s *stubImporter) Fail(_ context.Context, job importer.Job, cause error) error {
	s.got = job
	s.failed = append(s.failed, cause)
	return nil
}

func (s *stubImporter) Import(_ context.Context, job importer.Job) (*importer.Summary, error) {
	s.got = job
	return &importer.Summary{}, s.err
}

type stubRunner struct {
	got uint
	res *dispatcher.Result
	err error
}

func (s *stubRunner) Run(_ context.Context, id uint) (*dispatcher.Result, error) {
	s.got = id
	return s.res, s.err
}

func TestImportHandler(t *testing.T) {
	imp := &stubImporter{}
	h := importHandler(imp)

	payload, _ := json.Marshal(importer.Job{TemplateID: 4, UserID: 2, FileRef: "imports/x.csv"})
	require.NoError(t, h(context.Background(), queue.Job{ID: "j1", Type: queue.TypeImportContacts, Payload: payload}))
	assert.Equal(t, uint(4), imp.got.TemplateID)
	assert.Equal(t, "imports/x.csv", imp.got.FileRef)

	err := h(context.Background(), queue.Job{ID: "j2", Payload: json.RawMessage(`{"template_id":"nope"}`)})
	assert.True(t, worker.IsFatal(err), "an undecodable payload is never retried")
}

func TestSendHandler(t *testing.T) {
	logger, hook := test.NewNullLogger()
	runner := &stubRunner{res: &dispatcher.Result{CampaignID: 9, Status: models.CampaignSent, Total: 2, Sent: 2}}
	h := sendHandler(runner, logrus.NewEntry(logger))

	require.NoError(t, h(context.Background(), queue.Job{ID: "j1", Payload: json.RawMessage(`{"campaign_id":9}`)}))
	assert.Equal(t, uint(9), runner.got)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "campaign dispatch finished", hook.LastEntry().Message)

	runner.err = errors.New("smtp down")
	assert.Len(t, hook.Entries, 1, "an unfinished run is not logged as finished")
	assert.EqualError(t, h(context.Background(), queue.Job{ID: "j2", Payload: json.RawMessage(`{"campaign_id":9}`)}), "smtp down")

	assert.True(t, worker.IsFatal(h(context.Background(), queue.Job{ID: "j3", Payload: json.RawMessage(`{}`)})))
	assert.True(t, worker.IsFatal(h(context.Background(), queue.Job{ID: "j4", Payload: json.RawMessage(`[`)})))
}

func TestImportFailed(t *testing.T) {
	imp := &stubImporter{}
	onDead := importFailed(imp, logrus.NewEntry(logrus.New()))

	payload, _ := json.Marshal(importer.Job{TemplateID: 4, UserID: 2, FileRef: "imports/x.csv"})
	onDead(context.Background(), queue.Job{ID: "j1", Payload: payload}, errors.New("s3: connection reset"))
	require.Len(t, imp.failed, 1)
	assert.Equal(t, uint(4), imp.got.TemplateID)
	assert.EqualError(t, imp.failed[0], "s3: connection reset")

	onDead(context.Background(), queue.Job{ID: "j2", Payload: json.RawMessage(`[`)}, errors.New("bad"))
	assert.Len(t, imp.failed, 1, "undecodable payloads name no template")
}
