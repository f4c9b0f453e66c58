package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pitabwire/pxm/internal/flow"
	"github.com/pitabwire/pxm/internal/observability"
	"github.com/pitabwire/pxm/model"
)

// --- Test helpers ---

type fakeTemplates struct {
	templates map[string]model.Template
	formErr   error
}

func (f *fakeTemplates) Get(_ context.Context, id string) (model.Template, error) {
	tpl, ok := f.templates[id]
	if !ok {
		return model.Template{}, model.NewNotFoundError(fmt.Sprintf("template %q not found", id))
	}
	return tpl.Clone(), nil
}

func (f *fakeTemplates) ValidateForm(_ context.Context, _ model.Template, _ json.RawMessage) error {
	return f.formErr
}

// failingLogStore refuses every audit append.
type failingLogStore struct {
	*MemoryStore
}

func (s *failingLogStore) AppendLog(context.Context, model.ApprovalLog) error {
	return errors.New("log table unavailable")
}

// barrierStore holds every Get until n readers have arrived, so that
// concurrent decisions all read the same version.
type barrierStore struct {
	*MemoryStore
	wg *sync.WaitGroup
}

func (s *barrierStore) Get(ctx context.Context, id string) (model.ApprovalRequest, error) {
	req, err := s.MemoryStore.Get(ctx, id)
	s.wg.Done()
	s.wg.Wait()
	return req, err
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestService(t *testing.T, store Store, opts ...Option) *Service {
	t.Helper()
	clock := &testClock{now: baseTime}
	var seq int
	var mu sync.Mutex
	base := []Option{
		WithClock(clock.Now),
		WithIDGenerator(func() string {
			mu.Lock()
			defer mu.Unlock()
			seq++
			return fmt.Sprintf("id-%03d", seq)
		}),
	}
	tpls := &fakeTemplates{templates: map[string]model.Template{
		"tpl-leave": {
			ID:               "tpl-leave",
			Name:             "Leave",
			WorkflowSnapshot: newTestFlow("kim", "park"),
		},
	}}
	return NewService(store, tpls, append(base, opts...)...)
}

func createTwoStep(t *testing.T, svc *Service) model.ApprovalRequest {
	t.Helper()
	req, err := svc.Create(context.Background(), "requester", CreateInput{
		Title:    "Laptop purchase",
		FormData: json.RawMessage(`{"amount":1200}`),
		Flow:     newTestFlow("A", "B"),
	})
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	return req
}

func logActions(t *testing.T, svc *Service, id string) []model.LogAction {
	t.Helper()
	logs, err := svc.Logs(context.Background(), id)
	if err != nil {
		t.Fatalf("Logs error: %v", err)
	}
	out := make([]model.LogAction, len(logs))
	for i, l := range logs {
		out[i] = l.ActionType
	}
	return out
}

// --- Create ---

func TestService_Create(t *testing.T) {
	svc := newTestService(t, NewMemoryStore())

	req := createTwoStep(t, svc)

	if req.Status != model.RequestPending {
		t.Errorf("Status = %s, want pending", req.Status)
	}
	if req.RequesterID != "requester" {
		t.Errorf("RequesterID = %q, want requester", req.RequesterID)
	}
	if req.Version != 1 {
		t.Errorf("Version = %d, want 1", req.Version)
	}
	if req.Flow.CurrentStep != 1 {
		t.Errorf("CurrentStep = %d, want 1", req.Flow.CurrentStep)
	}
	if got := logActions(t, svc, req.ID); fmt.Sprint(got) != "[CREATED]" {
		t.Errorf("logs = %v, want [CREATED]", got)
	}
}

func TestService_CreateResetsClientFlowState(t *testing.T) {
	svc := newTestService(t, NewMemoryStore())

	f := newTestFlow("A", "B")
	stamp := baseTime
	f.CurrentStep = 2
	f.Steps[0].Status = model.StepApproved
	f.Steps[0].Timestamp = &stamp

	req, err := svc.Create(context.Background(), "requester", CreateInput{Title: "Sneaky", Flow: f})
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if req.Flow.CurrentStep != 1 {
		t.Errorf("CurrentStep = %d, want 1", req.Flow.CurrentStep)
	}
	for _, s := range req.Flow.Steps {
		if s.Status != model.StepPending || s.Timestamp != nil {
			t.Errorf("step %d = %s/%v, want pending without timestamp", s.Seq, s.Status, s.Timestamp)
		}
	}
	if string(req.FormData) != "{}" {
		t.Errorf("FormData = %s, want {}", req.FormData)
	}
}

func TestService_CreateValidation(t *testing.T) {
	svc := newTestService(t, NewMemoryStore())

	tests := []struct {
		name  string
		in    CreateInput
		field string
	}{
		{"missing title", CreateInput{Title: "   ", Flow: newTestFlow("A")}, "title"},
		{"no steps", CreateInput{Title: "x"}, "flow_process.steps"},
		{"bad form data", CreateInput{Title: "x", Flow: newTestFlow("A"), FormData: json.RawMessage(`{bad`)}, "form_data"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Create(context.Background(), "requester", tt.in)
			assertErrCode(t, err, model.ErrValidationError)

			found := false
			for _, d := range err.(*model.ErrorEnvelope).Details {
				if d.Field == tt.field {
					found = true
				}
			}
			if !found {
				t.Errorf("details %+v missing field %q", err.(*model.ErrorEnvelope).Details, tt.field)
			}
		})
	}
}

func TestService_CreateFromTemplate(t *testing.T) {
	store := NewMemoryStore()
	svc := newTestService(t, store)

	req, err := svc.CreateFromTemplate(context.Background(), "requester", "tpl-leave", TemplateInput{
		FormData: json.RawMessage(`{"days":3}`),
	})
	if err != nil {
		t.Fatalf("CreateFromTemplate error: %v", err)
	}
	if req.TemplateID == nil || *req.TemplateID != "tpl-leave" {
		t.Errorf("TemplateID = %v, want tpl-leave", req.TemplateID)
	}
	// Clock ticks once per call; the title uses the first tick.
	want := "Leave - " + baseTime.Add(time.Second).Format("2006-01-02 15:04")
	if req.Title != want {
		t.Errorf("Title = %q, want %q", req.Title, want)
	}
	if approver, _ := req.Flow.CurrentApprover(); approver != "kim" {
		t.Errorf("current approver = %q, want kim", approver)
	}
	if got := logActions(t, svc, req.ID); fmt.Sprint(got) != "[CREATED]" {
		t.Errorf("logs = %v, want [CREATED]", got)
	}
}

func TestService_CreateFromTemplateOwnsItsFlow(t *testing.T) {
	svc := newTestService(t, NewMemoryStore())
	ctx := context.Background()

	first, _ := svc.CreateFromTemplate(ctx, "requester", "tpl-leave", TemplateInput{Title: "one"})
	second, _ := svc.CreateFromTemplate(ctx, "requester", "tpl-leave", TemplateInput{Title: "two"})

	if _, err := svc.Approve(ctx, "kim", first.ID); err != nil {
		t.Fatalf("Approve error: %v", err)
	}
	got, _ := svc.Get(ctx, second.ID)
	if got.Flow.Steps[0].Status != model.StepPending {
		t.Error("approving one request changed another request created from the same template")
	}
}

func TestService_CreateFromTemplateErrors(t *testing.T) {
	ctx := context.Background()

	svc := newTestService(t, NewMemoryStore())
	_, err := svc.CreateFromTemplate(ctx, "requester", "missing", TemplateInput{})
	assertErrCode(t, err, model.ErrNotFound)

	formErr := model.NewValidationError([]model.FieldError{{Field: "form_data.days", Code: "INVALID"}})
	svc = newTestService(t, NewMemoryStore())
	svc.templates.(*fakeTemplates).formErr = formErr
	_, err = svc.CreateFromTemplate(ctx, "requester", "tpl-leave", TemplateInput{})
	assertErrCode(t, err, model.ErrValidationError)

	noTemplates := NewService(NewMemoryStore(), nil)
	_, err = noTemplates.CreateFromTemplate(ctx, "requester", "tpl-leave", TemplateInput{})
	assertErrCode(t, err, model.ErrNotFound)
}

// --- Approve / Reject ---

func TestService_ScenarioApproveThenComplete(t *testing.T) {
	svc := newTestService(t, NewMemoryStore())
	ctx := context.Background()
	req := createTwoStep(t, svc)

	res, err := svc.Approve(ctx, "A", req.ID)
	if err != nil {
		t.Fatalf("Approve(A) error: %v", err)
	}
	if res.Outcome != flow.Advanced {
		t.Errorf("outcome = %s, want advanced", res.Outcome)
	}
	if res.Request.Status != model.RequestPending || res.Request.Flow.CurrentStep != 2 {
		t.Errorf("after A: status %s step %d", res.Request.Status, res.Request.Flow.CurrentStep)
	}
	if res.Request.Version != 2 {
		t.Errorf("Version = %d, want 2", res.Request.Version)
	}

	res, err = svc.Approve(ctx, "B", req.ID)
	if err != nil {
		t.Fatalf("Approve(B) error: %v", err)
	}
	if res.Outcome != flow.Completed {
		t.Errorf("outcome = %s, want completed", res.Outcome)
	}
	if res.Request.Status != model.RequestApproved {
		t.Errorf("Status = %s, want approved", res.Request.Status)
	}

	stored, _ := svc.Get(ctx, req.ID)
	if stored.Status != model.RequestApproved || stored.Version != 3 {
		t.Errorf("stored = %s v%d, want approved v3", stored.Status, stored.Version)
	}
	if got := logActions(t, svc, req.ID); fmt.Sprint(got) != "[CREATED APPROVED APPROVED]" {
		t.Errorf("logs = %v", got)
	}
}

func TestService_ScenarioReject(t *testing.T) {
	svc := newTestService(t, NewMemoryStore())
	ctx := context.Background()
	req := createTwoStep(t, svc)

	res, err := svc.Reject(ctx, "A", req.ID, "  over budget  ")
	if err != nil {
		t.Fatalf("Reject error: %v", err)
	}
	if res.Outcome != flow.Rejected || res.Request.Status != model.RequestRejected {
		t.Errorf("outcome %s status %s, want rejected", res.Outcome, res.Request.Status)
	}
	if res.Request.Flow.CurrentStep != 1 {
		t.Errorf("CurrentStep = %d, want 1", res.Request.Flow.CurrentStep)
	}

	logs, _ := svc.Logs(ctx, req.ID)
	last := logs[len(logs)-1]
	if last.ActionType != model.LogRejected || last.Content == nil || *last.Content != "over budget" {
		t.Errorf("last log = %+v, want REJECTED with reason", last)
	}

	// The request is closed: the rejected step is no longer pending.
	_, err = svc.Approve(ctx, "A", req.ID)
	assertErrCode(t, err, model.ErrAlreadyProcessed)
}

func TestService_ScenarioWrongApprover(t *testing.T) {
	svc := newTestService(t, NewMemoryStore())
	ctx := context.Background()
	req := createTwoStep(t, svc)

	_, err := svc.Approve(ctx, "B", req.ID)
	assertErrCode(t, err, model.ErrForbidden)

	stored, _ := svc.Get(ctx, req.ID)
	if stored.Version != 1 || stored.Flow.CurrentStep != 1 || stored.Flow.Steps[0].Status != model.StepPending {
		t.Errorf("refused decision changed the request: %+v", stored)
	}
	if got := logActions(t, svc, req.ID); fmt.Sprint(got) != "[CREATED]" {
		t.Errorf("refused decision wrote a log: %v", got)
	}
}

func TestService_RejectWithoutReason(t *testing.T) {
	svc := newTestService(t, NewMemoryStore())
	req := createTwoStep(t, svc)
	ctx := context.Background()

	res, err := svc.Reject(ctx, "A", req.ID, " ")
	if err != nil {
		t.Fatalf("Reject error: %v", err)
	}
	if res.Outcome != flow.Rejected || res.Request.Status != model.RequestRejected {
		t.Errorf("outcome = %v, status = %s", res.Outcome, res.Request.Status)
	}

	logs, err := svc.Logs(ctx, req.ID)
	if err != nil {
		t.Fatalf("Logs error: %v", err)
	}
	last := logs[len(logs)-1]
	if last.ActionType != model.LogRejected || last.Content != nil {
		t.Errorf("last log = %s content %v, want REJECTED with null content", last.ActionType, last.Content)
	}
}

func TestService_ActNotFound(t *testing.T) {
	svc := newTestService(t, NewMemoryStore())
	_, err := svc.Approve(context.Background(), "A", "missing")
	assertErrCode(t, err, model.ErrNotFound)
}

func TestService_ActOnCorruptPointer(t *testing.T) {
	store := NewMemoryStore()
	svc := newTestService(t, store)
	req := createTwoStep(t, svc)

	// Corrupt the stored pointer directly.
	broken, _ := store.Get(context.Background(), req.ID)
	broken.Flow.CurrentStep = 7
	store.Update(context.Background(), broken)

	_, err := svc.Approve(context.Background(), "A", req.ID)
	assertErrCode(t, err, model.ErrInvalidState)
}

func TestService_RacingApprovals(t *testing.T) {
	var wg sync.WaitGroup
	inner := NewMemoryStore()
	svc := newTestService(t, inner)
	req := createTwoStep(t, svc)

	wg.Add(2)
	racing := newTestService(t, &barrierStore{MemoryStore: inner, wg: &wg})

	errs := make([]error, 2)
	var done sync.WaitGroup
	for i := range errs {
		done.Add(1)
		go func(i int) {
			defer done.Done()
			_, errs[i] = racing.Approve(context.Background(), "A", req.ID)
		}(i)
	}
	done.Wait()

	var ok, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case model.CodeOf(err) == model.ErrConflict:
			conflicts++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || conflicts != 1 {
		t.Fatalf("successes = %d conflicts = %d, want 1 and 1", ok, conflicts)
	}

	logs, _ := inner.GetLogs(context.Background(), req.ID)
	approvals := 0
	for _, l := range logs {
		if l.ActionType == model.LogApproved {
			approvals++
		}
	}
	if approvals != 1 {
		t.Errorf("APPROVED log entries = %d, want 1", approvals)
	}
	stored, _ := inner.Get(context.Background(), req.ID)
	if stored.Version != 2 || stored.Flow.CurrentStep != 2 {
		t.Errorf("stored = v%d step %d, want v2 step 2", stored.Version, stored.Flow.CurrentStep)
	}
}

func TestService_LogFailureDoesNotFailDecision(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.InitMetrics(reg)
	store := &failingLogStore{MemoryStore: NewMemoryStore()}
	svc := newTestService(t, store, WithMetrics(metrics))

	req, err := svc.Create(context.Background(), "requester", CreateInput{Title: "x", Flow: newTestFlow("A")})
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	res, err := svc.Approve(context.Background(), "A", req.ID)
	if err != nil {
		t.Fatalf("Approve error: %v", err)
	}
	if res.Outcome != flow.Completed {
		t.Errorf("outcome = %s, want completed", res.Outcome)
	}

	if v := testutil.ToFloat64(metrics.ApprovalLogFailuresTotal.WithLabelValues("APPROVED")); v != 1 {
		t.Errorf("APPROVED log failures = %v, want 1", v)
	}
	if v := testutil.ToFloat64(metrics.ApprovalLogFailuresTotal.WithLabelValues("CREATED")); v != 1 {
		t.Errorf("CREATED log failures = %v, want 1", v)
	}

	// Comments surface the failure.
	_, err = svc.Comment(context.Background(), "A", req.ID, "hello")
	if err == nil {
		t.Fatal("Comment should fail when the log cannot be written")
	}
}

func TestService_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.InitMetrics(reg)
	svc := newTestService(t, NewMemoryStore(), WithMetrics(metrics))
	ctx := context.Background()
	req := createTwoStep(t, svc)

	svc.Approve(ctx, "B", req.ID)
	svc.Approve(ctx, "A", req.ID)

	if v := testutil.ToFloat64(metrics.ApprovalsCreatedTotal.WithLabelValues("direct")); v != 1 {
		t.Errorf("created = %v, want 1", v)
	}
	if v := testutil.ToFloat64(metrics.ApprovalActionFailuresTotal.WithLabelValues("approve", "FORBIDDEN")); v != 1 {
		t.Errorf("forbidden failures = %v, want 1", v)
	}
	if v := testutil.ToFloat64(metrics.ApprovalActionsTotal.WithLabelValues("approve", "advanced")); v != 1 {
		t.Errorf("advanced = %v, want 1", v)
	}
}

// --- Comment / Logs / List ---

func TestService_Comment(t *testing.T) {
	svc := newTestService(t, NewMemoryStore())
	ctx := context.Background()
	req := createTwoStep(t, svc)

	entry, err := svc.Comment(ctx, "anyone", req.ID, "Please attach the quote")
	if err != nil {
		t.Fatalf("Comment error: %v", err)
	}
	if entry.ActionType != model.LogComment || *entry.Content != "Please attach the quote" {
		t.Errorf("entry = %+v", entry)
	}

	stored, _ := svc.Get(ctx, req.ID)
	if stored.Version != 1 {
		t.Errorf("comment changed the request version to %d", stored.Version)
	}

	_, err = svc.Comment(ctx, "anyone", req.ID, "")
	assertErrCode(t, err, model.ErrValidationError)

	_, err = svc.Comment(ctx, "anyone", "missing", "hi")
	assertErrCode(t, err, model.ErrNotFound)
}

func TestService_LogsNotFound(t *testing.T) {
	svc := newTestService(t, NewMemoryStore())
	_, err := svc.Logs(context.Background(), "missing")
	assertErrCode(t, err, model.ErrNotFound)
}

func TestService_ListInboxAndSummaries(t *testing.T) {
	svc := newTestService(t, NewMemoryStore())
	ctx := context.Background()
	first := createTwoStep(t, svc)
	second := createTwoStep(t, svc)
	svc.Approve(ctx, "A", first.ID)

	inboxB, total, err := svc.List(ctx, ListFilters{ApproverID: "B"})
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if total != 1 || len(inboxB) != 1 || inboxB[0].ID != first.ID {
		t.Fatalf("inbox B = %+v, want only %s", inboxB, first.ID)
	}
	if inboxB[0].CurrentStep != 2 || inboxB[0].TotalSteps != 2 {
		t.Errorf("summary = %+v", inboxB[0])
	}

	inboxA, _, _ := svc.List(ctx, ListFilters{ApproverID: "A"})
	if len(inboxA) != 1 || inboxA[0].ID != second.ID {
		t.Errorf("inbox A = %+v, want only %s", inboxA, second.ID)
	}

	empty, _, err := svc.List(ctx, ListFilters{RequesterID: "nobody"})
	if err != nil || empty == nil || len(empty) != 0 {
		t.Errorf("List(nobody) = %v, %v; want empty non-nil slice", empty, err)
	}
}

func TestService_ListRejectsBadFilters(t *testing.T) {
	svc := newTestService(t, NewMemoryStore())

	_, _, err := svc.List(context.Background(), ListFilters{Status: "archived"})
	assertErrCode(t, err, model.ErrBadRequest)

	_, _, err = svc.List(context.Background(), ListFilters{Limit: -1})
	assertErrCode(t, err, model.ErrBadRequest)
}
