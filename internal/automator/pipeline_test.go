package automator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/markconroy/markie-sub000/internal/model"
)

// fakeStrategy generates fixed candidates and accepts strings only.
type fakeStrategy struct {
	Base
	values  []any
	err     error
	allowed bool
	closed  *int
	calls   *int
}

func (s *fakeStrategy) Generate(context.Context, *model.Record, model.FieldDefinition, model.Rule) ([]any, error) {
	*s.calls++
	return s.values, s.err
}

func (s *fakeStrategy) RuleIsAllowed(*model.Record, model.FieldDefinition) bool { return s.allowed }

func (s *fakeStrategy) Verify(_ context.Context, _ *model.Record, v any, _ model.FieldDefinition, _ model.Rule) bool {
	_, ok := v.(string)
	return ok
}

func (s *fakeStrategy) Close() error {
	*s.closed++
	return nil
}

type mockRunLog struct {
	mock.Mock
}

func (m *mockRunLog) CreateRun(ctx context.Context, run model.Run) (*model.Run, error) {
	args := m.Called(ctx, run)
	r, _ := args.Get(0).(*model.Run)
	return r, args.Error(1)
}

func (m *mockRunLog) CompleteRun(ctx context.Context, id string, status model.RunStatus, result *model.RunResult) error {
	args := m.Called(ctx, id, status, result)
	return args.Error(0)
}

type harness struct {
	reg    *Registry
	closed int
	calls  int
}

func newHarness(values []any, err error) *harness {
	h := &harness{reg: NewRegistry()}
	h.reg.Register("fake", func() Strategy {
		return &fakeStrategy{Base: NewBase(Env{}, "fake", "Fake"), values: values, err: err, allowed: true, closed: &h.closed, calls: &h.calls}
	})
	return h
}

func newArticle() *model.Record {
	rec := model.NewRecord("node", "article")
	rec.ID = "1"
	rec.Set("body", []model.Item{{"value": "text"}})
	return rec
}

func TestRunRule_VerifiesAndStores(t *testing.T) {
	h := newHarness([]any{"a", 5, "b"}, nil)
	rec := newArticle()

	out := NewRunner(h.reg).RunRule(context.Background(), rec, model.Rule{ID: "r1", Type: "fake", FieldName: "tags", BaseField: "body"})
	require.NoError(t, out.Err)
	assert.Equal(t, model.RunStatusComplete, out.Status)
	assert.Equal(t, 3, out.Result.Candidates)
	assert.Equal(t, 2, out.Result.Accepted)
	assert.Equal(t, 1, out.Result.Rejected)
	assert.True(t, out.Result.Stored)
	assert.Equal(t, []model.Item{{"value": "a"}, {"value": "b"}}, rec.Get("tags"))
	assert.Equal(t, 1, h.closed)
}

func TestRunRule_AllRejectedStoresNothing(t *testing.T) {
	h := newHarness([]any{1, 2.5, true}, nil)
	rec := newArticle()
	rec.Set("tags", []model.Item{{"value": "keep"}})

	out := NewRunner(h.reg).RunRule(context.Background(), rec, model.Rule{ID: "r1", Type: "fake", FieldName: "tags"})
	require.NoError(t, out.Err)
	assert.False(t, out.Result.Stored)
	assert.Equal(t, 3, out.Result.Rejected)
	assert.Equal(t, []model.Item{{"value": "keep"}}, rec.Get("tags"))
}

func TestRunRule_UnknownStrategy(t *testing.T) {
	out := NewRunner(NewRegistry()).RunRule(context.Background(), newArticle(), model.Rule{ID: "r1", Type: "nope"})
	require.Error(t, out.Err)
	assert.True(t, IsRequestError(out.Err))
	assert.Equal(t, model.RunStatusFailed, out.Status)
}

func TestRunRule_GenerateErrorIsFatal(t *testing.T) {
	h := newHarness(nil, NewResponseError("bad json", "oops", nil))
	out := NewRunner(h.reg).RunRule(context.Background(), newArticle(), model.Rule{ID: "r1", Type: "fake", FieldName: "tags"})
	require.Error(t, out.Err)
	assert.True(t, IsResponseError(out.Err))
	assert.Equal(t, 1, h.closed)
}

func TestRunRule_RecordsRunLog(t *testing.T) {
	h := newHarness([]any{"a"}, nil)
	runs := &mockRunLog{}
	runs.On("CreateRun", mock.Anything, mock.MatchedBy(func(r model.Run) bool {
		return r.RuleID == "r1" && r.RecordID == "1" && r.Status == model.RunStatusRunning
	})).Return(&model.Run{ID: "run-1"}, nil)
	runs.On("CompleteRun", mock.Anything, "run-1", model.RunStatusComplete, mock.MatchedBy(func(res *model.RunResult) bool {
		return res.Accepted == 1 && res.Stored
	})).Return(nil)

	out := NewRunner(h.reg, WithRunLog(runs)).RunRule(context.Background(), newArticle(), model.Rule{ID: "r1", Type: "fake", FieldName: "tags"})
	require.NoError(t, out.Err)
	runs.AssertExpectations(t)
}

func TestRunRule_RunLogFailureIsNotFatal(t *testing.T) {
	h := newHarness([]any{"a"}, nil)
	runs := &mockRunLog{}
	runs.On("CreateRun", mock.Anything, mock.Anything).Return(nil, errors.New("db down"))

	out := NewRunner(h.reg, WithRunLog(runs)).RunRule(context.Background(), newArticle(), model.Rule{ID: "r1", Type: "fake", FieldName: "tags"})
	require.NoError(t, out.Err)
	assert.True(t, out.Result.Stored)
	runs.AssertNotCalled(t, "CompleteRun", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestProcess_OrderGatingAndErrors(t *testing.T) {
	reg := NewRegistry()
	var order []string
	var closed, calls int
	reg.Register("fake", func() Strategy {
		return &fakeStrategy{Base: NewBase(Env{}, "fake", "Fake"), values: []any{"v"}, allowed: true, closed: &closed, calls: &calls}
	})
	reg.Register("broken", func() Strategy {
		return &fakeStrategy{Base: NewBase(Env{}, "broken", "Broken"), err: NewRequestError("no index"), allowed: true, closed: &closed, calls: &calls}
	})

	rec := newArticle()
	rec.Set("filled", []model.Item{{"value": "already"}})
	rules := []model.Rule{
		{ID: "late", Type: "fake", FieldName: "late", Weight: 10},
		{ID: "broken", Type: "broken", FieldName: "broken", Weight: 5},
		{ID: "filled", Type: "fake", FieldName: "filled", Weight: 0},
		{ID: "early", Type: "fake", FieldName: "early", Weight: -1},
	}

	outcomes, err := NewRunner(reg).Process(context.Background(), rec, rules, ProcessOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rule broken (broken)")
	require.Len(t, outcomes, 4)
	assert.True(t, IsRequestError(outcomes[2].Err))
	for _, o := range outcomes {
		order = append(order, o.RuleID+":"+string(o.Status))
	}
	assert.Equal(t, []string{"early:complete", "filled:skipped", "broken:failed", "late:complete"}, order)
	// Later rules still ran after the failure.
	assert.Equal(t, []model.Item{{"value": "v"}}, rec.Get("late"))
	assert.Equal(t, []model.Item{{"value": "already"}}, rec.Get("filled"))
}

func TestProcess_FieldFilterAndForce(t *testing.T) {
	h := newHarness([]any{"new"}, nil)
	rec := newArticle()
	rec.Set("title", []model.Item{{"value": "old"}})
	rules := []model.Rule{
		{ID: "t", Type: "fake", FieldName: "title"},
		{ID: "s", Type: "fake", FieldName: "summary"},
	}

	outcomes, err := NewRunner(h.reg).Process(context.Background(), rec, rules, ProcessOptions{Field: "title", Force: true})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, []model.Item{{"value": "new"}}, rec.Get("title"))
	assert.Nil(t, rec.Get("summary"))
}

func TestShouldRun_OnlyEmptyTargets(t *testing.T) {
	h := newHarness([]any{"x"}, nil)
	r := NewRunner(h.reg)

	rec := newArticle()
	rec.Set("summary", []model.Item{{"value": "existing"}})
	rec.Original = map[string][]model.Item{"body": {{"value": "text"}}}

	base := model.Rule{Type: "fake", FieldName: "summary", BaseField: "body"}
	assert.False(t, r.shouldRun(rec, base), "populated target")

	edit := base
	edit.EditMode = true
	assert.False(t, r.shouldRun(rec, edit), "edit mode without base change")

	rec.Set("body", []model.Item{{"value": "changed"}})
	require.True(t, rec.Changed("body"))
	assert.False(t, r.shouldRun(rec, edit), "edit mode with base change keeps a populated target")
	assert.False(t, r.shouldRun(rec, base), "base change alone keeps a populated target")

	token := edit
	token.Mode = model.ModeToken
	assert.False(t, r.shouldRun(rec, token), "token mode only checks the target")

	rec.Set("summary", nil)
	assert.True(t, r.shouldRun(rec, base), "empty target")
	assert.True(t, r.shouldRun(rec, edit), "empty target in edit mode")
	assert.Equal(t, 0, h.calls)
}

func TestRunRule_NotAllowedIsSkipped(t *testing.T) {
	reg := NewRegistry()
	var closed, calls int
	reg.Register("gated", func() Strategy {
		return &fakeStrategy{Base: NewBase(Env{}, "gated", "Gated"), closed: &closed, calls: &calls}
	})
	out := NewRunner(reg).RunRule(context.Background(), newArticle(), model.Rule{Type: "gated", FieldName: "x"})
	require.NoError(t, out.Err)
	assert.Equal(t, model.RunStatusSkipped, out.Status)
	assert.Equal(t, 0, calls)
}
