package dialogue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"lateraltutor/internal/completion"
	"lateraltutor/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	case1URL = "https://fakenewsphotos.oss-cn-beijing.aliyuncs.com/1.png"
	finalURL = "https://fakenewsphotos.oss-cn-beijing.aliyuncs.com/2.jpg"
)

// =============================================================================
// FAKES
// =============================================================================

type step struct {
	raw string
	err error
}

type fakeCompleter struct {
	mu       sync.Mutex
	steps    []step
	requests []completion.Request

	entered chan struct{} // when set, each call blocks until release is closed
	release chan struct{}
}

func (f *fakeCompleter) Complete(ctx context.Context, req completion.Request) (string, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	var s step
	if len(f.steps) > 0 {
		s, f.steps = f.steps[0], f.steps[1:]
	} else {
		s = step{raw: reply(types.StageOnboarding, types.ActionAwaitingInput, "", true)}
	}
	entered, release := f.entered, f.release
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
		<-release
	}
	return s.raw, s.err
}

func (f *fakeCompleter) then(steps ...step) *fakeCompleter {
	f.mu.Lock()
	f.steps = append(f.steps, steps...)
	f.mu.Unlock()
	return f
}

func (f *fakeCompleter) last() completion.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func reply(stage types.Stage, action types.RequiredAction, image string, relevant bool) string {
	m := map[string]interface{}{
		"stage":           stage,
		"agent_response":  "reply at " + string(stage),
		"required_action": action,
		"is_relevant":     relevant,
		"image_url":       nil,
	}
	if image != "" {
		m["image_url"] = image
	}
	b, _ := json.Marshal(m)
	return string(b)
}

func ok(stage types.Stage, relevant bool) step {
	return step{raw: reply(stage, types.ActionAwaitingInput, "", relevant)}
}

type fakeStore struct {
	mu         sync.Mutex
	batches    []types.LogBatch
	summaries  []types.SessionSummary
	failUpsert int
}

func (f *fakeStore) AppendLogBatch(ctx context.Context, batch types.LogBatch) (types.BatchReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !batch.Terminated() {
		return types.BatchReceipt{Message: "not terminated"}, nil
	}
	f.batches = append(f.batches, batch)
	return types.BatchReceipt{Stored: true, Count: len(batch.LogEntries)}, nil
}

func (f *fakeStore) UpsertSessionSummary(ctx context.Context, s types.SessionSummary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpsert > 0 {
		f.failUpsert--
		return errors.New("database is locked")
	}
	f.summaries = append(f.summaries, s)
	return nil
}

func (f *fakeStore) setFailures(n int) {
	f.mu.Lock()
	f.failUpsert = n
	f.mu.Unlock()
}

type fakeFetcher struct {
	content string
	targets []string
}

func (f *fakeFetcher) Fetch(ctx context.Context, target string) (string, bool) {
	f.targets = append(f.targets, target)
	return f.content, f.content != ""
}

func newTestOrchestrator(t *testing.T, c *fakeCompleter, store *fakeStore, fetcher Fetcher) *Orchestrator {
	t.Helper()
	opts := Options{
		Completer: c,
		Instruction: func(sc types.Scenario) (string, error) {
			return "SYS " + sc.Case1Context, nil
		},
		DefaultScenario: types.Scenario{Case1Context: "case one", FinalTestContext: "final"},
		SyncAttempts:    2,
		SyncDelay:       time.Millisecond,
		Codes:           func() string { return "4242" },
	}
	if store != nil {
		opts.Persistence = store
	}
	if fetcher != nil {
		opts.Fetcher = fetcher
	}
	o, err := NewOrchestrator(opts)
	require.NoError(t, err)
	return o
}

func say(t *testing.T, o *Orchestrator, sess *Session, text string) *Reply {
	t.Helper()
	r, err := o.HandleTurn(context.Background(), sess, UserInput{Text: text})
	require.NoError(t, err)
	return r
}

// =============================================================================
// TESTS
// =============================================================================

func TestStartRunsInitTurn(t *testing.T) {
	c := &fakeCompleter{}
	o := newTestOrchestrator(t, c, nil, nil)

	sess, r, err := o.Start(context.Background(), "s1", types.Scenario{})
	require.NoError(t, err)

	req := c.last()
	assert.Equal(t, "SYS case one", req.System)
	assert.Empty(t, req.History)
	assert.Contains(t, req.UserText, "SYSTEM_INIT")

	assert.Equal(t, case1URL, r.ImageURL, "first model turn always carries the onboarding image")
	assert.Equal(t, "onboarding-opening", r.ImageRule)
	assert.Equal(t, types.StageOnboarding, r.Stage)
	assert.Equal(t, 33, r.Progress)

	snap := sess.Snapshot()
	require.Len(t, snap.History, 1, "init text is not part of the visible history")
	assert.Equal(t, types.RoleModel, snap.History[0].Role)
	assert.Equal(t, case1URL, snap.History[0].Directive.Image())

	batch := sess.LogBatch()
	require.Len(t, batch.LogEntries, 2)
	assert.Equal(t, types.LogRoleSystem, batch.LogEntries[0].Role)
	assert.Equal(t, types.InitStage, batch.LogEntries[0].Stage)
	assert.Equal(t, types.LogRoleAgent, batch.LogEntries[1].Role)
	require.NotNil(t, batch.LogEntries[1].ImageURL)
	assert.Equal(t, case1URL, *batch.LogEntries[1].ImageURL)
}

func TestInitTurnIrrelevantIsNotCounted(t *testing.T) {
	c := (&fakeCompleter{}).then(ok(types.StageOnboarding, false))
	o := newTestOrchestrator(t, c, nil, nil)

	_, r, err := o.Start(context.Background(), "s1", types.Scenario{})
	require.NoError(t, err)
	assert.Equal(t, 0, r.OffTopicCount)
}

func TestThreeOffTopicTurnsTerminate(t *testing.T) {
	c := (&fakeCompleter{}).then(
		ok(types.StageOnboarding, true),
		ok(types.StageLateralReading, false),
		ok(types.StageLateralReading, false),
		ok(types.StageAssessment, false),
	)
	store := &fakeStore{}
	o := newTestOrchestrator(t, c, store, nil)

	sess, _, err := o.Start(context.Background(), "s1", types.Scenario{})
	require.NoError(t, err)

	r := say(t, o, sess, "what's for lunch?")
	assert.Equal(t, 1, r.OffTopicCount)
	r = say(t, o, sess, "nice weather")
	assert.Equal(t, 2, r.OffTopicCount)
	assert.False(t, r.Terminated)

	r = say(t, o, sess, "bored")
	assert.True(t, r.Terminated)
	assert.Equal(t, 3, r.OffTopicCount)
	assert.Equal(t, types.ActionTerminated, r.Turn.Directive.RequiredAction)
	assert.Equal(t, o.messages.Termination, r.Turn.Content)
	assert.Equal(t, types.StageLateralReading, r.Stage, "stage from the discarded directive is not adopted")
	assert.Equal(t, "4242", r.VerificationCode)
	assert.Empty(t, r.ImageURL)

	sess.Wait()

	_, err = o.HandleTurn(context.Background(), sess, UserInput{Text: "hello?"})
	assert.ErrorIs(t, err, ErrSessionTerminated)

	require.Len(t, store.batches, 1)
	terminated := 0
	for _, rec := range store.batches[0].LogEntries {
		if rec.RequiredAction == types.ActionTerminated {
			terminated++
			assert.Equal(t, 3, rec.OffTopicCount)
		}
	}
	assert.Equal(t, 1, terminated, "exactly one TERMINATED record")

	require.Len(t, store.summaries, 1)
	assert.Equal(t, "4242", store.summaries[0].VerificationCode)
	assert.True(t, store.summaries[0].Terminated)

	snap := sess.Snapshot()
	assert.Equal(t, SyncDone, snap.Verification.Status)
	assert.Equal(t, SyncDone, snap.LogFlush.Status)
	assert.Equal(t, 100, snap.Progress)
}

func TestRelevantTurnResetsCounter(t *testing.T) {
	c := (&fakeCompleter{}).then(
		ok(types.StageOnboarding, true),
		ok(types.StageOnboarding, false),
		ok(types.StageOnboarding, false),
		ok(types.StageOnboarding, true),
		ok(types.StageOnboarding, false),
	)
	o := newTestOrchestrator(t, c, nil, nil)
	sess, _, err := o.Start(context.Background(), "s1", types.Scenario{})
	require.NoError(t, err)

	var r *Reply
	for _, msg := range []string{"a", "b", "c", "d"} {
		r = say(t, o, sess, msg)
	}
	assert.Equal(t, 1, r.OffTopicCount)
	assert.False(t, r.Terminated)
}

func TestAssessmentEntryCarriesFinalImage(t *testing.T) {
	c := (&fakeCompleter{}).then(
		ok(types.StageOnboarding, true),
		step{raw: reply(types.StageLateralReading, types.ActionAwaitingInput, "IMG_CASE1", true)},
		ok(types.StageAssessment, true),
		step{raw: reply(types.StageAssessment, types.ActionAwaitingInput, "IMG_FINAL", true)},
	)
	o := newTestOrchestrator(t, c, nil, nil)
	sess, _, err := o.Start(context.Background(), "s1", types.Scenario{})
	require.NoError(t, err)

	r := say(t, o, sess, "it's fake")
	assert.Empty(t, r.ImageURL, "images only appear at the two image steps")

	r = say(t, o, sess, "I checked the source")
	assert.Equal(t, types.StageAssessment, r.Stage)
	assert.Equal(t, finalURL, r.ImageURL)
	assert.Equal(t, "assessment-opening", r.ImageRule)
	assert.Equal(t, 95, r.Progress)

	r = say(t, o, sess, "working on it")
	assert.Empty(t, r.ImageURL)
}

func TestShowImageOutsideImageStepsIsSuppressed(t *testing.T) {
	c := (&fakeCompleter{}).then(
		ok(types.StageOnboarding, true),
		ok(types.StageLateralReading, true),
		step{raw: reply(types.StageLateralReading, types.ActionShowImage, "IMG_CASE1", true)},
		step{raw: reply(types.StageLateralReading, types.ActionShowImage, "https://cdn.example/extra.png", true)},
	)
	o := newTestOrchestrator(t, c, nil, nil)
	sess, _, err := o.Start(context.Background(), "s1", types.Scenario{})
	require.NoError(t, err)

	say(t, o, sess, "I opened a new tab")
	for _, text := range []string{"show me the picture", "and another one"} {
		r := say(t, o, sess, text)
		assert.Equal(t, types.ActionShowImage, r.Turn.Directive.RequiredAction)
		assert.Empty(t, r.ImageURL)
		assert.Equal(t, "text-only", r.ImageRule)
		assert.Nil(t, r.Turn.Directive.ImageURL)
	}

	entries := sess.LogBatch().LogEntries
	last := entries[len(entries)-1]
	assert.Equal(t, types.LogRoleAgent, last.Role)
	assert.Nil(t, last.ImageURL, "the log never records a stray image")
}

func TestModelTerminationSyncsCodeAndLog(t *testing.T) {
	c := (&fakeCompleter{}).then(
		ok(types.StageOnboarding, true),
		step{raw: reply(types.StageAssessment, types.ActionTerminated, "", true)},
	)
	store := &fakeStore{}
	o := newTestOrchestrator(t, c, store, nil)
	sess, _, err := o.Start(context.Background(), "s1", types.Scenario{})
	require.NoError(t, err)

	r := say(t, o, sess, "done")
	assert.True(t, r.Terminated)
	assert.Equal(t, "4242", r.VerificationCode)
	sess.Wait()

	require.Len(t, store.batches, 1)
	batch := store.batches[0]
	assert.Equal(t, "s1", batch.SessionID)
	assert.Equal(t, "case one", batch.Scenario.Case1Context)
	assert.Len(t, batch.LogEntries, 4) // init, agent, user, agent
}

func TestCompletionFailureKeepsSessionOpen(t *testing.T) {
	c := (&fakeCompleter{}).then(
		ok(types.StageOnboarding, true),
		step{err: &completion.Error{Kind: completion.KindCongested, Status: 429, Attempts: 3}},
		step{err: &completion.Error{Kind: completion.KindCredential, Status: 402, Detail: "no credit"}},
		ok(types.StageLateralReading, true),
	)
	o := newTestOrchestrator(t, c, nil, nil)
	sess, _, err := o.Start(context.Background(), "s1", types.Scenario{})
	require.NoError(t, err)

	r := say(t, o, sess, "hi")
	require.NotNil(t, r.Failure)
	assert.Equal(t, "congested", r.Failure.Kind)
	assert.Equal(t, o.messages.Congested, r.Turn.Content)
	assert.False(t, r.Terminated)

	r = say(t, o, sess, "hi again")
	require.NotNil(t, r.Failure)
	assert.Equal(t, "credential", r.Failure.Kind)
	assert.Contains(t, r.Failure.Message, "no credit")

	r = say(t, o, sess, "third time")
	assert.Nil(t, r.Failure)
	assert.Equal(t, types.StageLateralReading, r.Stage)

	// The failed exchanges stay in history as plain model turns.
	hist := c.last().History
	require.Len(t, hist, 5)
	assert.Nil(t, hist[2].Directive)
	assert.Equal(t, o.messages.Congested, hist[2].Content)
}

func TestConcurrentTurnIsRefused(t *testing.T) {
	c := (&fakeCompleter{}).then(ok(types.StageOnboarding, true))
	o := newTestOrchestrator(t, c, nil, nil)
	sess, _, err := o.Start(context.Background(), "s1", types.Scenario{})
	require.NoError(t, err)

	c.mu.Lock()
	c.entered = make(chan struct{})
	c.release = make(chan struct{})
	c.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := o.HandleTurn(context.Background(), sess, UserInput{Text: "first"})
		done <- err
	}()
	<-c.entered

	_, err = o.HandleTurn(context.Background(), sess, UserInput{Text: "second"})
	assert.ErrorIs(t, err, ErrTurnInFlight)

	close(c.release)
	require.NoError(t, <-done)
}

func TestCancelledCallerStillCompletes(t *testing.T) {
	c := (&fakeCompleter{}).then(ok(types.StageOnboarding, true), ok(types.StageLateralReading, true))
	o := newTestOrchestrator(t, c, nil, nil)
	sess, _, err := o.Start(context.Background(), "s1", types.Scenario{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r, err := o.HandleTurn(ctx, sess, UserInput{Text: "go"})
	require.NoError(t, err)
	assert.Nil(t, r.Failure)
	assert.Equal(t, types.StageLateralReading, r.Stage)
}

func TestImageOnlyTurn(t *testing.T) {
	c := (&fakeCompleter{}).then(ok(types.StageOnboarding, true), ok(types.StageOnboarding, true))
	o := newTestOrchestrator(t, c, nil, nil)
	sess, _, err := o.Start(context.Background(), "s1", types.Scenario{})
	require.NoError(t, err)

	img := &types.Attachment{Data: []byte{0xff, 0xd8}, MIMEType: "image/jpeg"}
	_, err = o.HandleTurn(context.Background(), sess, UserInput{Image: img})
	require.NoError(t, err)

	req := c.last()
	assert.Equal(t, "Check this image", req.UserText)
	assert.Same(t, img, req.UserImage)

	snap := sess.Snapshot()
	assert.Equal(t, "[image attached]", snap.History[1].Content)

	batch := sess.LogBatch()
	user := batch.LogEntries[2]
	assert.Equal(t, types.LogRoleUser, user.Role)
	assert.True(t, user.UserImageAttached)
	assert.True(t, batch.LogEntries[3].UserImageAttached)
}

func TestEmptyInputRejected(t *testing.T) {
	o := newTestOrchestrator(t, &fakeCompleter{}, nil, nil)
	sess, _, err := o.Start(context.Background(), "s1", types.Scenario{})
	require.NoError(t, err)
	_, err = o.HandleTurn(context.Background(), sess, UserInput{Text: "   "})
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestLinkIsReadBeforeCompletion(t *testing.T) {
	c := (&fakeCompleter{}).then(ok(types.StageOnboarding, true), ok(types.StageLateralReading, true))
	f := &fakeFetcher{content: "Page about the train door incident"}
	o := newTestOrchestrator(t, c, nil, f)
	sess, _, err := o.Start(context.Background(), "s1", types.Scenario{})
	require.NoError(t, err)

	r := say(t, o, sess, "I found https://news.example/a?b=1 which says otherwise")
	assert.Equal(t, []string{"https://news.example/a?b=1"}, f.targets)
	assert.True(t, r.WebRead)
	assert.Equal(t, "Page about the train door incident", c.last().WebContent)

	rec := sess.LogBatch().LogEntries[3]
	require.NotNil(t, rec.WebURLExtracted)
	assert.Equal(t, "https://news.example/a?b=1", *rec.WebURLExtracted)
}

func TestHistoryExcludesCurrentTurn(t *testing.T) {
	c := (&fakeCompleter{}).then(ok(types.StageOnboarding, true), ok(types.StageOnboarding, true), ok(types.StageOnboarding, true))
	o := newTestOrchestrator(t, c, nil, nil)
	sess, _, err := o.Start(context.Background(), "s1", types.Scenario{})
	require.NoError(t, err)

	say(t, o, sess, "one")
	say(t, o, sess, "two")

	req := c.last()
	require.Len(t, req.History, 3)
	assert.Equal(t, "one", req.History[1].Content)
	assert.Equal(t, "two", req.UserText)
	assert.Equal(t, types.StageOnboarding, req.Stage)
}

func TestVerificationSyncFailureIsRetriable(t *testing.T) {
	c := (&fakeCompleter{}).then(
		ok(types.StageOnboarding, true),
		step{raw: reply(types.StageAssessment, types.ActionTerminated, "", true)},
	)
	store := &fakeStore{failUpsert: 10}
	o := newTestOrchestrator(t, c, store, nil)
	sess, _, err := o.Start(context.Background(), "s1", types.Scenario{})
	require.NoError(t, err)

	say(t, o, sess, "done")
	sess.Wait()

	snap := sess.Snapshot()
	assert.Equal(t, SyncFailed, snap.Verification.Status)
	assert.True(t, snap.Verification.Retriable())
	assert.Equal(t, 2, snap.Verification.Attempts)
	assert.Equal(t, SyncDone, snap.LogFlush.Status, "log flush is independent of the code sync")

	store.setFailures(0)
	require.NoError(t, o.RetryVerificationSync(context.Background(), sess))
	snap = sess.Snapshot()
	assert.Equal(t, SyncDone, snap.Verification.Status)
	assert.Equal(t, 3, snap.Verification.Attempts)
	require.Len(t, store.summaries, 1)

	// Retrying a finished push is a no-op.
	require.NoError(t, o.RetryVerificationSync(context.Background(), sess))
	require.NoError(t, o.RetryLogFlush(context.Background(), sess))
	assert.Len(t, store.batches, 1)
}

func TestRetryBeforeTermination(t *testing.T) {
	o := newTestOrchestrator(t, &fakeCompleter{}, &fakeStore{}, nil)
	sess, _, err := o.Start(context.Background(), "s1", types.Scenario{})
	require.NoError(t, err)
	assert.ErrorIs(t, o.RetryVerificationSync(context.Background(), sess), ErrNotTerminated)
	assert.ErrorIs(t, o.RetryLogFlush(context.Background(), sess), ErrNotTerminated)
}

func TestNoPersistenceSkipsSync(t *testing.T) {
	c := (&fakeCompleter{}).then(
		ok(types.StageOnboarding, true),
		step{raw: reply(types.StageAssessment, types.ActionTerminated, "", true)},
	)
	o := newTestOrchestrator(t, c, nil, nil)
	sess, _, err := o.Start(context.Background(), "s1", types.Scenario{})
	require.NoError(t, err)
	say(t, o, sess, "done")
	sess.Wait()
	assert.Equal(t, SyncSkipped, sess.Snapshot().Verification.Status)
}

func TestMalformedReplyContinues(t *testing.T) {
	c := (&fakeCompleter{}).then(
		ok(types.StageOnboarding, true),
		ok(types.StageLateralReading, true),
		step{raw: "{\"stage\": \"2_LateralReading\", \"agent_response\": "},
	)
	o := newTestOrchestrator(t, c, nil, nil)
	sess, _, err := o.Start(context.Background(), "s1", types.Scenario{})
	require.NoError(t, err)
	say(t, o, sess, "a")

	r := say(t, o, sess, "b")
	assert.Nil(t, r.Failure)
	assert.Equal(t, types.StageLateralReading, r.Stage)
	assert.Equal(t, o.messages.ParseFailure, r.Turn.Content)
}

func TestStartRejectsEmptyID(t *testing.T) {
	o := newTestOrchestrator(t, &fakeCompleter{}, nil, nil)
	_, _, err := o.Start(context.Background(), " ", types.Scenario{})
	assert.Error(t, err)
}

func TestNewOrchestratorRequiresCompleter(t *testing.T) {
	_, err := NewOrchestrator(Options{})
	assert.Error(t, err)
}
