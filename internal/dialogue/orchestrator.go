// Package dialogue implements the conversation turn orchestrator.
//
// One turn runs a fixed pipeline:
//
//	user input → link read → completion → normalization → transition → image policy → log
//
// Each session is driven through its own *Session handle. A session accepts
// one turn at a time and refuses input once terminated.
package dialogue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"lateraltutor/internal/articulation"
	"lateraltutor/internal/completion"
	"lateraltutor/internal/config"
	"lateraltutor/internal/imagery"
	"lateraltutor/internal/logging"
	"lateraltutor/internal/types"
	"lateraltutor/internal/webfetch"
)

var (
	// ErrTurnInFlight is returned when a turn arrives while another is running.
	ErrTurnInFlight = errors.New("a turn is already in progress for this session")
	// ErrSessionTerminated is returned for input after the session has ended.
	ErrSessionTerminated = errors.New("session has terminated")
	// ErrEmptyInput is returned for a turn with neither text nor image.
	ErrEmptyInput = errors.New("turn has no text and no image")
	// ErrSyncInProgress is returned when a retry races a running push.
	ErrSyncInProgress = errors.New("sync already in progress")
	// ErrNotTerminated is returned when persistence is retried before the end.
	ErrNotTerminated = errors.New("session has not terminated")
)

// Fetcher reads a web page for the model. Failures report false.
type Fetcher interface {
	Fetch(ctx context.Context, target string) (string, bool)
}

// InstructionFunc renders the system instruction for a scenario.
type InstructionFunc func(types.Scenario) (string, error)

// Options wires an Orchestrator.
type Options struct {
	Completer   completion.Completer
	Fetcher     Fetcher // nil disables link reading
	Normalizer  *articulation.Normalizer
	Resolver    *imagery.Resolver
	Policy      *imagery.Policy
	Persistence types.Persistence // nil skips persistence

	Machine         Machine
	Messages        config.MessagesConfig
	Instruction     InstructionFunc
	DefaultScenario types.Scenario

	SyncAttempts int
	SyncDelay    time.Duration

	Codes func() string    // verification codes; defaults to NewVerificationCode
	Clock func() time.Time // defaults to time.Now
}

// Orchestrator runs turns for any number of sessions. It holds no
// per-session state itself.
type Orchestrator struct {
	completer   completion.Completer
	fetcher     Fetcher
	normalizer  *articulation.Normalizer
	resolver    *imagery.Resolver
	policy      *imagery.Policy
	persistence types.Persistence

	machine         Machine
	messages        config.MessagesConfig
	instruction     InstructionFunc
	defaultScenario types.Scenario

	syncAttempts int
	syncDelay    time.Duration
	codes        func() string
	now          func() time.Time
}

// NewOrchestrator validates opts and fills defaults.
func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if opts.Completer == nil {
		return nil, fmt.Errorf("dialogue: completer is required")
	}
	if opts.Resolver == nil {
		catalog, err := imagery.NewCatalog(imagery.DefaultCatalog())
		if err != nil {
			return nil, err
		}
		opts.Resolver = imagery.NewResolver(catalog)
	}
	if opts.Policy == nil {
		opts.Policy = imagery.NewPolicy(opts.Resolver, "", "")
	}
	defaults := config.DefaultMessages()
	msgs := opts.Messages
	fill := func(v *string, d string) {
		if strings.TrimSpace(*v) == "" {
			*v = d
		}
	}
	fill(&msgs.InitPrompt, defaults.InitPrompt)
	fill(&msgs.Termination, defaults.Termination)
	fill(&msgs.ParseFailure, defaults.ParseFailure)
	fill(&msgs.Congested, defaults.Congested)
	fill(&msgs.Credential, defaults.Credential)
	fill(&msgs.ServiceError, defaults.ServiceError)
	fill(&msgs.ImagePlaceholder, defaults.ImagePlaceholder)
	fill(&msgs.ImagePrompt, defaults.ImagePrompt)
	if opts.Normalizer == nil {
		opts.Normalizer = articulation.NewNormalizer(msgs.ParseFailure)
	}
	if opts.Machine.MaxOffTopic <= 0 {
		opts.Machine.MaxOffTopic = DefaultMaxOffTopic
	}
	if opts.Machine.TerminationMessage == "" {
		opts.Machine.TerminationMessage = msgs.Termination
	}
	if opts.Instruction == nil {
		opts.Instruction = func(types.Scenario) (string, error) { return "", nil }
	}
	if opts.SyncAttempts <= 0 {
		opts.SyncAttempts = 3
	}
	if opts.SyncDelay <= 0 {
		opts.SyncDelay = time.Second
	}
	if opts.Codes == nil {
		opts.Codes = NewVerificationCode
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	return &Orchestrator{
		completer:       opts.Completer,
		fetcher:         opts.Fetcher,
		normalizer:      opts.Normalizer,
		resolver:        opts.Resolver,
		policy:          opts.Policy,
		persistence:     opts.Persistence,
		machine:         opts.Machine,
		messages:        msgs,
		instruction:     opts.Instruction,
		defaultScenario: opts.DefaultScenario,
		syncAttempts:    opts.SyncAttempts,
		syncDelay:       opts.SyncDelay,
		codes:           opts.Codes,
		now:             opts.Clock,
	}, nil
}

// OptionsFromConfig fills the configuration-driven parts of Options.
// Collaborators (completer, fetcher, persistence, imagery) are left to the caller.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Machine: Machine{
			MaxOffTopic:        cfg.Dialogue.MaxOffTopic,
			StrictStages:       cfg.Dialogue.StrictStages,
			TerminationMessage: cfg.Messages.Termination,
		},
		Messages:        cfg.Messages,
		DefaultScenario: cfg.Script.Scenario,
		SyncAttempts:    cfg.Storage.SyncAttempts,
	}
}

// Normalizer exposes the normalizer for stats reporting.
func (o *Orchestrator) Normalizer() *articulation.Normalizer { return o.normalizer }

// UserInput is one student message.
type UserInput struct {
	Text  string
	Image *types.Attachment
}

// Failure describes a completion failure shown to the student as a model
// turn. The session stays open; the student may send again.
type Failure struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Reply is the outcome of one turn.
type Reply struct {
	Turn             types.Turn          `json:"turn"`
	ImageURL         string              `json:"image_url,omitempty"`
	ImageRule        string              `json:"image_rule,omitempty"`
	Stage            types.Stage         `json:"stage"`
	Progress         int                 `json:"progress"`
	OffTopicCount    int                 `json:"off_topic_count"`
	Terminated       bool                `json:"terminated"`
	VerificationCode string              `json:"verification_code,omitempty"`
	Method           articulation.Method `json:"parse_method,omitempty"`
	WebURL           string              `json:"web_url,omitempty"`
	WebRead          bool                `json:"web_read"`
	Failure          *Failure            `json:"failure,omitempty"`
}

// Start creates a session and runs the synthetic initialization turn. A
// zero scenario selects the configured default. The returned reply may
// carry a Failure; the session is usable either way.
func (o *Orchestrator) Start(ctx context.Context, sessionID string, scenario types.Scenario) (*Session, *Reply, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, nil, fmt.Errorf("dialogue: empty session id")
	}
	if scenario == (types.Scenario{}) {
		scenario = o.defaultScenario
	}
	system, err := o.instruction(scenario)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build system instruction: %w", err)
	}

	sess := newSession(sessionID, o.now(), scenario, system)
	logging.Audit(sessionID).SessionStart()
	logging.Dialogue("Session %s started", sessionID)

	sess.mu.Lock()
	sess.appendLocked(nil, initRecord(o.now(), o.messages.InitPrompt))
	sess.mu.Unlock()

	reply := o.exchange(ctx, sess, exchange{text: o.messages.InitPrompt, init: true})
	return sess, reply, nil
}

// HandleTurn runs one student turn. It returns ErrTurnInFlight if another
// turn of the same session is running, and ErrSessionTerminated once the
// session has ended. Completion failures are reported in Reply.Failure.
func (o *Orchestrator) HandleTurn(ctx context.Context, sess *Session, in UserInput) (*Reply, error) {
	if !sess.gate.TryAcquire(1) {
		return nil, ErrTurnInFlight
	}
	defer sess.gate.Release(1)

	if sess.Terminated() {
		return nil, ErrSessionTerminated
	}
	text := strings.TrimSpace(in.Text)
	if text == "" && in.Image == nil {
		return nil, ErrEmptyInput
	}

	display, send := text, text
	if text == "" {
		display, send = o.messages.ImagePlaceholder, o.messages.ImagePrompt
	}

	ex := exchange{text: send, image: in.Image, history: sess.historyCopy()}

	// 1. Record the student's turn.
	sess.mu.Lock()
	state := sess.state
	sess.appendLocked(
		&types.Turn{Role: types.RoleUser, Content: display, Image: in.Image, At: o.now()},
		userRecord(o.now(), state, display, in.Image != nil),
	)
	turnNum := state.ModelTurns
	sess.mu.Unlock()

	audit := logging.Audit(sess.ID)
	audit.TurnStart(turnNum, len(text), in.Image != nil)
	start := time.Now()

	// 2. Read the first link, if any. This blocks the completion request.
	if ex.webURL = webfetch.FirstURL(text); ex.webURL != "" && o.fetcher != nil {
		ex.webContent, ex.webRead = o.fetcher.Fetch(ctx, ex.webURL)
	}

	// 3-7. Completion through log emission.
	reply := o.exchange(ctx, sess, ex)
	audit.TurnEnd(turnNum, time.Since(start), reply.Failure == nil)
	return reply, nil
}

type exchange struct {
	text       string
	image      *types.Attachment
	history    []types.Turn
	init       bool
	webURL     string
	webContent string
	webRead    bool
}

// exchange sends one user message and applies the model's reply.
func (o *Orchestrator) exchange(ctx context.Context, sess *Session, ex exchange) *Reply {
	state := sess.State()
	audit := logging.Audit(sess.ID)

	req := completion.Request{
		System:        sess.system,
		History:       ex.history,
		UserText:      ex.text,
		UserImage:     ex.image,
		Stage:         state.Stage,
		OffTopicCount: state.OffTopicCount,
		WebContent:    ex.webContent,
	}

	// Once issued, the completion runs to the end of its retry budget.
	callStart := time.Now()
	raw, err := o.completer.Complete(context.WithoutCancel(ctx), req)
	audit.LLMCall(o.modelName(), time.Since(callStart), err)
	if err != nil {
		return o.fail(sess, ex, err)
	}

	norm := o.normalizer.Normalize(raw, state.Stage)

	sess.mu.Lock()
	prev := sess.state
	out := o.machine.Apply(prev, norm.Directive, ex.init)

	situation := imagery.Situation{
		FirstModelTurn: prev.ModelTurns == 0,
		Stage:          out.State.Stage,
		Transition:     out.Transition,
	}
	image, rule := o.policy.Apply(situation, o.resolver.Resolve(out.Directive.Image()))

	d := out.Directive
	d.ImageURL = types.StringPtr(image.URL)
	at := o.now()
	sess.state = out.State
	sess.appendLocked(
		&types.Turn{Role: types.RoleModel, Content: d.AgentResponse, Directive: &d, At: at},
		agentRecord(at, out.State, d, image.URL, ex.image != nil, ex.webURL),
	)

	var code string
	if out.Terminate {
		code = o.codes()
		sess.code = code
		sess.verification = SyncState{Status: SyncPending}
		sess.flush = SyncState{Status: SyncPending}
	}
	sess.mu.Unlock()

	if out.PrevStage != out.State.Stage {
		audit.StageChange(string(out.PrevStage), string(out.State.Stage), out.Transition != imagery.TransitionOther)
	}
	logging.DialogueDebug("Session %s: stage=%s offTopic=%d action=%s image=%s(%s) method=%s",
		sess.ID, out.State.Stage, out.State.OffTopicCount, d.RequiredAction, image.Source, rule, norm.Method)

	if out.Terminate {
		reason := "model"
		if out.Forced {
			reason = "off_topic"
		}
		audit.Termination(reason, out.State.OffTopicCount)
		logging.Dialogue("Session %s terminated (%s)", sess.ID, reason)
		sess.wg.Add(1)
		go func() {
			defer sess.wg.Done()
			bg := context.WithoutCancel(ctx)
			_ = o.syncVerification(bg, sess)
			_ = o.flushLog(bg, sess)
		}()
	}

	return &Reply{
		Turn:             types.Turn{Role: types.RoleModel, Content: d.AgentResponse, Directive: &d, At: at},
		ImageURL:         image.URL,
		ImageRule:        rule,
		Stage:            out.State.Stage,
		Progress:         out.State.Progress(),
		OffTopicCount:    out.State.OffTopicCount,
		Terminated:       out.State.Terminated,
		VerificationCode: code,
		Method:           norm.Method,
		WebURL:           ex.webURL,
		WebRead:          ex.webRead,
	}
}

// fail appends the error model turn. The session is not terminated.
func (o *Orchestrator) fail(sess *Session, ex exchange, err error) *Reply {
	failure := o.describe(err)
	logging.DialogueWarn("Session %s: completion failed (%s): %v", sess.ID, failure.Kind, err)

	at := o.now()
	turn := types.Turn{Role: types.RoleModel, Content: failure.Message, At: at}

	sess.mu.Lock()
	state := sess.state
	sess.appendLocked(&turn, failureRecord(at, state, failure.Message))
	sess.mu.Unlock()

	return &Reply{
		Turn:          turn,
		Stage:         state.Stage,
		Progress:      state.Progress(),
		OffTopicCount: state.OffTopicCount,
		WebURL:        ex.webURL,
		WebRead:       ex.webRead,
		Failure:       failure,
	}
}

func (o *Orchestrator) describe(err error) *Failure {
	var ce *completion.Error
	if !errors.As(err, &ce) {
		return &Failure{Kind: completion.KindTransport.String(), Message: fmt.Sprintf("%s: %v", o.messages.ServiceError, err)}
	}
	switch ce.Kind {
	case completion.KindCongested:
		return &Failure{Kind: ce.Kind.String(), Message: o.messages.Congested}
	case completion.KindCredential:
		return &Failure{Kind: ce.Kind.String(), Message: fmt.Sprintf("%s (%d): %s", o.messages.Credential, ce.Status, ce.Detail)}
	case completion.KindAPI:
		return &Failure{Kind: ce.Kind.String(), Message: fmt.Sprintf("%s (%d): %s", o.messages.ServiceError, ce.Status, ce.Detail)}
	default:
		return &Failure{Kind: ce.Kind.String(), Message: fmt.Sprintf("%s: %s", o.messages.ServiceError, ce.Detail)}
	}
}

func (o *Orchestrator) modelName() string {
	if m, ok := o.completer.(interface{ Model() string }); ok {
		return m.Model()
	}
	return ""
}

// =============================================================================
// PERSISTENCE
// =============================================================================

// RetryVerificationSync pushes the verification code again after a failed
// sync. It runs synchronously.
func (o *Orchestrator) RetryVerificationSync(ctx context.Context, sess *Session) error {
	if err := o.claim(sess, func(s *Session) *SyncState { return &s.verification }); err != nil {
		return err
	}
	return o.syncVerification(ctx, sess)
}

// RetryLogFlush flushes the turn log again after a failed flush.
func (o *Orchestrator) RetryLogFlush(ctx context.Context, sess *Session) error {
	if err := o.claim(sess, func(s *Session) *SyncState { return &s.flush }); err != nil {
		return err
	}
	return o.flushLog(ctx, sess)
}

// claim marks a push as pending unless it is already running or done.
func (o *Orchestrator) claim(sess *Session, field func(*Session) *SyncState) error {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if !sess.state.Terminated {
		return ErrNotTerminated
	}
	st := field(sess)
	switch st.Status {
	case SyncPending:
		return ErrSyncInProgress
	case SyncDone, SyncSkipped:
		return nil
	}
	*st = SyncState{Status: SyncPending, Attempts: st.Attempts}
	return nil
}

func (o *Orchestrator) syncVerification(ctx context.Context, sess *Session) error {
	sess.mu.RLock()
	status, prior := sess.verification.Status, sess.verification.Attempts
	summary := types.SessionSummary{
		SessionID:        sess.ID,
		StartedAt:        sess.StartedAt,
		Terminated:       sess.state.Terminated,
		VerificationCode: sess.code,
		UpdatedAt:        o.now(),
	}
	sess.mu.RUnlock()
	if status != SyncPending {
		return nil
	}
	if o.persistence == nil {
		sess.setVerification(SyncState{Status: SyncSkipped})
		return nil
	}

	n, err := pushWithRetry(ctx, "verification", o.syncAttempts, o.syncDelay, func(ctx context.Context) error {
		return o.persistence.UpsertSessionSummary(ctx, summary)
	})
	logging.Audit(sess.ID).Sync("verification", prior+n, err)
	if err != nil {
		sess.setVerification(SyncState{Status: SyncFailed, Error: err.Error(), Attempts: prior + n})
		return fmt.Errorf("verification sync failed: %w", err)
	}
	sess.setVerification(SyncState{Status: SyncDone, Attempts: prior + n})
	return nil
}

func (o *Orchestrator) flushLog(ctx context.Context, sess *Session) error {
	sess.mu.RLock()
	status, prior := sess.flush.Status, sess.flush.Attempts
	sess.mu.RUnlock()
	if status != SyncPending {
		return nil
	}
	if o.persistence == nil {
		sess.setFlush(SyncState{Status: SyncSkipped})
		return nil
	}

	batch := sess.LogBatch()
	n, err := pushWithRetry(ctx, "log", o.syncAttempts, o.syncDelay, func(ctx context.Context) error {
		receipt, err := o.persistence.AppendLogBatch(ctx, batch)
		if err != nil {
			return err
		}
		if !receipt.Stored {
			return fmt.Errorf("log batch declined: %s", receipt.Message)
		}
		return nil
	})
	logging.Audit(sess.ID).Sync("log", prior+n, err)
	if err != nil {
		sess.setFlush(SyncState{Status: SyncFailed, Error: err.Error(), Attempts: prior + n})
		return fmt.Errorf("log flush failed: %w", err)
	}
	logging.Dialogue("Session %s: flushed %d log records", sess.ID, len(batch.LogEntries))
	sess.setFlush(SyncState{Status: SyncDone, Attempts: prior + n})
	return nil
}
