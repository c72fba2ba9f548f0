package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/tradechat/pkg/adapter"
	"github.com/m-mizutani/tradechat/pkg/checkpoint"
	"github.com/m-mizutani/tradechat/pkg/model"
	"github.com/m-mizutani/tradechat/pkg/policy"
	"github.com/m-mizutani/tradechat/pkg/retriever"
	"github.com/m-mizutani/tradechat/pkg/utils/keylock"
	"github.com/m-mizutani/tradechat/pkg/utils/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrGeneration marks a turn that failed because no response could be generated
var ErrGeneration = errors.New("response generation failed")

const (
	// DefaultMemoryThreshold is the minimum similarity for a memory to be
	// shown to the general responder. Equal scores are excluded.
	DefaultMemoryThreshold = 0.2
	memorySearchLimit      = 5

	noLabelData    = "No relevant label/category data found."
	noSupplierData = "No relevant supplier data found."
)

// MemoryStore is the long-term memory capability used by the orchestrator
type MemoryStore interface {
	Put(ctx context.Context, userID model.UserID, id model.MemoryID, m *model.Memory) error
	Search(ctx context.Context, userID model.UserID, query string, limit int) ([]*model.ScoredMemory, error)
}

// Orchestrator runs one conversational turn through the node graph
type Orchestrator struct {
	rewriter  *Rewriter
	router    *Router
	responder *Responder
	extractor *Extractor

	label    retriever.Retriever
	supplier retriever.Retriever
	memory   MemoryStore
	cpr      checkpoint.Checkpointer
	policy   *policy.MemoryPolicy

	userID          model.UserID
	historyLimit    int
	memoryThreshold float64

	locks  *keylock.Locker
	tracer trace.Tracer
}

type Option func(*Orchestrator)

func WithUserID(userID model.UserID) Option {
	return func(x *Orchestrator) {
		x.userID = userID
	}
}

func WithPolicy(p *policy.MemoryPolicy) Option {
	return func(x *Orchestrator) {
		x.policy = p
	}
}

// WithHistoryLimit sets how many recent messages the rewriter sees
func WithHistoryLimit(n int) Option {
	return func(x *Orchestrator) {
		if n > 0 {
			x.historyLimit = n
		}
	}
}

func WithMemoryThreshold(v float64) Option {
	return func(x *Orchestrator) {
		x.memoryThreshold = v
	}
}

func New(gemini adapter.Gemini, label, supplier retriever.Retriever, memory MemoryStore, cpr checkpoint.Checkpointer, opts ...Option) *Orchestrator {
	x := &Orchestrator{
		rewriter:  NewRewriter(gemini),
		router:    NewRouter(gemini),
		responder: NewResponder(gemini),
		extractor: NewExtractor(gemini),

		label:    label,
		supplier: supplier,
		memory:   memory,
		cpr:      cpr,

		userID:          model.DefaultUserID,
		historyLimit:    model.RecentMessageLimit,
		memoryThreshold: DefaultMemoryThreshold,

		locks:  keylock.New(),
		tracer: otel.Tracer("github.com/m-mizutani/tradechat/pkg/usecase/chat"),
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// TurnResult is the outcome of one turn
type TurnResult struct {
	Response string
	State    *model.ConversationState
	Path     []model.Node
}

// RunChat runs one turn and returns the assistant response
func (x *Orchestrator) RunChat(ctx context.Context, userInput string, threadID model.ThreadID) (string, error) {
	result, err := x.Run(ctx, userInput, threadID)
	if err != nil {
		return "", err
	}
	return result.Response, nil
}

// Run runs one turn. Turns on the same thread are processed one at a time in
// arrival order.
func (x *Orchestrator) Run(ctx context.Context, userInput string, threadID model.ThreadID) (*TurnResult, error) {
	if strings.TrimSpace(userInput) == "" {
		return nil, goerr.New("user input is empty")
	}
	if threadID == "" {
		return nil, goerr.New("thread ID is empty")
	}

	key := model.ThreadKey{UserID: x.userID, ThreadID: threadID}
	if err := key.Validate(); err != nil {
		return nil, err
	}
	ctx = logging.Attach(ctx,
		"user_id", key.UserID,
		"thread_id", key.ThreadID,
		"turn_id", uuid.NewString(),
	)

	release, err := x.locks.Acquire(ctx, key.String())
	if err != nil {
		return nil, goerr.Wrap(err, "failed to acquire thread lock", goerr.V("thread", key))
	}
	defer release()

	cp, err := x.cpr.Get(ctx, key)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load checkpoint", goerr.V("thread", key))
	}
	if cp == nil {
		cp = model.NewCheckpoint(key)
	}

	recent := cp.Recent
	if recent == nil || recent.Cap() != x.historyLimit {
		recent = model.NewHistory(x.historyLimit)
		recent.Append(cp.State.Messages...)
	}

	t := &turn{
		key:    key,
		recent: recent,
		state: model.ConversationState{
			UserInput: userInput,
			Messages:  cp.State.Messages,
		},
	}
	priorMessages := len(t.state.Messages)

	if err := x.walk(ctx, t); err != nil {
		return nil, err
	}

	newMessages := t.state.Messages[priorMessages:]
	recent.Append(newMessages...)

	saved := &model.Checkpoint{
		Thread:    key,
		State:     t.state,
		Recent:    recent,
		UpdatedAt: time.Now().UTC(),
	}
	if err := x.cpr.Put(ctx, key, saved); err != nil {
		logging.From(ctx).Error("failed to save checkpoint", "error", err)
	}

	return &TurnResult{
		Response: t.state.Response,
		State:    &t.state,
		Path:     t.path,
	}, nil
}

type turn struct {
	key    model.ThreadKey
	recent *model.History
	state  model.ConversationState
	path   []model.Node
}

// query is the text used for routing and retrieval
func (t *turn) query() string {
	if t.state.RewrittenQuery != "" {
		return t.state.RewrittenQuery
	}
	return t.state.UserInput
}

// stateUpdate is the partial state returned by a node. Set fields overwrite
// the state, Messages are appended.
type stateUpdate struct {
	RewrittenQuery   *string
	QueryType        *model.QueryType
	ProductContext   *string
	RelevantMemories *[]*model.ScoredMemory
	Response         *string
	MemoriesToSave   *[]*model.Memory
	Messages         []model.Message
}

func (x *stateUpdate) apply(s *model.ConversationState) {
	if x == nil {
		return
	}
	if x.RewrittenQuery != nil {
		s.RewrittenQuery = *x.RewrittenQuery
	}
	if x.QueryType != nil {
		s.QueryType = *x.QueryType
	}
	if x.ProductContext != nil {
		s.ProductContext = *x.ProductContext
	}
	if x.RelevantMemories != nil {
		s.RelevantMemories = *x.RelevantMemories
	}
	if x.Response != nil {
		s.Response = *x.Response
	}
	if x.MemoriesToSave != nil {
		s.MemoriesToSave = *x.MemoriesToSave
	}
	s.Messages = append(s.Messages, x.Messages...)
}

func (x *Orchestrator) walk(ctx context.Context, t *turn) error {
	logger := logging.From(ctx)

	for node := model.NodeStart; node != model.NodeEnd; node = next(node, &t.state) {
		t.path = append(t.path, node)

		update, err := x.step(ctx, t, node)
		if err != nil {
			if isGeneration(node) {
				return goerr.Wrap(errors.Join(ErrGeneration, err), "failed to run turn", goerr.V("node", node.String()))
			}
			logger.Error("node failed, continue with unchanged state", "node", node.String(), "error", err)
			continue
		}
		update.apply(&t.state)
	}

	t.path = append(t.path, model.NodeEnd)
	return nil
}

// next is the transition function of the turn graph
func next(node model.Node, s *model.ConversationState) model.Node {
	switch node {
	case model.NodeStart:
		return model.NodeRewriteQuery
	case model.NodeRewriteQuery:
		return model.NodeRouteQueryType
	case model.NodeRouteQueryType:
		switch s.QueryType {
		case model.QueryTypeLabel:
			return model.NodeRetrieveLabelData
		case model.QueryTypeSupplier:
			return model.NodeRetrieveSupplierData
		case model.QueryTypeGeneral:
			return model.NodeRetrieveMemories
		}
		return model.NodeRetrieveMemories
	case model.NodeRetrieveLabelData, model.NodeRetrieveSupplierData:
		return model.NodeGenerateDataResponse
	case model.NodeRetrieveMemories:
		return model.NodeGenerateGeneralResponse
	case model.NodeGenerateDataResponse, model.NodeGenerateGeneralResponse:
		return model.NodeAnalyzeForMemories
	case model.NodeAnalyzeForMemories:
		if len(s.MemoriesToSave) > 0 {
			return model.NodeSaveMemories
		}
		return model.NodeEnd
	case model.NodeSaveMemories, model.NodeEnd:
		return model.NodeEnd
	}
	return model.NodeEnd
}

func isGeneration(node model.Node) bool {
	return node == model.NodeGenerateDataResponse || node == model.NodeGenerateGeneralResponse
}

// step runs a node inside a span and turns a panic into an error
func (x *Orchestrator) step(ctx context.Context, t *turn, node model.Node) (update *stateUpdate, err error) {
	ctx, span := x.tracer.Start(ctx, "chat."+node.String(), trace.WithAttributes(
		attribute.String("thread", t.key.String()),
		attribute.String("query_type", t.state.QueryType.String()),
	))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err = goerr.New("panic in node", goerr.V("node", node.String()), goerr.V("panic", fmt.Sprint(r)))
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	switch node {
	case model.NodeStart, model.NodeEnd:
		return nil, nil
	case model.NodeRewriteQuery:
		return x.rewriteQuery(ctx, t), nil
	case model.NodeRouteQueryType:
		return x.routeQueryType(ctx, t), nil
	case model.NodeRetrieveLabelData:
		return x.retrieveData(ctx, t, x.label, "label", noLabelData), nil
	case model.NodeRetrieveSupplierData:
		return x.retrieveData(ctx, t, x.supplier, "supplier", noSupplierData), nil
	case model.NodeRetrieveMemories:
		return x.retrieveMemories(ctx, t), nil
	case model.NodeGenerateDataResponse:
		return x.generateDataResponse(ctx, t)
	case model.NodeGenerateGeneralResponse:
		return x.generateGeneralResponse(ctx, t)
	case model.NodeAnalyzeForMemories:
		return x.analyzeForMemories(ctx, t), nil
	case model.NodeSaveMemories:
		return x.saveMemories(ctx, t), nil
	}
	return nil, goerr.New("unknown node", goerr.V("node", int(node)))
}

func (x *Orchestrator) rewriteQuery(ctx context.Context, t *turn) *stateUpdate {
	q := x.rewriter.Rewrite(ctx, t.state.UserInput, t.recent)
	return &stateUpdate{RewrittenQuery: &q}
}

func (x *Orchestrator) routeQueryType(ctx context.Context, t *turn) *stateUpdate {
	qt := x.router.Route(ctx, t.query())
	return &stateUpdate{QueryType: &qt}
}

func (x *Orchestrator) retrieveData(ctx context.Context, t *turn, r retriever.Retriever, name, empty string) *stateUpdate {
	docs, err := safeRetrieve(ctx, r, t.query())
	if err != nil {
		logging.From(ctx).Warn("retrieval failed", "retriever", name, "error", err)
		msg := fmt.Sprintf("Error retrieving %s data: %s", name, err.Error())
		return &stateUpdate{ProductContext: &msg}
	}
	if len(docs) == 0 {
		return &stateUpdate{ProductContext: &empty}
	}

	parts := make([]string, 0, len(docs))
	for i, doc := range docs {
		parts = append(parts, fmt.Sprintf("Result %d:\n%s", i+1, doc.Content))
	}
	productContext := strings.Join(parts, "\n\n")

	logging.From(ctx).Info("data retrieved", "retriever", name, "documents", len(docs))
	return &stateUpdate{ProductContext: &productContext}
}

func safeRetrieve(ctx context.Context, r retriever.Retriever, query string) (docs []*model.Document, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = goerr.New(fmt.Sprint(p))
		}
	}()
	if r == nil {
		return nil, goerr.New("retriever is not configured")
	}
	return r.Retrieve(ctx, query)
}

func (x *Orchestrator) retrieveMemories(ctx context.Context, t *turn) *stateUpdate {
	logger := logging.From(ctx)
	relevant := []*model.ScoredMemory{}

	results, err := x.memory.Search(ctx, t.key.UserID, t.query(), memorySearchLimit)
	if err != nil {
		logger.Warn("memory search failed, continue without memories", "error", err)
		return &stateUpdate{RelevantMemories: &relevant}
	}

	for _, m := range results {
		logger.Debug("memory candidate", "score", m.Score, "category", m.Category)
		if m.Score > x.memoryThreshold {
			relevant = append(relevant, m)
		}
	}

	logger.Info("memories retrieved", "candidates", len(results), "relevant", len(relevant))
	return &stateUpdate{RelevantMemories: &relevant}
}

func exchange(userInput, response string) []model.Message {
	return []model.Message{
		{Role: model.RoleUser, Text: userInput},
		{Role: model.RoleAssistant, Text: response},
	}
}

func (x *Orchestrator) generateDataResponse(ctx context.Context, t *turn) (*stateUpdate, error) {
	resp, err := x.responder.GenerateData(ctx, &t.state)
	if err != nil {
		return nil, err
	}
	return &stateUpdate{Response: &resp, Messages: exchange(t.state.UserInput, resp)}, nil
}

func (x *Orchestrator) generateGeneralResponse(ctx context.Context, t *turn) (*stateUpdate, error) {
	resp, err := x.responder.GenerateGeneral(ctx, t.state.UserInput, t.state.RelevantMemories)
	if err != nil {
		return nil, err
	}
	return &stateUpdate{Response: &resp, Messages: exchange(t.state.UserInput, resp)}, nil
}

func (x *Orchestrator) analyzeForMemories(ctx context.Context, t *turn) *stateUpdate {
	memories := x.extractor.Extract(ctx, t.state.UserInput, t.state.Response)

	if x.policy != nil && len(memories) > 0 {
		allowed, err := x.policy.Filter(ctx, t.key.UserID, memories)
		if err != nil {
			logging.From(ctx).Warn("memory policy failed, save nothing", "error", err)
			allowed = nil
		}
		memories = allowed
	}

	if memories == nil {
		memories = []*model.Memory{}
	}
	return &stateUpdate{MemoriesToSave: &memories}
}

func (x *Orchestrator) saveMemories(ctx context.Context, t *turn) *stateUpdate {
	logger := logging.From(ctx)
	for _, m := range t.state.MemoriesToSave {
		id := model.NewMemoryID()
		if err := x.memory.Put(ctx, t.key.UserID, id, m); err != nil {
			logger.Error("failed to save memory", "memory_id", id, "error", err)
			continue
		}
		logger.Info("memory saved", "memory_id", id, "category", m.Category)
	}
	return nil
}
