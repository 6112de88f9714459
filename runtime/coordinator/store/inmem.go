package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"goa.design/weave/runtime/coordinator/ctxstore"
	"goa.design/weave/runtime/coordinator/token"
)

// InMem implements Stores in memory. It is the canonical backend for tests
// and embedded runs. All operations are guarded by one mutex; the coordinator
// serializes writers anyway, the lock only protects against concurrent reads
// from background callbacks.
type InMem struct {
	mu sync.RWMutex

	runID  string
	tokens map[string]token.Token

	wctx *ctxstore.Context

	branches map[string]map[string]any

	fanIns map[string]FanInRecord

	subs map[string]SubworkflowRecord

	status RunStatus

	now func() time.Time
}

// NewInMem constructs empty in-memory stores for the given run. The status
// starts at RunStatusRunning once InitializeWorkflow applies; until then Get
// returns an empty status.
func NewInMem(runID string) *InMem {
	return &InMem{
		runID:    runID,
		tokens:   make(map[string]token.Token),
		branches: make(map[string]map[string]any),
		fanIns:   make(map[string]FanInRecord),
		subs:     make(map[string]SubworkflowRecord),
		now:      time.Now,
	}
}

// Tokens returns the token store.
func (s *InMem) Tokens() Tokens { return (*inmemTokens)(s) }

// Context returns the context store.
func (s *InMem) Context() Context { return (*inmemContext)(s) }

// Branches returns the branch table store.
func (s *InMem) Branches() Branches { return (*inmemBranches)(s) }

// FanIns returns the fan-in record store.
func (s *InMem) FanIns() FanIns { return (*inmemFanIns)(s) }

// Subworkflows returns the subworkflow record store.
func (s *InMem) Subworkflows() Subworkflows { return (*inmemSubs)(s) }

// Status returns the run status store.
func (s *InMem) Status() Status { return (*inmemStatus)(s) }

type inmemTokens InMem

func (s *inmemTokens) Insert(_ context.Context, tok token.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.tokens[tok.ID]; dup {
		return fmt.Errorf("%w: %s", ErrTokenExists, tok.ID)
	}
	now := s.now()
	if tok.CreatedAt.IsZero() {
		tok.CreatedAt = now
	}
	tok.UpdatedAt = now
	tok.RunID = s.runID
	s.tokens[tok.ID] = tok
	return nil
}

func (s *inmemTokens) Get(_ context.Context, id string) (token.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.tokens[id]
	if !ok {
		return token.Token{}, fmt.Errorf("%w: %s", ErrTokenNotFound, id)
	}
	return cloneToken(tok), nil
}

func (s *inmemTokens) Save(_ context.Context, tok token.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[tok.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrTokenNotFound, tok.ID)
	}
	tok.UpdatedAt = s.now()
	s.tokens[tok.ID] = cloneToken(tok)
	return nil
}

func (s *inmemTokens) List(_ context.Context) ([]token.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]token.Token, 0, len(s.tokens))
	for _, tok := range s.tokens {
		out = append(out, cloneToken(tok))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *inmemTokens) ListSiblings(_ context.Context, siblingGroup string) ([]token.Token, error) {
	if siblingGroup == "" {
		return nil, errors.New("sibling group is required")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []token.Token
	for _, tok := range s.tokens {
		if tok.SiblingGroup == siblingGroup {
			out = append(out, cloneToken(tok))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BranchIndex < out[j].BranchIndex })
	return out, nil
}

type inmemContext InMem

func (s *inmemContext) Init(_ context.Context, input map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wctx != nil {
		return errors.New("context already initialized")
	}
	s.wctx = ctxstore.New(input)
	return nil
}

func (s *inmemContext) Snapshot(_ context.Context) (*ctxstore.Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.wctx == nil {
		return nil, ErrContextNotInitialized
	}
	return s.wctx.Clone(), nil
}

func (s *inmemContext) Set(_ context.Context, path string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wctx == nil {
		return ErrContextNotInitialized
	}
	if !s.wctx.Set(path, value) {
		return fmt.Errorf("invalid context path %q", path)
	}
	return nil
}

type inmemBranches InMem

func (s *inmemBranches) Init(_ context.Context, tokenID string, _ map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.branches[tokenID]; !ok {
		s.branches[tokenID] = nil
	}
	return nil
}

func (s *inmemBranches) Put(_ context.Context, tokenID string, output map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.branches[tokenID] = output
	return nil
}

func (s *inmemBranches) Get(_ context.Context, tokenID string) (map[string]any, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out, ok := s.branches[tokenID]
	return out, ok, nil
}

func (s *inmemBranches) Drop(_ context.Context, tokenIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range tokenIDs {
		delete(s.branches, id)
	}
	return nil
}

type inmemFanIns InMem

func (s *inmemFanIns) TryActivate(_ context.Context, fanInPath, transitionID, tokenID string, now time.Time) (bool, error) {
	if fanInPath == "" || tokenID == "" {
		return false, errors.New("fan-in path and token id are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.fanIns[fanInPath]
	if ok && rec.ActivatedBy != "" {
		return false, nil
	}
	s.fanIns[fanInPath] = FanInRecord{
		RunID:        s.runID,
		FanInPath:    fanInPath,
		ActivatedBy:  tokenID,
		TransitionID: transitionID,
		CreatedAt:    now,
	}
	return true, nil
}

func (s *inmemFanIns) Get(_ context.Context, fanInPath string) (FanInRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.fanIns[fanInPath]
	return rec, ok, nil
}

type inmemSubs InMem

func (s *inmemSubs) Register(_ context.Context, rec SubworkflowRecord) error {
	if rec.ParentTokenID == "" || rec.SubworkflowRunID == "" {
		return errors.New("parent token id and subworkflow run id are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.RunID = s.runID
	if rec.Status == "" {
		rec.Status = StatusSubRunning
	}
	s.subs[rec.ParentTokenID] = rec
	return nil
}

func (s *inmemSubs) Get(_ context.Context, parentTokenID string) (SubworkflowRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.subs[parentTokenID]
	return rec, ok, nil
}

func (s *inmemSubs) SetStatus(_ context.Context, parentTokenID string, status SubworkflowStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.subs[parentTokenID]
	if !ok {
		return fmt.Errorf("no subworkflow for token %s", parentTokenID)
	}
	rec.Status = status
	s.subs[parentTokenID] = rec
	return nil
}

func (s *inmemSubs) ListRunning(_ context.Context) ([]SubworkflowRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []SubworkflowRecord
	for _, rec := range s.subs {
		if rec.Status == StatusSubRunning {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParentTokenID < out[j].ParentTokenID })
	return out, nil
}

type inmemStatus InMem

func (s *inmemStatus) Get(_ context.Context) (RunStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status, nil
}

func (s *inmemStatus) Set(_ context.Context, status RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
	return nil
}

func cloneToken(tok token.Token) token.Token {
	tok.IterationCounts = token.CloneIterationCounts(tok.IterationCounts)
	return tok
}
