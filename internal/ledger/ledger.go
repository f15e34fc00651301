package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/roach88/tokenline/internal/ir"
	"github.com/roach88/tokenline/internal/store"
)

// stripes is the number of per-token lock stripes.
const stripes = 64

// Ledger records tokens and outcomes for runs in one durable store.
type Ledger struct {
	store  *store.Store
	ids    IDGenerator
	clock  *Clock
	logger *slog.Logger

	locks [stripes]sync.Mutex

	onToken   func()
	onOutcome func(ir.OutcomeKind)
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithIDGenerator sets the token id source. Default: UUIDv7Generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(l *Ledger) { l.ids = g }
}

// WithClock sets the logical clock. Default: a clock starting at 0.
func WithClock(c *Clock) Option {
	return func(l *Ledger) { l.clock = c }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithObservers registers callbacks invoked after a token or outcome is
// durably written. Either may be nil.
func WithObservers(onToken func(), onOutcome func(ir.OutcomeKind)) Option {
	return func(l *Ledger) {
		l.onToken = onToken
		l.onOutcome = onOutcome
	}
}

// New returns a ledger over s.
func New(s *store.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:  s,
		ids:    UUIDv7Generator{},
		clock:  NewClock(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Store returns the underlying durable store.
func (l *Ledger) Store() *store.Store { return l.store }

// Clock returns the ledger's logical clock.
func (l *Ledger) Clock() *Clock { return l.clock }

// NewID returns a fresh identifier from the ledger's generator.
func (l *Ledger) NewID() string { return l.ids.Generate() }

// lock serializes mutations for one token.
func (l *Ledger) lock(tokenID string) func() {
	m := &l.locks[xxhash.Sum64String(tokenID)%stripes]
	m.Lock()
	return m.Unlock
}

// lockAll locks the stripes of several tokens in stripe order, so two
// callers sharing stripes cannot deadlock.
func (l *Ledger) lockAll(tokenIDs []string) func() {
	idx := make([]uint64, len(tokenIDs))
	for i, id := range tokenIDs {
		idx[i] = xxhash.Sum64String(id) % stripes
	}
	slices.Sort(idx)
	idx = slices.Compact(idx)
	for _, i := range idx {
		l.locks[i].Lock()
	}
	return func() {
		for _, i := range idx {
			l.locks[i].Unlock()
		}
	}
}

// IsTerminal reports whether an outcome kind retires a token.
func IsTerminal(k ir.OutcomeKind) bool {
	return ir.IsTerminal(k)
}

// CreateToken stores a new token. TokenID and Seq are assigned when empty.
// Every parent must exist, and the new token must not appear in its own
// ancestry.
func (l *Ledger) CreateToken(ctx context.Context, tok ir.Token) (ir.Token, error) {
	if tok.TokenID == "" {
		tok.TokenID = l.ids.Generate()
	}
	if tok.Seq == 0 {
		tok.Seq = l.clock.Next()
	}
	tok.Parents = slices.Clone(tok.Parents)

	unlock := l.lock(tok.TokenID)
	defer unlock()

	for _, p := range tok.Parents {
		if err := l.checkLink(ctx, tok.TokenID, p); err != nil {
			return ir.Token{}, err
		}
	}
	if err := l.store.WriteToken(ctx, tok); err != nil {
		return ir.Token{}, fmt.Errorf("create token: %w", err)
	}
	if l.onToken != nil {
		l.onToken()
	}
	l.logger.Debug("token created",
		"run_id", tok.RunID,
		"token_id", tok.TokenID,
		"node_id", tok.NodeID,
		"parents", len(tok.Parents),
	)
	return tok, nil
}

// RecordRow stores a source row. Rows are written before the first token
// that references them.
func (l *Ledger) RecordRow(ctx context.Context, row ir.SourceRow) error {
	if err := l.store.WriteRow(ctx, row); err != nil {
		return fmt.Errorf("record row %d: %w", row.RowIndex, err)
	}
	return nil
}

// AddLineage links an existing token to another token.
func (l *Ledger) AddLineage(ctx context.Context, tokenID string, p ir.ParentLink) error {
	unlock := l.lock(tokenID)
	defer unlock()

	if err := l.checkLink(ctx, tokenID, p); err != nil {
		return err
	}
	return l.store.AddParentLink(ctx, tokenID, p)
}

// checkLink refuses a link that would make tokenID its own ancestor.
func (l *Ledger) checkLink(ctx context.Context, tokenID string, p ir.ParentLink) error {
	if p.ParentTokenID == tokenID {
		return lineageCycle(tokenID, p.ParentTokenID, "token cannot be its own parent")
	}
	if _, err := l.store.ReadToken(ctx, p.ParentTokenID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("create token %s: parent %s does not exist", tokenID, p.ParentTokenID)
		}
		return fmt.Errorf("read parent %s: %w", p.ParentTokenID, err)
	}
	ancestors, err := l.store.ReadAncestors(ctx, p.ParentTokenID)
	if err != nil {
		return err
	}
	if slices.Contains(ancestors, tokenID) {
		return lineageCycle(tokenID, p.ParentTokenID, "token is already an ancestor of its parent")
	}
	return nil
}

func lineageCycle(tokenID, parentID, msg string) error {
	return &ir.Error{
		Code:    ir.ErrCodeLineageCycle,
		Message: msg,
		TokenID: tokenID,
		Details: map[string]string{"parent_token_id": parentID},
	}
}

// Move records a token's current node and payload before it executes there.
func (l *Ledger) Move(ctx context.Context, tokenID, nodeID, payloadRef string) error {
	unlock := l.lock(tokenID)
	defer unlock()
	return l.store.MoveToken(ctx, tokenID, nodeID, payloadRef)
}

// RecordJoin completes a coalescing join: the survivor is stamped with
// joinGroupID and every member is linked to it and retired as COALESCED,
// all in one store transaction.
func (l *Ledger) RecordJoin(ctx context.Context, runID, survivorID, joinGroupID string, members []string) ([]ir.Outcome, error) {
	unlock := l.lockAll(append([]string{survivorID}, members...))
	defer unlock()

	link := ir.ParentLink{ParentTokenID: survivorID, Relation: ir.RelationCoalescedInto}
	outcomes := make([]ir.Outcome, len(members))
	for i, id := range members {
		if err := l.checkLink(ctx, id, link); err != nil {
			return nil, err
		}
		o := ir.Outcome{RunID: runID, TokenID: id, Kind: ir.OutcomeCoalesced, JoinGroupID: joinGroupID}
		if err := l.prepare(ctx, &o); err != nil {
			return nil, err
		}
		outcomes[i] = o
	}
	if err := l.store.WriteJoin(ctx, survivorID, joinGroupID, outcomes); err != nil {
		return nil, err
	}
	for _, o := range outcomes {
		l.recorded(o)
	}
	return outcomes, nil
}

// RecordOutcome validates and appends an outcome. It fails with
// MissingField when a terminal outcome lacks its required field, and with
// OutcomeConflict when the token already has a terminal outcome.
func (l *Ledger) RecordOutcome(ctx context.Context, o ir.Outcome) (ir.Outcome, error) {
	unlock := l.lock(o.TokenID)
	defer unlock()

	if err := l.prepare(ctx, &o); err != nil {
		return ir.Outcome{}, err
	}
	id, err := l.store.WriteOutcome(ctx, o)
	if err != nil {
		return ir.Outcome{}, err
	}
	o.ID = id
	l.recorded(o)
	return o, nil
}

// RecordSinkOutcome stores a sink node state and its COMPLETED or ROUTED
// outcome atomically.
func (l *Ledger) RecordSinkOutcome(ctx context.Context, nodeID string, o ir.Outcome) (ir.Outcome, error) {
	unlock := l.lock(o.TokenID)
	defer unlock()

	if o.Kind != ir.OutcomeCompleted && o.Kind != ir.OutcomeRouted {
		return ir.Outcome{}, fmt.Errorf("record sink outcome: %s is not a sink outcome", o.Kind)
	}
	if err := l.prepare(ctx, &o); err != nil {
		return ir.Outcome{}, err
	}
	state := ir.NodeState{
		RunID:    o.RunID,
		TokenID:  o.TokenID,
		NodeID:   nodeID,
		Status:   ir.NodeCompleted,
		SinkName: o.SinkName,
		Seq:      o.Seq,
	}
	id, err := l.store.WriteSinkPair(ctx, state, o)
	if err != nil {
		return ir.Outcome{}, err
	}
	o.ID = id
	l.recorded(o)
	return o, nil
}

// RecordNodeFailure appends a failed node state. It is detail only; the
// token's FAILED outcome is recorded separately.
func (l *Ledger) RecordNodeFailure(ctx context.Context, runID, tokenID, nodeID string) error {
	return l.store.WriteNodeState(ctx, ir.NodeState{
		RunID:   runID,
		TokenID: tokenID,
		NodeID:  nodeID,
		Status:  ir.NodeFailed,
		Seq:     l.clock.Next(),
	})
}

// TerminalOutcome returns a token's terminal outcome, if any.
func (l *Ledger) TerminalOutcome(ctx context.Context, tokenID string) (ir.Outcome, bool, error) {
	return l.store.ReadTerminalOutcome(ctx, tokenID)
}

// prepare validates o and checks the token is not retired. Callers hold the
// token's lock.
func (l *Ledger) prepare(ctx context.Context, o *ir.Outcome) error {
	if err := o.Validate(); err != nil {
		return err
	}
	existing, found, err := l.store.ReadTerminalOutcome(ctx, o.TokenID)
	if err != nil {
		return err
	}
	if found {
		return ir.NewOutcomeConflictError(o.TokenID, existing.Kind, o.Kind)
	}
	if o.Seq == 0 {
		o.Seq = l.clock.Next()
	}
	return nil
}

func (l *Ledger) recorded(o ir.Outcome) {
	if l.onOutcome != nil {
		l.onOutcome(o.Kind)
	}
	attrs := []any{
		"run_id", o.RunID,
		"token_id", o.TokenID,
		"kind", o.Kind,
		"seq", o.Seq,
	}
	if f := ir.RequiredFieldFor(o.Kind); f != "" {
		attrs = append(attrs, string(f), o.FieldValue(f))
	}
	if o.Kind == ir.OutcomeFailed || o.Kind == ir.OutcomeQuarantined {
		l.logger.Error("token failed", append(attrs, "detail", o.ErrorDetail, "retryable", o.Retryable)...)
		return
	}
	l.logger.Debug("outcome recorded", attrs...)
}
