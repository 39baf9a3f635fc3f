package sim

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/tcassar-diss/nethook/wfp"
)

// engine is one management session. Objects are staged inside a transaction
// and only become visible on commit. A dynamic session removes everything it
// committed when it closes.
type engine struct {
	fw      *Framework
	session wfp.Session
	closed  bool

	inTxn     bool
	sublayers []*wfp.Sublayer
	callouts  []*wfp.CalloutRecord
	filters   []*wfp.Filter

	ownedSublayers []uuid.UUID
	ownedCallouts  []uuid.UUID
	ownedFilters   []uint64
}

// check must be called with fw.mu held.
func (e *engine) check(op string, needTxn bool) error {
	if err := e.fw.injected(op); err != nil {
		return err
	}

	if e.closed {
		return wfp.ErrEngineClosed
	}

	if needTxn && !e.inTxn {
		return wfp.ErrNoTransaction
	}

	return nil
}

func (e *engine) BeginTransaction() error {
	e.fw.mu.Lock()
	defer e.fw.mu.Unlock()

	if err := e.check(OpBeginTransaction, false); err != nil {
		return err
	}

	if e.inTxn {
		return wfp.ErrInTransaction
	}

	e.inTxn = true

	return nil
}

func (e *engine) CommitTransaction() error {
	e.fw.mu.Lock()
	defer e.fw.mu.Unlock()

	if err := e.check(OpCommitTransaction, true); err != nil {
		return err
	}

	for _, s := range e.sublayers {
		e.fw.sublayers[s.Key] = s
		e.ownedSublayers = append(e.ownedSublayers, s.Key)
	}

	for _, c := range e.callouts {
		e.fw.records[c.Key] = c
		e.ownedCallouts = append(e.ownedCallouts, c.Key)
	}

	for _, f := range e.filters {
		e.fw.filters[f.ID] = f
		e.ownedFilters = append(e.ownedFilters, f.ID)
	}

	e.reset()

	return nil
}

func (e *engine) AbortTransaction() error {
	e.fw.mu.Lock()
	defer e.fw.mu.Unlock()

	if e.closed {
		return wfp.ErrEngineClosed
	}

	if !e.inTxn {
		return wfp.ErrNoTransaction
	}

	e.reset()

	return nil
}

func (e *engine) reset() {
	e.inTxn = false
	e.sublayers = nil
	e.callouts = nil
	e.filters = nil
}

func (e *engine) staged(key uuid.UUID) bool {
	for _, c := range e.callouts {
		if c.Key == key {
			return true
		}
	}

	return false
}

func (e *engine) AddSublayer(sublayer *wfp.Sublayer) error {
	e.fw.mu.Lock()
	defer e.fw.mu.Unlock()

	if err := e.check(OpAddSublayer, true); err != nil {
		return err
	}

	if _, ok := e.fw.sublayers[sublayer.Key]; ok {
		return fmt.Errorf("%w: sublayer %s", wfp.ErrAlreadyExists, sublayer.Key)
	}

	s := *sublayer
	e.sublayers = append(e.sublayers, &s)

	return nil
}

func (e *engine) AddCallout(callout *wfp.CalloutRecord) error {
	e.fw.mu.Lock()
	defer e.fw.mu.Unlock()

	if err := e.check(OpAddCallout, true); err != nil {
		return err
	}

	if _, ok := e.fw.records[callout.Key]; ok || e.staged(callout.Key) {
		return fmt.Errorf("%w: callout %s", wfp.ErrAlreadyExists, callout.Key)
	}

	c := *callout
	e.callouts = append(e.callouts, &c)

	return nil
}

func (e *engine) AddFilter(filter *wfp.Filter) (uint64, error) {
	e.fw.mu.Lock()
	defer e.fw.mu.Unlock()

	if err := e.check(OpAddFilter, true); err != nil {
		return 0, err
	}

	if _, ok := wfp.LayerByKey(filter.LayerKey); !ok {
		return 0, fmt.Errorf("%w: layer %s", wfp.ErrNotFound, filter.LayerKey)
	}

	e.fw.nextFilterID++

	f := *filter
	f.ID = e.fw.nextFilterID
	e.filters = append(e.filters, &f)

	return f.ID, nil
}

func (e *engine) Close() error {
	e.fw.mu.Lock()
	defer e.fw.mu.Unlock()

	if e.closed {
		return wfp.ErrEngineClosed
	}

	e.reset()
	e.closed = true
	e.fw.openEngines--

	if !e.session.Dynamic {
		return nil
	}

	for _, id := range e.ownedFilters {
		delete(e.fw.filters, id)
	}

	for _, key := range e.ownedCallouts {
		delete(e.fw.records, key)
	}

	for _, key := range e.ownedSublayers {
		delete(e.fw.sublayers, key)
	}

	e.fw.logger.Debugw("closed dynamic session",
		"filters", len(e.ownedFilters),
		"callouts", len(e.ownedCallouts),
	)

	return nil
}
