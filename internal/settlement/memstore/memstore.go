// Package memstore is an in-memory settlement.Store for tests and local runs.
// Transactions are fully serialized and operate on a copy that is swapped in
// on success, so a failed transaction leaves no trace.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sudo-init-do/dealhub/internal/settlement"
)

type data struct {
	deals        map[string]*settlement.Deal
	deliverables map[string][]*settlement.Deliverable
	payouts      map[string]*settlement.Payout
	payoutOrder  []string
	disputes     map[string]*settlement.Dispute
	events       []*settlement.Event
}

func (d *data) clone() *data {
	c := &data{
		deals:        make(map[string]*settlement.Deal, len(d.deals)),
		deliverables: make(map[string][]*settlement.Deliverable, len(d.deliverables)),
		payouts:      make(map[string]*settlement.Payout, len(d.payouts)),
		payoutOrder:  append([]string(nil), d.payoutOrder...),
		disputes:     make(map[string]*settlement.Dispute, len(d.disputes)),
		events:       append([]*settlement.Event(nil), d.events...),
	}
	for k, v := range d.deals {
		c.deals[k] = v.Clone()
	}
	for k, v := range d.deliverables {
		c.deliverables[k] = append([]*settlement.Deliverable(nil), v...)
	}
	for k, v := range d.payouts {
		p := *v
		c.payouts[k] = &p
	}
	for k, v := range d.disputes {
		ds := *v
		c.disputes[k] = &ds
	}
	return c
}

// Store implements settlement.Store.
type Store struct {
	mu sync.Mutex
	d  *data
}

// New returns an empty store.
func New() *Store {
	return &Store{d: &data{
		deals:        map[string]*settlement.Deal{},
		deliverables: map[string][]*settlement.Deliverable{},
		payouts:      map[string]*settlement.Payout{},
		disputes:     map[string]*settlement.Dispute{},
	}}
}

var _ settlement.Store = (*Store)(nil)

func (s *Store) WithTx(ctx context.Context, fn func(tx settlement.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.d.clone()
	if err := fn(&tx{d: work}); err != nil {
		return err
	}
	s.d = work
	return nil
}

func (s *Store) GetDeal(_ context.Context, id string) (*settlement.Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.d.deals[id]
	if !ok {
		return nil, settlement.ErrNotFound
	}
	return d.Clone(), nil
}

func (s *Store) ListDeals(_ context.Context, f settlement.DealFilter) ([]*settlement.Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*settlement.Deal
	for _, d := range s.d.deals {
		if f.BrandID != "" && d.BrandID != f.BrandID {
			continue
		}
		if f.CreatorID != "" && d.CreatorID != f.CreatorID {
			continue
		}
		if f.PartyID != "" && !d.IsParty(f.PartyID) {
			continue
		}
		if len(f.States) > 0 && !hasState(f.States, d.State) {
			continue
		}
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Offset >= len(out) {
		return nil, nil
	}
	out = out[f.Offset:]
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func hasState(states []settlement.DealState, s settlement.DealState) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}

func (s *Store) GetDispute(_ context.Context, id string) (*settlement.Dispute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ds, ok := s.d.disputes[id]
	if !ok {
		return nil, settlement.ErrNotFound
	}
	c := *ds
	return &c, nil
}

func (s *Store) ListDisputes(_ context.Context, dealID string) ([]*settlement.Dispute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*settlement.Dispute
	for _, ds := range s.d.disputes {
		if ds.DealID == dealID {
			c := *ds
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListPayouts(_ context.Context, dealID string) ([]*settlement.Payout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return dealPayouts(s.d, dealID), nil
}

func (s *Store) LatestDeliverable(_ context.Context, milestoneID string) (*settlement.Deliverable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.d.deliverables[milestoneID]
	if len(list) == 0 {
		return nil, settlement.ErrNotFound
	}
	c := *list[len(list)-1]
	return &c, nil
}

func (s *Store) SubmittedBefore(_ context.Context, cutoff time.Time, limit int) ([]settlement.ReleaseCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []settlement.ReleaseCandidate
	for _, d := range s.d.deals {
		for _, m := range d.Milestones {
			if m.State != settlement.MilestoneSubmitted || m.SubmittedAt == nil || !m.SubmittedAt.Before(cutoff) {
				continue
			}
			at := *m.SubmittedAt
			out = append(out, settlement.ReleaseCandidate{
				DealID:         d.ID,
				MilestoneID:    m.ID,
				DealState:      d.State,
				State:          m.State,
				SubmittedAt:    &at,
				HasOpenDispute: hasOpenDispute(s.d, d.ID, m.ID),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(*out[j].SubmittedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Events returns a copy of the audit log in append order.
func (s *Store) Events() []*settlement.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*settlement.Event(nil), s.d.events...)
}

func hasOpenDispute(d *data, dealID, milestoneID string) bool {
	for _, ds := range d.disputes {
		if ds.DealID == dealID && ds.State == settlement.DisputeOpen && (ds.DealScoped() || ds.MilestoneID == milestoneID) {
			return true
		}
	}
	return false
}

func dealPayouts(d *data, dealID string) []*settlement.Payout {
	var out []*settlement.Payout
	for _, id := range d.payoutOrder {
		p := d.payouts[id]
		if p.DealID == dealID {
			c := *p
			out = append(out, &c)
		}
	}
	return out
}

type tx struct {
	d *data
}

func (t *tx) LockDeal(ctx context.Context, id string) (*settlement.Deal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d, ok := t.d.deals[id]
	if !ok {
		return nil, settlement.ErrNotFound
	}
	return d.Clone(), nil
}

func (t *tx) InsertDeal(_ context.Context, d *settlement.Deal) error {
	if _, ok := t.d.deals[d.ID]; ok {
		return settlement.ErrDuplicate
	}
	t.d.deals[d.ID] = d.Clone()
	return nil
}

func (t *tx) SaveDeal(_ context.Context, d *settlement.Deal) error {
	cur, ok := t.d.deals[d.ID]
	if !ok {
		return settlement.ErrNotFound
	}
	if cur.Version != d.Version {
		return settlement.ErrStaleVersion
	}
	d.Version++
	t.d.deals[d.ID] = d.Clone()
	return nil
}

func (t *tx) InsertDeliverable(_ context.Context, dl *settlement.Deliverable) error {
	c := *dl
	t.d.deliverables[dl.MilestoneID] = append(t.d.deliverables[dl.MilestoneID], &c)
	return nil
}

func (t *tx) DealPayouts(_ context.Context, dealID string) ([]*settlement.Payout, error) {
	return dealPayouts(t.d, dealID), nil
}

func (t *tx) InsertPayout(_ context.Context, p *settlement.Payout) error {
	if _, ok := t.d.payouts[p.ID]; ok {
		return settlement.ErrDuplicate
	}
	for _, cur := range t.d.payouts {
		if cur.MilestoneID == p.MilestoneID && cur.Status != settlement.PayoutFailed {
			return settlement.ErrDuplicate
		}
	}
	c := *p
	t.d.payouts[p.ID] = &c
	t.d.payoutOrder = append(t.d.payoutOrder, p.ID)
	return nil
}

func (t *tx) UpdatePayout(_ context.Context, p *settlement.Payout) error {
	if _, ok := t.d.payouts[p.ID]; !ok {
		return settlement.ErrNotFound
	}
	if p.Status == settlement.PayoutSucceeded {
		for id, cur := range t.d.payouts {
			if id != p.ID && cur.MilestoneID == p.MilestoneID && cur.Status == settlement.PayoutSucceeded {
				return settlement.ErrDuplicate
			}
		}
	}
	c := *p
	t.d.payouts[p.ID] = &c
	return nil
}

func (t *tx) OpenDisputes(_ context.Context, dealID string) ([]*settlement.Dispute, error) {
	var out []*settlement.Dispute
	for _, ds := range t.d.disputes {
		if ds.DealID == dealID && ds.State == settlement.DisputeOpen {
			c := *ds
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (t *tx) LockDispute(_ context.Context, id string) (*settlement.Dispute, error) {
	ds, ok := t.d.disputes[id]
	if !ok {
		return nil, settlement.ErrNotFound
	}
	c := *ds
	return &c, nil
}

func (t *tx) InsertDispute(_ context.Context, ds *settlement.Dispute) error {
	for _, cur := range t.d.disputes {
		if cur.DealID == ds.DealID && cur.State == settlement.DisputeOpen && cur.MilestoneID == ds.MilestoneID {
			return settlement.ErrDuplicate
		}
	}
	c := *ds
	t.d.disputes[ds.ID] = &c
	return nil
}

func (t *tx) UpdateDispute(_ context.Context, ds *settlement.Dispute) error {
	if _, ok := t.d.disputes[ds.ID]; !ok {
		return settlement.ErrNotFound
	}
	c := *ds
	t.d.disputes[ds.ID] = &c
	return nil
}

func (t *tx) AppendEvent(_ context.Context, ev *settlement.Event) error {
	c := *ev
	t.d.events = append(t.d.events, &c)
	return nil
}
