package orchestrators

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"gympulse/internal/domain/account"
	"gympulse/internal/domain/event"
	"gympulse/internal/domain/member"
	"gympulse/internal/domain/visit"
)

// --- in-memory test doubles for the backend orchestrators ---

type memAccountStore struct {
	accounts map[string]account.Account // keyed by lower-case email
	saves    int
}

func newMemAccountStore(accts ...account.Account) *memAccountStore {
	s := &memAccountStore{accounts: make(map[string]account.Account)}
	for _, a := range accts {
		s.accounts[strings.ToLower(a.Email)] = a
	}
	return s
}

func (s *memAccountStore) Save(_ context.Context, a account.Account) error {
	s.saves++
	s.accounts[strings.ToLower(a.Email)] = a
	return nil
}

func (s *memAccountStore) GetByEmail(_ context.Context, email string) (account.Account, error) {
	a, ok := s.accounts[strings.ToLower(email)]
	if !ok {
		return account.Account{}, fmt.Errorf("not found")
	}
	return a, nil
}

type memMemberStore struct {
	members map[string]member.Member
}

func newMemMemberStore(ms ...member.Member) *memMemberStore {
	s := &memMemberStore{members: make(map[string]member.Member)}
	for _, m := range ms {
		s.members[m.ID] = m
	}
	return s
}

func (s *memMemberStore) GetByID(_ context.Context, id string) (member.Member, error) {
	m, ok := s.members[id]
	if !ok {
		return member.Member{}, fmt.Errorf("not found")
	}
	return m, nil
}

func (s *memMemberStore) Save(_ context.Context, m member.Member) error {
	s.members[m.ID] = m
	return nil
}

func (s *memMemberStore) Count(context.Context) (int, error) {
	return len(s.members), nil
}

type memVisitStore struct {
	visits  map[string]visit.Record
	saveErr error
}

func newMemVisitStore() *memVisitStore {
	return &memVisitStore{visits: make(map[string]visit.Record)}
}

func (s *memVisitStore) Save(_ context.Context, r visit.Record) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	s.visits[r.ID] = r
	return nil
}

func (s *memVisitStore) OpenForMember(_ context.Context, memberID string) (visit.Record, bool, error) {
	for _, r := range s.visits {
		if r.MemberID == memberID && !r.IsCheckedOut() {
			return r, true, nil
		}
	}
	return visit.Record{}, false, nil
}

type published struct {
	topic   event.Topic
	account string
	env     event.Envelope
}

type recordingPublisher struct {
	mu  sync.Mutex
	out []published
}

func (p *recordingPublisher) Publish(topic event.Topic, env event.Envelope) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.out = append(p.out, published{topic: topic, env: env})
	return 1
}

func (p *recordingPublisher) NotifyAccount(accountID string, env event.Envelope) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.out = append(p.out, published{topic: event.TopicNotifications, account: accountID, env: env})
	return 1
}

type fixedSigner struct{ exp time.Time }

func (s fixedSigner) Sign(a account.Account) (string, time.Time, error) {
	return "token-for-" + a.ID, s.exp, nil
}
