package memory

import (
	"context"
	"sync"

	"github.com/chanrelay/chanrelay-server/internal/proto"
	"github.com/chanrelay/chanrelay-server/internal/store"
)

// Store is an in-memory implementation of store.Store. It is the
// default backend for single-node setups and tests.
type Store struct {
	mu       sync.RWMutex
	channels map[string]*store.Channel
	messages map[string][]*proto.Message
	missed   map[string][]string
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		channels: make(map[string]*store.Channel),
		messages: make(map[string][]*proto.Message),
		missed:   make(map[string][]string),
	}
}

func (s *Store) Close() error { return nil }

// ==== ChannelStore ====

func (s *Store) HasID(_ context.Context, channelID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.channels[channelID]
	return ok, nil
}

func (s *Store) Store(_ context.Context, ch *store.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ch
	cp.Members = append([]string(nil), ch.Members...)
	s.channels[ch.ID] = &cp
	return nil
}

func (s *Store) Update(_ context.Context, channelID string, upd store.ChannelUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[channelID]
	if !ok {
		return nil
	}
	if upd.Name != nil {
		ch.Name = *upd.Name
	}
	if upd.Owner != nil {
		ch.Owner = *upd.Owner
	}
	if upd.Members != nil {
		ch.Members = append([]string(nil), upd.Members...)
	}
	return nil
}

func (s *Store) Remove(_ context.Context, channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.channels, channelID)
	delete(s.messages, channelID)
	return nil
}

func (s *Store) RemoveAllOwnedBy(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, ch := range s.channels {
		if ch.Owner == userID {
			delete(s.channels, id)
			delete(s.messages, id)
			removed++
		}
	}
	return removed, nil
}

func (s *Store) GetByID(_ context.Context, channelID string) (*store.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channels[channelID]
	if !ok {
		return nil, nil
	}
	cp := *ch
	cp.Members = append([]string(nil), ch.Members...)
	return &cp, nil
}

func (s *Store) GetAll(_ context.Context, includeOtherServers bool, serverID string) ([]*store.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*store.Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		if !includeOtherServers && ch.ServerID != serverID {
			continue
		}
		cp := *ch
		cp.Members = append([]string(nil), ch.Members...)
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) GetAllOwnedBy(_ context.Context, userID string) ([]*store.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*store.Channel
	for _, ch := range s.channels {
		if ch.Owner == userID {
			cp := *ch
			cp.Members = append([]string(nil), ch.Members...)
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ==== ChatStore ====

func (s *Store) StoreMessage(_ context.Context, msg *proto.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.ChannelID] = append(s.messages[msg.ChannelID], msg.Clone())
	return nil
}

func (s *Store) GetAllOfChannel(_ context.Context, channelID string, notOlderThan int64) ([]*proto.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*proto.Message
	for _, msg := range s.messages[channelID] {
		if notOlderThan == 0 || msg.TimeUNIX >= notOlderThan {
			out = append(out, msg.Clone())
		}
	}
	return out, nil
}

func (s *Store) RemoveOlderThan(_ context.Context, channelID string, ts int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.messages[channelID][:0]
	removed := 0
	for _, msg := range s.messages[channelID] {
		if msg.TimeUNIX <= ts {
			removed++
		} else {
			kept = append(kept, msg)
		}
	}
	s.messages[channelID] = kept
	return removed, nil
}

func (s *Store) UpdateMissedChannelsForUser(_ context.Context, userID string, channelIDs []string, _ bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.missed[userID] = append([]string(nil), channelIDs...)
	return nil
}

func (s *Store) GetMissedChannelsForUser(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.missed[userID]...), nil
}
