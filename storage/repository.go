package storage

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/NethermindEth/agent-lounge/core"
)

const (
	agentPrefix   = "agent:"
	roomPrefix    = "room:"
	tradePrefix   = "trade:"
	intelPrefix   = "intel:"
	summaryPrefix = "summary:"
)

// Repository is the durable record of everything that must survive a restart.
type Repository interface {
	SaveAgent(a core.Agent) error
	SaveRoom(r core.Room) error
	DeleteRoom(id string) error
	SaveTrade(t core.TradeRecord) error
	SaveIntel(i core.Intel) error
	SaveSummary(s core.ConversationSummary) error
}

// Store is the BadgerDB backed Repository.
type Store struct {
	db *DBStorage
}

func NewStore(db *DBStorage) *Store {
	return &Store{db: db}
}

func (s *Store) SaveAgent(a core.Agent) error {
	return s.db.PutObject(agentPrefix+a.ID, a)
}

func (s *Store) Agent(id string) (core.Agent, error) {
	var a core.Agent
	err := s.db.GetObject(agentPrefix+id, &a)
	return a, err
}

func (s *Store) Agents() ([]core.Agent, error) {
	return decodeAll[core.Agent](s.db, agentPrefix)
}

func (s *Store) SaveRoom(r core.Room) error {
	return s.db.PutObject(roomPrefix+r.ID, r)
}

func (s *Store) DeleteRoom(id string) error {
	return s.db.Delete(roomPrefix + id)
}

func (s *Store) Rooms() ([]core.Room, error) {
	return decodeAll[core.Room](s.db, roomPrefix)
}

// SaveTrade keys trades by time so a prefix scan returns them in order.
func (s *Store) SaveTrade(t core.TradeRecord) error {
	key := fmt.Sprintf("%s%020d:%s", tradePrefix, t.Timestamp.UnixNano(), t.ID)
	return s.db.PutObject(key, t)
}

func (s *Store) Trades() ([]core.TradeRecord, error) {
	return decodeAll[core.TradeRecord](s.db, tradePrefix)
}

func (s *Store) SaveIntel(i core.Intel) error {
	return s.db.PutObject(intelPrefix+i.ID, i)
}

func (s *Store) Intel() ([]core.Intel, error) {
	return decodeAll[core.Intel](s.db, intelPrefix)
}

func (s *Store) SaveSummary(sum core.ConversationSummary) error {
	key := fmt.Sprintf("%s%s:%020d", summaryPrefix, sum.RoomID, sum.EndedAt.UnixNano())
	return s.db.PutObject(key, sum)
}

// Summaries returns the persisted conversation summaries of one room, or of
// every room when roomID is empty.
func (s *Store) Summaries(roomID string) ([]core.ConversationSummary, error) {
	prefix := summaryPrefix
	if roomID != "" {
		prefix += roomID + ":"
	}
	return decodeAll[core.ConversationSummary](s.db, prefix)
}

// decodeAll loads every object under prefix in key order. Entries that fail
// to decode are skipped.
func decodeAll[T any](db *DBStorage, prefix string) ([]T, error) {
	data, err := db.GetByPrefix(prefix)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]T, 0, len(keys))
	for _, k := range keys {
		var v T
		if err := json.Unmarshal(data[k], &v); err != nil {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}
