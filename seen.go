package tributary

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/edgedlt/tributary/internal/crypto"
	"github.com/edgedlt/tributary/storage"
)

const seenDomain = "tributary_seen"

// seenMessages remembers which consensus messages were already handled, so
// gossip of the same message stops after one hop per node. Recent ids are
// kept in memory and every id persists for ttl, surviving restarts.
type seenMessages struct {
	db      *storage.DB
	genesis [32]byte
	ttl     time.Duration
	cache   *lru.Cache
}

func newSeenMessages(db *storage.DB, genesis [32]byte, size int, ttl time.Duration) (*seenMessages, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("could not create seen cache: %w", err)
	}
	return &seenMessages{db: db, genesis: genesis, ttl: ttl, cache: cache}, nil
}

func messageID(msg []byte) [32]byte {
	return crypto.Hash("Tributary Message ID", msg)
}

func (s *seenMessages) key(id [32]byte) []byte {
	return storage.Key(seenDomain, "message", s.genesis[:], id[:])
}

func (s *seenMessages) has(id [32]byte) (bool, error) {
	if s.cache.Contains(id) {
		return true, nil
	}
	var exists bool
	if err := s.db.View(storage.Check(s.key(id), &exists)); err != nil {
		return false, err
	}
	if exists {
		s.cache.Add(id, struct{}{})
	}
	return exists, nil
}

func (s *seenMessages) add(id [32]byte) error {
	s.cache.Add(id, struct{}{})
	return s.db.Update(storage.SetWithTTL(s.key(id), nil, s.ttl))
}
