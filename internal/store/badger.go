package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/DoyleJ11/combat-tracker-backend/internal/combat"
)

// Key prefixes. Campaign and socket ids are separated by a NUL byte so one
// campaign id can never prefix another's roster keys.
const (
	dmKeyPrefix     = "dm/"
	playerKeyPrefix = "player/"
	combatKeyPrefix = "combat/"
)

// Badger is a Store on an embedded BadgerDB, durable across restarts of a
// single server process.
type Badger struct {
	db *badger.DB
}

// OpenBadger opens (or creates) a database in dir. An empty dir opens an
// in-memory database.
func OpenBadger(dir string) (*Badger, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Badger{db: db}, nil
}

func dmKey(campaignID string) []byte     { return []byte(dmKeyPrefix + campaignID) }
func combatKey(campaignID string) []byte { return []byte(combatKeyPrefix + campaignID) }

func rosterPrefix(campaignID string) []byte {
	return []byte(playerKeyPrefix + campaignID + "\x00")
}

func playerKey(campaignID, socketID string) []byte {
	return append(rosterPrefix(campaignID), socketID...)
}

func (b *Badger) get(key []byte, v any) error {
	return b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, v)
		})
	})
}

func (b *Badger) set(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

func (b *Badger) delete(key []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

func (b *Badger) GetDMSession(_ context.Context, campaignID string) (DMSession, error) {
	var s DMSession
	if err := b.get(dmKey(campaignID), &s); err != nil {
		return DMSession{}, err
	}
	return s, nil
}

func (b *Badger) SetDMSession(_ context.Context, campaignID string, session DMSession) error {
	return b.set(dmKey(campaignID), session)
}

func (b *Badger) DeleteDMSession(_ context.Context, campaignID string) error {
	return b.delete(dmKey(campaignID))
}

func (b *Badger) GetPlayers(_ context.Context, campaignID string) ([]ConnectedPlayer, error) {
	players := []ConnectedPlayer{}
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := rosterPrefix(campaignID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var p ConnectedPlayer
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &p)
			})
			if err != nil {
				return err
			}
			players = append(players, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list roster: %w", err)
	}
	sort.Slice(players, func(i, j int) bool { return players[i].SocketID < players[j].SocketID })
	return players, nil
}

func (b *Badger) AddPlayer(_ context.Context, campaignID string, player ConnectedPlayer) error {
	return b.set(playerKey(campaignID, player.SocketID), player)
}

func (b *Badger) RemovePlayer(_ context.Context, campaignID, socketID string) error {
	return b.delete(playerKey(campaignID, socketID))
}

func (b *Badger) GetCombatState(_ context.Context, campaignID string) (combat.State, error) {
	var s combat.State
	if err := b.get(combatKey(campaignID), &s); err != nil {
		return combat.State{}, err
	}
	return s, nil
}

func (b *Badger) SetCombatState(_ context.Context, campaignID string, state combat.State) error {
	return b.set(combatKey(campaignID), state)
}

func (b *Badger) DeleteCombatState(_ context.Context, campaignID string) error {
	return b.delete(combatKey(campaignID))
}

func (b *Badger) Close() error { return b.db.Close() }
