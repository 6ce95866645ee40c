// Package records reaches the campaign and character records owned by the
// CRUD side of the application. Only the narrow slice the realtime server
// needs is exposed: the DM password override, character inventories, and
// best-effort write-backs of HP and inventory.
package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"gorm.io/gorm"
)

type Campaign struct {
	ID         string `gorm:"primaryKey"`
	DMPassword string
}

func (Campaign) TableName() string { return "campaigns" }

type Character struct {
	ID         string `gorm:"primaryKey"`
	CampaignID string `gorm:"index"`
	CurrentHP  int
	Inventory  []byte `gorm:"type:jsonb"`
}

func (Character) TableName() string { return "characters" }

// Gorm reads and writes the records through a shared database handle.
type Gorm struct {
	db *gorm.DB
}

// NewGorm wraps db. With migrate set the two tables are created when missing,
// which is only wanted when the server runs without the CRUD application.
func NewGorm(db *gorm.DB, migrate bool) (*Gorm, error) {
	if migrate {
		if err := db.AutoMigrate(&Campaign{}, &Character{}); err != nil {
			return nil, fmt.Errorf("migrate records: %w", err)
		}
	}
	return &Gorm{db: db}, nil
}

func (g *Gorm) DMPassword(ctx context.Context, campaignID string) (string, bool, error) {
	var c Campaign
	err := g.db.WithContext(ctx).Select("id", "dm_password").First(&c, "id = ?", campaignID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("load campaign %s: %w", campaignID, err)
	}
	return c.DMPassword, c.DMPassword != "", nil
}

func (g *Gorm) CharacterInventory(ctx context.Context, characterID string) (json.RawMessage, error) {
	var c Character
	err := g.db.WithContext(ctx).Select("id", "inventory").First(&c, "id = ?", characterID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load inventory %s: %w", characterID, err)
	}
	return json.RawMessage(c.Inventory), nil
}

func (g *Gorm) UpdateCharacterHP(ctx context.Context, campaignID, characterID string, hp int) error {
	return g.db.WithContext(ctx).Model(&Character{}).
		Where("id = ? AND campaign_id = ?", characterID, campaignID).
		Update("current_hp", hp).Error
}

func (g *Gorm) UpdateCharacterInventory(ctx context.Context, campaignID, characterID string, inventory json.RawMessage) error {
	return g.db.WithContext(ctx).Model(&Character{}).
		Where("id = ? AND campaign_id = ?", characterID, campaignID).
		Update("inventory", []byte(inventory)).Error
}

// Memory is an in-process stand-in used when no database is configured.
type Memory struct {
	mu          sync.RWMutex
	passwords   map[string]string
	inventories map[string]json.RawMessage
	hp          map[string]int
}

func NewMemory() *Memory {
	return &Memory{
		passwords:   make(map[string]string),
		inventories: make(map[string]json.RawMessage),
		hp:          make(map[string]int),
	}
}

func (m *Memory) SetDMPassword(campaignID, password string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.passwords[campaignID] = password
}

func (m *Memory) DMPassword(_ context.Context, campaignID string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pw, ok := m.passwords[campaignID]
	return pw, ok && pw != "", nil
}

func (m *Memory) CharacterInventory(_ context.Context, characterID string) (json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.inventories[characterID], nil
}

func (m *Memory) UpdateCharacterHP(_ context.Context, _, characterID string, hp int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hp[characterID] = hp
	return nil
}

func (m *Memory) UpdateCharacterInventory(_ context.Context, _, characterID string, inventory json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inventories[characterID] = append(json.RawMessage(nil), inventory...)
	return nil
}

// HP returns the last written hit points for characterID.
func (m *Memory) HP(characterID string) (int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	hp, ok := m.hp[characterID]
	return hp, ok
}
