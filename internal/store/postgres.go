package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/DoyleJ11/combat-tracker-backend/internal/combat"
)

type dmSessionRow struct {
	CampaignID   string `gorm:"primaryKey"`
	SocketID     string
	SessionToken string
	ConnectedAt  time.Time
}

func (dmSessionRow) TableName() string { return "realtime_dm_sessions" }

type playerRow struct {
	CampaignID string `gorm:"primaryKey"`
	SocketID   string `gorm:"primaryKey"`
	Characters []byte `gorm:"type:jsonb"`
	UpdatedAt  time.Time
}

func (playerRow) TableName() string { return "realtime_players" }

type combatRow struct {
	CampaignID string `gorm:"primaryKey"`
	State      []byte `gorm:"type:jsonb"`
	UpdatedAt  time.Time
}

func (combatRow) TableName() string { return "realtime_combat_states" }

// OpenGorm connects to Postgres. The handle is shared with the records
// package.
func OpenGorm(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return db, nil
}

// Postgres keeps the snapshots in three upserted tables, one row per key.
type Postgres struct {
	db *gorm.DB
}

func NewPostgres(db *gorm.DB) (*Postgres, error) {
	if err := db.AutoMigrate(&dmSessionRow{}, &playerRow{}, &combatRow{}); err != nil {
		return nil, fmt.Errorf("migrate realtime tables: %w", err)
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) upsert(ctx context.Context, row any) error {
	return p.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(row).Error
}

func (p *Postgres) first(ctx context.Context, row any, campaignID string) error {
	err := p.db.WithContext(ctx).First(row, "campaign_id = ?", campaignID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func (p *Postgres) GetDMSession(ctx context.Context, campaignID string) (DMSession, error) {
	var row dmSessionRow
	if err := p.first(ctx, &row, campaignID); err != nil {
		return DMSession{}, err
	}
	return DMSession{SocketID: row.SocketID, SessionToken: row.SessionToken, ConnectedAt: row.ConnectedAt}, nil
}

func (p *Postgres) SetDMSession(ctx context.Context, campaignID string, session DMSession) error {
	return p.upsert(ctx, &dmSessionRow{
		CampaignID:   campaignID,
		SocketID:     session.SocketID,
		SessionToken: session.SessionToken,
		ConnectedAt:  session.ConnectedAt,
	})
}

func (p *Postgres) DeleteDMSession(ctx context.Context, campaignID string) error {
	return p.db.WithContext(ctx).Delete(&dmSessionRow{}, "campaign_id = ?", campaignID).Error
}

func (p *Postgres) GetPlayers(ctx context.Context, campaignID string) ([]ConnectedPlayer, error) {
	var rows []playerRow
	err := p.db.WithContext(ctx).
		Where("campaign_id = ?", campaignID).
		Order("socket_id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list roster: %w", err)
	}

	players := make([]ConnectedPlayer, 0, len(rows))
	for _, row := range rows {
		player := ConnectedPlayer{SocketID: row.SocketID}
		if err := json.Unmarshal(row.Characters, &player.Characters); err != nil {
			return nil, fmt.Errorf("decode roster entry %s: %w", row.SocketID, err)
		}
		players = append(players, player)
	}
	return players, nil
}

func (p *Postgres) AddPlayer(ctx context.Context, campaignID string, player ConnectedPlayer) error {
	chars, err := json.Marshal(player.Characters)
	if err != nil {
		return fmt.Errorf("encode roster entry: %w", err)
	}
	return p.upsert(ctx, &playerRow{
		CampaignID: campaignID,
		SocketID:   player.SocketID,
		Characters: chars,
	})
}

func (p *Postgres) RemovePlayer(ctx context.Context, campaignID, socketID string) error {
	return p.db.WithContext(ctx).
		Delete(&playerRow{}, "campaign_id = ? AND socket_id = ?", campaignID, socketID).Error
}

func (p *Postgres) GetCombatState(ctx context.Context, campaignID string) (combat.State, error) {
	var row combatRow
	if err := p.first(ctx, &row, campaignID); err != nil {
		return combat.State{}, err
	}
	var s combat.State
	if err := json.Unmarshal(row.State, &s); err != nil {
		return combat.State{}, fmt.Errorf("decode combat state: %w", err)
	}
	return s, nil
}

func (p *Postgres) SetCombatState(ctx context.Context, campaignID string, state combat.State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode combat state: %w", err)
	}
	return p.upsert(ctx, &combatRow{CampaignID: campaignID, State: data})
}

func (p *Postgres) DeleteCombatState(ctx context.Context, campaignID string) error {
	return p.db.WithContext(ctx).Delete(&combatRow{}, "campaign_id = ?", campaignID).Error
}

func (p *Postgres) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
