package store

import (
	"context"
	"time"

	"github.com/yanun0323/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"tradecore/internal/risk"
	"tradecore/internal/state"
	"tradecore/pkg/conn"
)

const killSwitchRow = 1

type killSwitchRecord struct {
	ID        uint `gorm:"primaryKey"`
	Engaged   bool
	Reason    string
	At        time.Time
	By        string
	UpdatedAt time.Time
}

func (killSwitchRecord) TableName() string { return "kill_switch" }

type checkpointRecord struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement"`
	JournalSeq uint64 `gorm:"index"`
	Session    string
	TakenAt    time.Time
	Payload    []byte
	CreatedAt  time.Time
}

func (checkpointRecord) TableName() string { return "checkpoints" }

// Gorm persists to postgres or sqlite. The kill switch is a single upserted row; checkpoints are appended.
type Gorm struct {
	client *conn.Client
	db     *gorm.DB
	keep   int
}

// NewGorm opens the database and migrates the schema.
func NewGorm(opt conn.Option, keep int) (*Gorm, error) {
	client, err := conn.New(opt)
	if err != nil {
		return nil, errors.Wrap(err, "open database").With("driver", opt.Driver)
	}
	db := client.DB()
	if err := db.AutoMigrate(&killSwitchRecord{}, &checkpointRecord{}); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "migrate store schema")
	}
	return &Gorm{client: client, db: db, keep: keep}, nil
}

func (g *Gorm) SaveKillSwitch(ctx context.Context, ks risk.KillSwitch) error {
	rec := killSwitchRecord{ID: killSwitchRow, Engaged: ks.Engaged, Reason: ks.Reason, At: ks.At, By: ks.By}
	err := g.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, UpdateAll: true}).
		Create(&rec).Error
	if err != nil {
		return errors.Wrap(err, "upsert kill switch")
	}
	return nil
}

func (g *Gorm) LoadKillSwitch(ctx context.Context) (risk.KillSwitch, error) {
	var recs []killSwitchRecord
	if err := g.db.WithContext(ctx).Where("id = ?", killSwitchRow).Limit(1).Find(&recs).Error; err != nil {
		return risk.KillSwitch{}, errors.Wrap(err, "load kill switch")
	}
	if len(recs) == 0 {
		return risk.KillSwitch{}, nil
	}
	r := recs[0]
	return risk.KillSwitch{Engaged: r.Engaged, Reason: r.Reason, At: r.At, By: r.By}, nil
}

func (g *Gorm) SaveCheckpoint(ctx context.Context, cp state.Checkpoint) error {
	data, err := state.Encode(cp)
	if err != nil {
		return errors.Wrap(err, "encode checkpoint")
	}
	rec := checkpointRecord{JournalSeq: cp.JournalSeq, Session: cp.Session, TakenAt: cp.TakenAt, Payload: data}
	if err := g.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return errors.Wrap(err, "insert checkpoint").With("seq", cp.JournalSeq)
	}
	return g.prune(ctx)
}

func (g *Gorm) LoadCheckpoint(ctx context.Context) (state.Checkpoint, bool, error) {
	var recs []checkpointRecord
	if err := g.db.WithContext(ctx).Order("id desc").Limit(1).Find(&recs).Error; err != nil {
		return state.Checkpoint{}, false, errors.Wrap(err, "load checkpoint")
	}
	if len(recs) == 0 {
		return state.Checkpoint{}, false, nil
	}
	cp, err := state.Decode(recs[0].Payload)
	if err != nil {
		return state.Checkpoint{}, false, errors.Wrap(err, "decode checkpoint").With("id", recs[0].ID)
	}
	return cp, true, nil
}

// Count returns the number of retained checkpoints.
func (g *Gorm) Count(ctx context.Context) (int64, error) {
	var n int64
	err := g.db.WithContext(ctx).Model(&checkpointRecord{}).Count(&n).Error
	return n, err
}

func (g *Gorm) prune(ctx context.Context) error {
	if g.keep <= 0 {
		return nil
	}
	var ids []uint64
	err := g.db.WithContext(ctx).Model(&checkpointRecord{}).
		Order("id desc").Offset(g.keep - 1).Limit(1).Pluck("id", &ids).Error
	if err != nil {
		return errors.Wrap(err, "find prune boundary")
	}
	if len(ids) == 0 {
		return nil
	}
	if err := g.db.WithContext(ctx).Where("id < ?", ids[0]).Delete(&checkpointRecord{}).Error; err != nil {
		return errors.Wrap(err, "prune checkpoints")
	}
	return nil
}

func (g *Gorm) Close() error {
	return g.client.Close()
}
