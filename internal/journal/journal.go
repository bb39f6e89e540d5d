// Package journal keeps every decodable battle frame in postgres so a
// restarted client can rebuild its session before the socket comes back.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var ErrEmptyFrame = errors.New("empty frame")

type Record struct {
	ID         uint      `gorm:"primaryKey;autoIncrement"`
	BattleID   string    `gorm:"type:uuid;index;not null"`
	Type       string    `gorm:"size:32;not null"`
	Payload    []byte    `gorm:"not null"`
	ReceivedAt time.Time `gorm:"autoCreateTime"`
}

func (Record) TableName() string { return "battle_frames" }

type Journal struct {
	db  *gorm.DB
	log *zap.Logger
}

// Open connects to postgres and migrates the frame table.
func Open(dsn string, log *zap.Logger) (*Journal, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return New(db, log)
}

func New(db *gorm.DB, log *zap.Logger) (*Journal, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return &Journal{db: db, log: log}, nil
}

func (j *Journal) Append(ctx context.Context, battleID string, frame []byte) error {
	rec, err := newRecord(battleID, frame)
	if err != nil {
		return err
	}
	if err := j.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("append frame: %w", err)
	}
	return nil
}

// Load returns the frames of one battle in arrival order.
func (j *Journal) Load(ctx context.Context, battleID string) ([][]byte, error) {
	var recs []Record
	err := j.db.WithContext(ctx).
		Where("battle_id = ?", battleID).
		Order("id").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("load frames: %w", err)
	}

	frames := make([][]byte, 0, len(recs))
	for _, r := range recs {
		frames = append(frames, r.Payload)
	}
	j.log.Debug("journal loaded", zap.String("battle", battleID), zap.Int("frames", len(frames)))
	return frames, nil
}

// Forget drops a battle's frames.
func (j *Journal) Forget(ctx context.Context, battleID string) error {
	if err := j.db.WithContext(ctx).Where("battle_id = ?", battleID).Delete(&Record{}).Error; err != nil {
		return fmt.Errorf("forget battle: %w", err)
	}
	return nil
}

func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func newRecord(battleID string, frame []byte) (Record, error) {
	if len(frame) == 0 {
		return Record{}, ErrEmptyFrame
	}
	return Record{
		BattleID: battleID,
		Type:     frameType(frame),
		Payload:  append([]byte(nil), frame...),
	}, nil
}

func frameType(frame []byte) string {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(frame, &env); err != nil || env.Type == "" {
		return "unknown"
	}
	if len(env.Type) > 32 {
		return env.Type[:32]
	}
	return env.Type
}
