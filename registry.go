package main

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// DeviceRegistry records which devices each user connects from.
type DeviceRegistry interface {
	Connected(ctx context.Context, user, device string, at time.Time) error
	Disconnected(ctx context.Context, user, device string, at time.Time) error
	Devices(ctx context.Context, user string) ([]Device, error)
}

type memoryRegistry struct {
	mu      sync.Mutex
	devices map[string]map[string]*Device
}

func newMemoryRegistry() *memoryRegistry {
	return &memoryRegistry{devices: map[string]map[string]*Device{}}
}

func (r *memoryRegistry) Connected(_ context.Context, user, device string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ds, ok := r.devices[user]
	if !ok {
		ds = map[string]*Device{}
		r.devices[user] = ds
	}
	d, ok := ds[device]
	if !ok {
		d = &Device{UsersID: user, DeviceID: device}
		d.CreatedAt = at
		ds[device] = d
	}
	d.Online = true
	d.ConnectedAt = at
	d.LastSeenAt = at
	d.UpdatedAt = at
	return nil
}

func (r *memoryRegistry) Disconnected(_ context.Context, user, device string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[user][device]; ok {
		d.Online = false
		d.LastSeenAt = at
		d.UpdatedAt = at
	}
	return nil
}

func (r *memoryRegistry) Devices(_ context.Context, user string) ([]Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []Device{}
	for _, d := range r.devices[user] {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

type gormRegistry struct {
	db *gorm.DB
}

func openGormRegistry(dsn string, dblog bool) (*gormRegistry, error) {
	loglevel := logger.Error
	if dblog {
		loglevel = logger.Info
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		CreateBatchSize: 10,
		Logger: logger.New(zap.NewStdLog(zap.L()), logger.Config{
			SlowThreshold: 200 * time.Millisecond,
			LogLevel:      loglevel,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("open registry db: %w", err)
	}
	if err := db.AutoMigrate(new(Device)); err != nil {
		return nil, fmt.Errorf("migrate registry db: %w", err)
	}
	return &gormRegistry{db: db}, nil
}

func (r *gormRegistry) Connected(ctx context.Context, user, device string, at time.Time) error {
	d := Device{
		UsersID:     user,
		DeviceID:    device,
		Online:      true,
		ConnectedAt: at,
		LastSeenAt:  at,
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "userid"}, {Name: "deviceid"}},
		DoUpdates: clause.AssignmentColumns([]string{"online", "connected_at", "last_seen_at", "updated_at"}),
	}).Create(&d).Error
}

func (r *gormRegistry) Disconnected(ctx context.Context, user, device string, at time.Time) error {
	return r.db.WithContext(ctx).Model(new(Device)).
		Where("userid = ? and deviceid = ?", user, device).
		Updates(map[string]interface{}{"online": false, "last_seen_at": at}).Error
}

func (r *gormRegistry) Devices(ctx context.Context, user string) ([]Device, error) {
	ds := []Device{}
	if err := r.db.WithContext(ctx).Where("userid = ?", user).Order("deviceid").Find(&ds).Error; err != nil {
		return nil, err
	}
	return ds, nil
}

func (r *gormRegistry) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
