// Package audit persists a record of every relayed session to a local
// sqlite database, the way the teacher persists traffic_log rows --
// minus the per-user quota bookkeeping that has no place in a bridge
// with no user accounts of its own.
package audit

import (
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	"transproxify/internal/logx"
)

var log = logx.New(logx.WithPrefix("audit"))

// SessionRecord is one relayed session, logged once it closes.
type SessionRecord struct {
	Id              int64  `gorm:"column:id;primaryKey"`
	StartedAtMillis int64  `gorm:"column:started_at"`
	EndedAtMillis   int64  `gorm:"column:ended_at"`
	ProxiedProtocol string `gorm:"column:proxied_protocol"` // "tcp" / "udp"
	ProxyProtocol   string `gorm:"column:proxy_protocol"`   // "direct" / "http" / "socks4" / "socks5"
	ClientAddr      string `gorm:"column:client_addr"`
	TargetAddr      string `gorm:"column:target_addr"`
	BytesUp         int64  `gorm:"column:bytes_up"`
	BytesDown       int64  `gorm:"column:bytes_down"`
	Outcome         string `gorm:"column:outcome"` // "relayed" / "rejected" / "error"
	Detail          string `gorm:"column:detail"`
}

func (SessionRecord) TableName() string { return "session_log" }

type Log struct {
	db *gorm.DB
}

// Open creates (or attaches to) the sqlite database at path and
// migrates the session_log table.
func Open(path string) (*Log, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: true},
		Logger:         logx.GormLogger(logx.GetLevelString(), 200*time.Millisecond),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&SessionRecord{}); err != nil {
		return nil, err
	}
	return &Log{db: db}, nil
}

// Record inserts a completed session's audit row. Failures are logged
// rather than propagated: a broken audit sink must never interrupt the
// relay it is describing.
func (l *Log) Record(rec SessionRecord) {
	if l == nil {
		return
	}
	if err := l.db.Create(&rec).Error; err != nil {
		log.Warnf("failed to persist session record: %v", err)
	}
}

// Recent returns the most recent sessions, newest first, limited to n.
func (l *Log) Recent(n int) ([]SessionRecord, error) {
	var out []SessionRecord
	err := l.db.Order("id desc").Limit(n).Find(&out).Error
	return out, err
}

func (l *Log) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
