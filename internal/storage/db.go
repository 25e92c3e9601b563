package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const MemoryDSN = ":memory:"

// HttpSession is the server side record behind a session cookie.
type HttpSession struct {
	ID        string `gorm:"primaryKey"`
	Data      string
	ExpiresAt time.Time `gorm:"index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// OauthRequest is a pending login, at most one per session.
type OauthRequest struct {
	ID           uint
	SessionID    string `gorm:"uniqueIndex"`
	Nonce        string
	ReturnPath   string
	PkceVerifier string
	CreatedAt    time.Time
	ExpiresAt    time.Time `gorm:"index"`
}

// OauthSession is the token pair owned by a session.
type OauthSession struct {
	ID           uint
	SessionID    string `gorm:"uniqueIndex"`
	AccessToken  string
	RefreshToken string
	TokenType    string
	Expiration   time.Time
	UpdatedAt    time.Time
}

// Open opens the sqlite database at path, creating its directory if needed,
// and migrates the tables.
func Open(path string) (*gorm.DB, error) {
	if path != MemoryDSN {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("could not create database directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	// every connection to :memory: is its own database
	if path == MemoryDSN {
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(&HttpSession{}, &OauthRequest{}, &OauthSession{}); err != nil {
		return nil, fmt.Errorf("could not migrate database: %w", err)
	}

	return db, nil
}
