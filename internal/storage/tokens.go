package storage

import (
	"context"

	oauth "github.com/haileyok/mal-oauth-golang"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TokenStore keeps one token pair per session. A pair is written with a single
// upsert so readers see either the old pair or the new one.
type TokenStore struct {
	db *gorm.DB
}

func NewTokenStore(db *gorm.DB) *TokenStore {
	return &TokenStore{db: db}
}

func (s *TokenStore) Get(ctx context.Context, sessionID string) (*oauth.TokenPair, error) {
	var row OauthSession
	res := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Limit(1).Find(&row)
	if res.Error != nil {
		return nil, &oauth.SessionError{Op: "load token", Err: res.Error}
	}

	if res.RowsAffected == 0 {
		return nil, nil
	}

	return &oauth.TokenPair{
		AccessToken:  row.AccessToken,
		RefreshToken: row.RefreshToken,
		TokenType:    row.TokenType,
		ExpiresAt:    row.Expiration,
	}, nil
}

func (s *TokenStore) Put(ctx context.Context, sessionID string, pair oauth.TokenPair) error {
	row := &OauthSession{
		SessionID:    sessionID,
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    pair.TokenType,
		Expiration:   pair.ExpiresAt.UTC(),
	}

	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}},
		UpdateAll: true,
	}).Create(row).Error; err != nil {
		return &oauth.SessionError{Op: "store token", Err: err}
	}

	return nil
}

func (s *TokenStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Delete(&OauthSession{}).Error; err != nil {
		return &oauth.SessionError{Op: "delete token", Err: err}
	}

	return nil
}
