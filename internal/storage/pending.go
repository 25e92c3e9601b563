package storage

import (
	"context"

	oauth "github.com/haileyok/mal-oauth-golang"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var _ oauth.PendingStore = (*PendingStore)(nil)

type PendingStore struct {
	db *gorm.DB
}

func NewPendingStore(db *gorm.DB) *PendingStore {
	return &PendingStore{db: db}
}

func (s *PendingStore) PutPending(ctx context.Context, login oauth.PendingLogin) error {
	req := &OauthRequest{
		SessionID:    login.SessionID,
		Nonce:        login.State.Nonce,
		ReturnPath:   login.State.ReturnPath,
		PkceVerifier: login.CodeVerifier,
		CreatedAt:    login.CreatedAt.UTC(),
		ExpiresAt:    login.ExpiresAt.UTC(),
	}

	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}},
		UpdateAll: true,
	}).Create(req).Error; err != nil {
		return &oauth.SessionError{Op: "store pending login", Err: err}
	}

	return nil
}

func (s *PendingStore) TakePending(ctx context.Context, sessionID string) (*oauth.PendingLogin, error) {
	var taken *oauth.PendingLogin

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var req OauthRequest
		res := tx.Where("session_id = ?", sessionID).Limit(1).Find(&req)
		if res.Error != nil {
			return res.Error
		}

		if res.RowsAffected == 0 {
			return nil
		}

		del := tx.Where("id = ? AND session_id = ?", req.ID, sessionID).Delete(&OauthRequest{})
		if del.Error != nil {
			return del.Error
		}

		// somebody else consumed it between the read and the delete
		if del.RowsAffected != 1 {
			return nil
		}

		taken = &oauth.PendingLogin{
			SessionID: req.SessionID,
			State: oauth.OauthState{
				Nonce:      req.Nonce,
				ReturnPath: req.ReturnPath,
			},
			CodeVerifier: req.PkceVerifier,
			CreatedAt:    req.CreatedAt,
			ExpiresAt:    req.ExpiresAt,
		}

		return nil
	})
	if err != nil {
		return nil, &oauth.SessionError{Op: "take pending login", Err: err}
	}

	return taken, nil
}
