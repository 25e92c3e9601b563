package session

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/securecookie"
	"github.com/gorilla/sessions"
	oauth "github.com/haileyok/mal-oauth-golang"
	"github.com/haileyok/mal-oauth-golang/internal/helpers"
	"github.com/haileyok/mal-oauth-golang/internal/requestctx"
	"github.com/haileyok/mal-oauth-golang/internal/storage"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	DefaultMaxAge = 86400 * 7

	sessionIdBytes = 32
)

var _ sessions.Store = (*Store)(nil)

// Store is a sessions.Store that keeps values in the database. The cookie only
// carries the signed and encrypted session id.
type Store struct {
	db      *gorm.DB
	logger  *slog.Logger
	now     func() time.Time
	Codecs  []securecookie.Codec
	Options *sessions.Options
}

// KeyPairs derives the hash and block keys for securecookie from a single
// configured secret.
func KeyPairs(secret string) [][]byte {
	hashKey := sha512.Sum512([]byte("hash:" + secret))
	blockKey := sha256.Sum256([]byte("block:" + secret))
	return [][]byte{hashKey[:], blockKey[:]}
}

func NewStore(db *gorm.DB, logger *slog.Logger, opts sessions.Options, keyPairs ...[]byte) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	if opts.MaxAge == 0 {
		opts.MaxAge = DefaultMaxAge
	}

	codecs := securecookie.CodecsFromPairs(keyPairs...)
	for _, c := range codecs {
		if sc, ok := c.(*securecookie.SecureCookie); ok {
			sc.MaxAge(opts.MaxAge)
		}
	}

	return &Store{
		db:      db,
		logger:  logger.With("component", "session"),
		now:     time.Now,
		Codecs:  codecs,
		Options: &opts,
	}
}

func (s *Store) Get(r *http.Request, name string) (*sessions.Session, error) {
	return sessions.GetRegistry(r).Get(s, name)
}

// New returns the session referenced by the request cookie, or a fresh one
// when there is no usable cookie or the record is gone.
func (s *Store) New(r *http.Request, name string) (*sessions.Session, error) {
	sess := sessions.NewSession(s, name)
	opts := *s.Options
	sess.Options = &opts
	sess.IsNew = true

	c, err := r.Cookie(name)
	if err != nil {
		return sess, nil
	}

	var id string
	if err := securecookie.DecodeMulti(name, c.Value, &id, s.Codecs...); err != nil {
		s.logger.Debug("ignoring undecodable session cookie", "error", err)
		return sess, nil
	}

	found, err := s.load(r.Context(), sess, id)
	if err != nil {
		return sess, err
	}

	if found {
		sess.ID = id
		sess.IsNew = false
	}

	return sess, nil
}

func (s *Store) Save(r *http.Request, w http.ResponseWriter, sess *sessions.Session) error {
	ctx := r.Context()

	if sess.Options.MaxAge < 0 {
		if sess.ID != "" {
			if err := s.Erase(ctx, sess.ID); err != nil {
				return err
			}
		}

		http.SetCookie(w, sessions.NewCookie(sess.Name(), "", sess.Options))
		return nil
	}

	if sess.ID == "" {
		id, err := helpers.GenerateToken(sessionIdBytes)
		if err != nil {
			return fmt.Errorf("could not generate session id: %w", err)
		}
		sess.ID = id
	}

	data, err := securecookie.EncodeMulti(sess.Name(), sess.Values, s.Codecs...)
	if err != nil {
		return fmt.Errorf("could not encode session values: %w", err)
	}

	maxAge := sess.Options.MaxAge
	if maxAge == 0 {
		maxAge = DefaultMaxAge
	}

	row := &storage.HttpSession{
		ID:        sess.ID,
		Data:      data,
		ExpiresAt: s.now().Add(time.Duration(maxAge) * time.Second).UTC(),
	}

	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "expires_at", "updated_at"}),
	}).Create(row).Error; err != nil {
		return &oauth.SessionError{Op: "save session", Err: err}
	}

	if sess.Options.Secure && !isSecureRequest(r) {
		s.logger.Warn("not sending secure session cookie over an insecure connection", "path", r.URL.Path)
		return nil
	}

	encoded, err := securecookie.EncodeMulti(sess.Name(), sess.ID, s.Codecs...)
	if err != nil {
		return fmt.Errorf("could not encode session id: %w", err)
	}

	http.SetCookie(w, sessions.NewCookie(sess.Name(), encoded, sess.Options))
	return nil
}

// Erase removes the session record. Rows keyed by the session id in other
// tables are left to their owners.
func (s *Store) Erase(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Where("id = ?", id).Delete(&storage.HttpSession{}).Error; err != nil {
		return &oauth.SessionError{Op: "erase session", Err: err}
	}

	return nil
}

func (s *Store) load(ctx context.Context, sess *sessions.Session, id string) (bool, error) {
	var row storage.HttpSession
	res := s.db.WithContext(ctx).Where("id = ? AND expires_at > ?", id, s.now().UTC()).Limit(1).Find(&row)
	if res.Error != nil {
		return false, &oauth.SessionError{Op: "load session", Err: res.Error}
	}

	if res.RowsAffected == 0 {
		return false, nil
	}

	if err := securecookie.DecodeMulti(sess.Name(), row.Data, &sess.Values, s.Codecs...); err != nil {
		s.logger.Debug("ignoring undecodable session record", "error", err)
		return false, nil
	}

	return true, nil
}

func isSecureRequest(r *http.Request) bool {
	if secure, ok := requestctx.SecureFromContext(r.Context()); ok {
		return secure
	}

	return r.TLS != nil
}
