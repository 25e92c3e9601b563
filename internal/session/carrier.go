package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/sessions"
	oauth "github.com/haileyok/mal-oauth-golang"
	echosession "github.com/labstack/echo-contrib/session"
	"github.com/labstack/echo/v4"
)

const (
	DefaultName = "session"

	authenticatedAtKey = "authenticated_at"
)

// Carrier ties the store to echo requests: loading, creating, rotating and
// destroying the session referenced by the request cookie.
type Carrier struct {
	name  string
	store *Store
}

func NewCarrier(name string, store *Store) *Carrier {
	if name == "" {
		name = DefaultName
	}

	return &Carrier{
		name:  name,
		store: store,
	}
}

func (c *Carrier) Name() string {
	return c.name
}

// Middleware makes the store available to handlers.
func (c *Carrier) Middleware() echo.MiddlewareFunc {
	return echosession.Middleware(c.store)
}

// Load returns the request's session. A session without an id has never been
// saved.
func (c *Carrier) Load(e echo.Context) (*sessions.Session, error) {
	sess, err := echosession.Get(c.name, e)
	if err != nil {
		var sessErr *oauth.SessionError
		if errors.As(err, &sessErr) {
			return nil, err
		}
		return nil, &oauth.SessionError{Op: "load session", Err: err}
	}

	return sess, nil
}

// Ensure loads the session and saves it if it is new so that it has an id.
func (c *Carrier) Ensure(e echo.Context) (*sessions.Session, error) {
	sess, err := c.Load(e)
	if err != nil {
		return nil, err
	}

	if sess.ID != "" {
		return sess, nil
	}

	if err := c.save(e, sess); err != nil {
		return nil, err
	}

	return sess, nil
}

// Rotate replaces the session id and clears its values, marking the new
// session as authenticated. The old record is erased.
func (c *Carrier) Rotate(e echo.Context, sess *sessions.Session) error {
	if sess.ID != "" {
		if err := c.store.Erase(e.Request().Context(), sess.ID); err != nil {
			return err
		}
	}

	sess.ID = ""
	sess.IsNew = true
	sess.Values = map[interface{}]interface{}{
		authenticatedAtKey: time.Now().Unix(),
	}

	return c.save(e, sess)
}

// Destroy erases the session record and expires the cookie.
func (c *Carrier) Destroy(e echo.Context, sess *sessions.Session) error {
	sess.Options.MaxAge = -1
	sess.Values = map[interface{}]interface{}{}
	return c.save(e, sess)
}

// AuthenticatedAt returns when the session completed a login.
func AuthenticatedAt(sess *sessions.Session) (time.Time, bool) {
	ts, ok := sess.Values[authenticatedAtKey].(int64)
	if !ok {
		return time.Time{}, false
	}

	return time.Unix(ts, 0).UTC(), true
}

func (c *Carrier) save(e echo.Context, sess *sessions.Session) error {
	if err := sess.Save(e.Request(), e.Response()); err != nil {
		var sessErr *oauth.SessionError
		if errors.As(err, &sessErr) {
			return err
		}
		return &oauth.SessionError{Op: "save session", Err: fmt.Errorf("could not save session: %w", err)}
	}

	return nil
}
