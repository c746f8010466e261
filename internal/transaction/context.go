package transaction

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/fedora-infra/fas-openid/internal/logger"
	"github.com/fedora-infra/fas-openid/internal/signer"
)

const (
	// cookiePrefix + transaction key names the per-transaction check
	// cookie ("tr<key>").
	cookiePrefix = "tr"

	// PersistentCookieName holds a signed reference to a transaction
	// key for flows that round-trip through a third party unable to
	// echo query parameters back.
	PersistentCookieName = "persistent_transaction"

	// The persistent cookie lives 60 seconds but tokens only verify
	// for 30. The margin is intentional; do not unify the two.
	persistentCookieMaxAge = 60
	persistentTokenMaxAge  = 30 * time.Second
)

// Options configures per-request transaction handling.
type Options struct {
	// Timeout is the lifetime of the tr<key> check cookie.
	Timeout time.Duration

	// CookiesSecure marks all transaction cookies Secure.
	CookiesSecure bool
}

// Context resolves and owns the single transaction attached to one
// request. Resolution is lazy: nothing touches the store until a
// handler first asks for the transaction. All cookie writes are
// queued and applied in order exactly once, right before the response
// is first written.
//
// A Context belongs to one request and must not be shared across
// goroutines serving other requests.
type Context struct {
	store Store
	sg    *signer.Signer
	opts  Options
	req   *http.Request

	tx    *Transaction
	isNew bool

	pending []func(http.ResponseWriter)
	flushed bool
}

func NewContext(store Store, sg *signer.Signer, opts Options, r *http.Request) *Context {
	return &Context{
		store: store,
		sg:    sg,
		opts:  opts,
		req:   r,
	}
}

// Values returns the current transaction's scratch pad, resolving the
// transaction first if needed. Mutations are visible to later readers
// in the same request but are not persisted until Save.
func (c *Context) Values() (map[string]any, error) {
	if err := c.resolve(); err != nil {
		return nil, err
	}
	return c.tx.Values, nil
}

// ID returns the current transaction's key.
func (c *Context) ID() (string, error) {
	if err := c.resolve(); err != nil {
		return "", err
	}
	return c.tx.Key, nil
}

// IsNew reports whether resolution created a fresh transaction rather
// than resuming an existing one.
func (c *Context) IsNew() (bool, error) {
	if err := c.resolve(); err != nil {
		return false, err
	}
	return c.isNew, nil
}

// resolve attaches a transaction to the request, at most once. The
// candidate key is taken from the form, then the query string, then
// the signed persistent cookie; a candidate is only adopted when the
// client also presents the matching tr<key> check cookie.
func (c *Context) resolve() error {
	if c.tx != nil {
		return nil
	}

	ctx := c.req.Context()

	trid := ""
	if v := c.req.PostFormValue("transaction"); v != "" {
		logger.Debug("trid in form", map[string]any{"trid": v})
		trid = v
	} else if v := c.req.URL.Query().Get("transaction"); v != "" {
		logger.Debug("trid in query", map[string]any{"trid": v})
		trid = v
	} else if cookie, err := c.req.Cookie(PersistentCookieName); err == nil {
		payload, err := c.sg.Verify(cookie.Value, persistentTokenMaxAge)
		if err != nil {
			// Invalid and expired tokens are handled identically:
			// drop the cookie and start over.
			c.queue(func(w http.ResponseWriter) {
				clearCookie(w, PersistentCookieName, c.opts.CookiesSecure)
			})
			logger.Warn("rejecting persistent transaction cookie", map[string]any{
				"error": err.Error(),
			})
		} else {
			logger.Debug("persistent trid accepted", map[string]any{"trid": payload})
			trid = payload
		}
	}

	if trid != "" {
		tx, err := c.store.Fetch(ctx, trid)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if tx != nil {
			if c.checkCookieMatches(tx) {
				c.tx = tx
			} else {
				logger.Error("transaction stealing attempted", map[string]any{
					"transaction": tx.Key,
				})
			}
		}
	}

	if c.tx == nil {
		tx, err := c.store.Create(ctx)
		if err != nil {
			return err
		}
		c.tx = tx
		c.isNew = true
		logger.Debug("created new transaction", map[string]any{
			"transaction": tx.Key,
		})
	}

	// Refresh the check cookie. The closure re-reads c.tx at flush
	// time: if the transaction was deleted during the request there is
	// nothing to refresh.
	c.queue(func(w http.ResponseWriter) {
		if c.tx == nil {
			return
		}
		http.SetCookie(w, &http.Cookie{
			Name:     cookiePrefix + c.tx.Key,
			Value:    c.tx.Check(),
			Path:     "/",
			MaxAge:   int(c.opts.Timeout.Seconds()),
			HttpOnly: true,
			Secure:   c.opts.CookiesSecure,
			SameSite: http.SameSiteLaxMode,
		})
	})

	return nil
}

func (c *Context) checkCookieMatches(tx *Transaction) bool {
	cookie, err := c.req.Cookie(cookiePrefix + tx.Key)
	if err != nil || cookie.Value == "" {
		return false
	}
	return cookie.Value == tx.Check()
}

// Save persists the transaction's values. It is a no-op when no
// transaction has been resolved yet.
func (c *Context) Save(ctx context.Context) error {
	if c.tx == nil {
		return nil
	}
	return c.store.Save(ctx, c.tx)
}

// Delete removes the transaction from the store and detaches it from
// the request. A later accessor call resolves a brand-new transaction.
func (c *Context) Delete(ctx context.Context) error {
	if c.tx == nil {
		return nil
	}
	logger.Debug("deleting transaction", map[string]any{"transaction": c.tx.Key})
	if err := c.store.Delete(ctx, c.tx.Key); err != nil {
		return err
	}
	c.tx = nil
	return nil
}

// DeleteAfterResponse schedules clearing the check cookie and deleting
// the transaction once the response is finalized. Use it when a flow
// legitimately ends and the transaction must not be resumable.
func (c *Context) DeleteAfterResponse() {
	c.queue(func(w http.ResponseWriter) {
		if c.tx == nil {
			return
		}
		clearCookie(w, cookiePrefix+c.tx.Key, c.opts.CookiesSecure)
		if err := c.Delete(c.req.Context()); err != nil {
			logger.Error("failed to delete transaction after response", map[string]any{
				"error": err.Error(),
			})
		}
	})
}

// Persist schedules a persistent_transaction cookie carrying a signed
// reference to the transaction key. The cookie lives 60 seconds but
// resumption tolerance is hard-capped at 30, so this only suits very
// short third-party round trips. It also breaks multi-tab operation;
// delete the transaction as soon as the hop completes.
func (c *Context) Persist() {
	if c.tx == nil {
		return
	}
	c.queue(func(w http.ResponseWriter) {
		if c.tx == nil {
			return
		}
		token, err := c.sg.Sign(c.tx.Key)
		if err != nil {
			logger.Error("failed to sign persistent transaction", map[string]any{
				"error": err.Error(),
			})
			return
		}
		http.SetCookie(w, &http.Cookie{
			Name:     PersistentCookieName,
			Value:    token,
			Path:     "/",
			MaxAge:   persistentCookieMaxAge,
			HttpOnly: true,
			Secure:   c.opts.CookiesSecure,
			SameSite: http.SameSiteLaxMode,
		})
	})
}

// SetCookie defers an arbitrary cookie write to response finalization,
// under the same ordering discipline as the transaction cookies.
func (c *Context) SetCookie(cookie *http.Cookie) {
	c.queue(func(w http.ResponseWriter) {
		http.SetCookie(w, cookie)
	})
}

func (c *Context) queue(op func(http.ResponseWriter)) {
	c.pending = append(c.pending, op)
}

// Flush applies every queued cookie operation in registration order,
// exactly once. The transaction middleware calls it right before the
// first byte of the response is written.
func (c *Context) Flush(w http.ResponseWriter) {
	if c.flushed {
		return
	}
	c.flushed = true
	for _, op := range c.pending {
		op(w)
	}
	c.pending = nil
}

func clearCookie(w http.ResponseWriter, name string, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}
