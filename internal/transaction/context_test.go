package transaction

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fedora-infra/fas-openid/internal/signer"
)

var testOpts = Options{
	Timeout:       30 * time.Minute,
	CookiesSecure: false,
}

// countingStore counts Create calls so tests can assert resolution
// happens at most once per request.
type countingStore struct {
	Store
	creates int32
}

func (s *countingStore) Create(ctx context.Context) (*Transaction, error) {
	atomic.AddInt32(&s.creates, 1)
	return s.Store.Create(ctx)
}

func newContextEnv(t *testing.T) (*countingStore, *signer.Signer) {
	t.Helper()
	redisStore, _ := newTestStore(t)
	return &countingStore{Store: redisStore}, signer.New("context-test-secret")
}

func serve(store Store, sg *signer.Signer, fn func(tc *Context, w http.ResponseWriter, r *http.Request)) http.Handler {
	return Middleware(store, sg, testOpts)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fn(FromRequest(r), w, r)
	}))
}

// lastCookie returns the last Set-Cookie instruction for name; the
// deferred-write discipline makes the last scheduled write win.
func lastCookie(t *testing.T, rec *httptest.ResponseRecorder, name string) *http.Cookie {
	t.Helper()
	var found *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			found = c
		}
	}
	return found
}

// seedTransaction creates a stored transaction directly, bypassing the
// middleware, for tests that simulate a returning client.
func seedTransaction(t *testing.T, store Store) *Transaction {
	t.Helper()
	tx, err := store.Create(context.Background())
	if err != nil {
		t.Fatalf("seed Create: %v", err)
	}
	return tx
}

func TestFreshRequestCreatesTransactionAndSetsCookie(t *testing.T) {
	store, sg := newContextEnv(t)

	var gotID string
	h := serve(store, sg, func(tc *Context, w http.ResponseWriter, r *http.Request) {
		isNew, err := tc.IsNew()
		if err != nil {
			t.Fatalf("IsNew: %v", err)
		}
		if !isNew {
			t.Error("IsNew = false for a fresh request")
		}
		gotID, _ = tc.ID()
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	cookie := lastCookie(t, rec, cookiePrefix+gotID)
	if cookie == nil {
		t.Fatalf("no tr%s cookie in response", gotID)
	}
	if !cookie.HttpOnly {
		t.Error("check cookie is not HttpOnly")
	}
	if cookie.MaxAge != int(testOpts.Timeout.Seconds()) {
		t.Errorf("check cookie MaxAge = %d, want %d", cookie.MaxAge, int(testOpts.Timeout.Seconds()))
	}

	tx, err := store.Fetch(context.Background(), gotID)
	if err != nil {
		t.Fatalf("Fetch created transaction: %v", err)
	}
	if cookie.Value != tx.Check() {
		t.Error("check cookie does not hold the stored check value")
	}
}

func TestResolutionHappensOnce(t *testing.T) {
	store, sg := newContextEnv(t)

	h := serve(store, sg, func(tc *Context, w http.ResponseWriter, r *http.Request) {
		for i := 0; i < 3; i++ {
			if _, err := tc.Values(); err != nil {
				t.Fatalf("Values: %v", err)
			}
			if _, err := tc.ID(); err != nil {
				t.Fatalf("ID: %v", err)
			}
			if _, err := tc.IsNew(); err != nil {
				t.Fatalf("IsNew: %v", err)
			}
		}
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if n := atomic.LoadInt32(&store.creates); n != 1 {
		t.Fatalf("store.Create called %d times, want 1", n)
	}
}

func TestResumeRequiresKeyAndCheckCookie(t *testing.T) {
	store, sg := newContextEnv(t)
	seeded := seedTransaction(t, store)

	resolve := func(req *http.Request) (id string, isNew bool) {
		h := serve(store, sg, func(tc *Context, w http.ResponseWriter, r *http.Request) {
			id, _ = tc.ID()
			isNew, _ = tc.IsNew()
		})
		h.ServeHTTP(httptest.NewRecorder(), req)
		return id, isNew
	}

	// Key alone (query) must not resume.
	req := httptest.NewRequest(http.MethodGet, "/?transaction="+seeded.Key, nil)
	if id, isNew := resolve(req); id == seeded.Key || !isNew {
		t.Errorf("key without check cookie resumed: id=%s isNew=%v", id, isNew)
	}

	// Check cookie alone must not resume either; the cookie is proof,
	// not discovery.
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: cookiePrefix + seeded.Key, Value: seeded.Check()})
	if id, isNew := resolve(req); id == seeded.Key || !isNew {
		t.Errorf("check cookie without key resumed: id=%s isNew=%v", id, isNew)
	}

	// Both together resume.
	req = httptest.NewRequest(http.MethodGet, "/?transaction="+seeded.Key, nil)
	req.AddCookie(&http.Cookie{Name: cookiePrefix + seeded.Key, Value: seeded.Check()})
	if id, isNew := resolve(req); id != seeded.Key || isNew {
		t.Errorf("key+check did not resume: id=%s isNew=%v", id, isNew)
	}
}

func TestCheckMismatchFallsBackToNewTransaction(t *testing.T) {
	store, sg := newContextEnv(t)
	seeded := seedTransaction(t, store)

	var gotID string
	h := serve(store, sg, func(tc *Context, w http.ResponseWriter, r *http.Request) {
		gotID, _ = tc.ID()
	})

	req := httptest.NewRequest(http.MethodGet, "/?transaction="+seeded.Key, nil)
	req.AddCookie(&http.Cookie{Name: cookiePrefix + seeded.Key, Value: "wrong-check-value"})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if gotID == seeded.Key {
		t.Fatal("transaction resumed despite check mismatch")
	}
	if gotID == "" {
		t.Fatal("no fallback transaction created")
	}

	// The original record must be untouched.
	if _, err := store.Fetch(context.Background(), seeded.Key); err != nil {
		t.Fatalf("seeded transaction gone after mismatch: %v", err)
	}
}

func TestFormFieldTakesPriorityOverQuery(t *testing.T) {
	store, sg := newContextEnv(t)
	formTx := seedTransaction(t, store)
	queryTx := seedTransaction(t, store)

	var gotID string
	h := serve(store, sg, func(tc *Context, w http.ResponseWriter, r *http.Request) {
		gotID, _ = tc.ID()
	})

	form := url.Values{"transaction": {formTx.Key}}
	req := httptest.NewRequest(http.MethodPost, "/?transaction="+queryTx.Key, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.AddCookie(&http.Cookie{Name: cookiePrefix + formTx.Key, Value: formTx.Check()})
	req.AddCookie(&http.Cookie{Name: cookiePrefix + queryTx.Key, Value: queryTx.Check()})

	h.ServeHTTP(httptest.NewRecorder(), req)

	if gotID != formTx.Key {
		t.Fatalf("resolved %s, want form transaction %s", gotID, formTx.Key)
	}
}

func TestPersistRoundTrip(t *testing.T) {
	store, sg := newContextEnv(t)

	// First request establishes a transaction and persists it.
	var firstID, check string
	h := serve(store, sg, func(tc *Context, w http.ResponseWriter, r *http.Request) {
		firstID, _ = tc.ID()
		values, _ := tc.Values()
		check, _ = values[CheckKey].(string)
		tc.Persist()
		w.WriteHeader(http.StatusOK)
	})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	persistent := lastCookie(t, rec, PersistentCookieName)
	if persistent == nil {
		t.Fatal("Persist did not set the persistent_transaction cookie")
	}
	if persistent.MaxAge != persistentCookieMaxAge {
		t.Errorf("persistent cookie MaxAge = %d, want %d", persistent.MaxAge, persistentCookieMaxAge)
	}

	// Second request carries only the persistent cookie plus the check
	// cookie, no form or query key, and must resolve the same id.
	var secondID string
	var isNew bool
	h = serve(store, sg, func(tc *Context, w http.ResponseWriter, r *http.Request) {
		secondID, _ = tc.ID()
		isNew, _ = tc.IsNew()
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: PersistentCookieName, Value: persistent.Value})
	req.AddCookie(&http.Cookie{Name: cookiePrefix + firstID, Value: check})
	h.ServeHTTP(httptest.NewRecorder(), req)

	if secondID != firstID || isNew {
		t.Fatalf("persistent round trip resolved %s (isNew=%v), want %s", secondID, isNew, firstID)
	}
}

func TestInvalidPersistentCookieClearedAndIgnored(t *testing.T) {
	store, sg := newContextEnv(t)

	var isNew bool
	h := serve(store, sg, func(tc *Context, w http.ResponseWriter, r *http.Request) {
		isNew, _ = tc.IsNew()
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: PersistentCookieName, Value: "tampered-or-expired"})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if !isNew {
		t.Error("invalid persistent cookie did not fall through to a new transaction")
	}

	cleared := lastCookie(t, rec, PersistentCookieName)
	if cleared == nil {
		t.Fatal("invalid persistent cookie was not cleared")
	}
	if cleared.MaxAge >= 0 {
		t.Errorf("persistent cookie MaxAge = %d, want a deletion", cleared.MaxAge)
	}
}

func TestDeleteAfterResponse(t *testing.T) {
	store, sg := newContextEnv(t)
	seeded := seedTransaction(t, store)

	h := serve(store, sg, func(tc *Context, w http.ResponseWriter, r *http.Request) {
		if _, err := tc.Values(); err != nil {
			t.Fatalf("Values: %v", err)
		}
		tc.DeleteAfterResponse()
		w.WriteHeader(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/?transaction="+seeded.Key, nil)
	req.AddCookie(&http.Cookie{Name: cookiePrefix + seeded.Key, Value: seeded.Check()})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if _, err := store.Fetch(context.Background(), seeded.Key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("transaction still stored after DeleteAfterResponse: err = %v", err)
	}

	cleared := lastCookie(t, rec, cookiePrefix+seeded.Key)
	if cleared == nil {
		t.Fatal("no cookie-clearing instruction for the check cookie")
	}
	if cleared.MaxAge >= 0 {
		t.Errorf("check cookie MaxAge = %d, want a deletion", cleared.MaxAge)
	}
}

func TestSaveIsNoopBeforeResolution(t *testing.T) {
	store, sg := newContextEnv(t)

	h := serve(store, sg, func(tc *Context, w http.ResponseWriter, r *http.Request) {
		if err := tc.Save(r.Context()); err != nil {
			t.Fatalf("Save before resolution: %v", err)
		}
	})
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if n := atomic.LoadInt32(&store.creates); n != 0 {
		t.Fatalf("Save before resolution touched the store (%d creates)", n)
	}
}

func TestSaveAfterMutationPersists(t *testing.T) {
	store, sg := newContextEnv(t)

	var id string
	h := serve(store, sg, func(tc *Context, w http.ResponseWriter, r *http.Request) {
		values, err := tc.Values()
		if err != nil {
			t.Fatalf("Values: %v", err)
		}
		values["openid/claimed_id"] = "https://example.org/id/alice"
		if err := tc.Save(r.Context()); err != nil {
			t.Fatalf("Save: %v", err)
		}
		id, _ = tc.ID()
	})
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	tx, err := store.Fetch(context.Background(), id)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if tx.Values["openid/claimed_id"] != "https://example.org/id/alice" {
		t.Fatalf("mutation not persisted: %+v", tx.Values)
	}
}

func TestSetCookieIsDeferredUntilResponse(t *testing.T) {
	store, sg := newContextEnv(t)

	h := serve(store, sg, func(tc *Context, w http.ResponseWriter, r *http.Request) {
		tc.SetCookie(&http.Cookie{Name: "flavor", Value: "first"})
		tc.SetCookie(&http.Cookie{Name: "flavor", Value: "second"})
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	cookie := lastCookie(t, rec, "flavor")
	if cookie == nil {
		t.Fatal("deferred cookie not written")
	}
	if cookie.Value != "second" {
		t.Fatalf("flavor = %q, want the last scheduled value", cookie.Value)
	}
}
