package transaction

import (
	"context"
	"net/http"

	"github.com/fedora-infra/fas-openid/internal/signer"
	"github.com/gin-gonic/gin"
)

// unexported, collision-proof context key
type txContextKeyType struct{}

var txKey = txContextKeyType{}

// FromRequest returns the transaction Context installed by the
// middleware, or nil if the request was not wrapped.
func FromRequest(r *http.Request) *Context {
	tc, _ := r.Context().Value(txKey).(*Context)
	return tc
}

// Middleware wraps every request with a transaction Context and a
// response writer that flushes queued cookie operations before the
// first byte of the response goes out.
func Middleware(store Store, sg *signer.Signer, opts Options) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tc := NewContext(store, sg, opts, r)

			r = r.WithContext(context.WithValue(r.Context(), txKey, tc))
			tc.req = r

			dw := &deferredWriter{ResponseWriter: w, tc: tc}
			next.ServeHTTP(dw, r)

			// Handler wrote nothing; flush before net/http emits the
			// implicit 200.
			tc.Flush(w)
		})
	}
}

type deferredWriter struct {
	http.ResponseWriter
	tc          *Context
	wroteHeader bool
}

func (w *deferredWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.wroteHeader = true
		w.tc.Flush(w.ResponseWriter)
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *deferredWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

// GinMiddleware adapts the transaction wrapper to Gin. Gin handlers
// write through c.Writer, so the flush hook has to live on a
// gin.ResponseWriter rather than on the plain net/http one.
func GinMiddleware(store Store, sg *signer.Signer, opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		tc := NewContext(store, sg, opts, c.Request)

		c.Request = c.Request.WithContext(
			context.WithValue(c.Request.Context(), txKey, tc),
		)
		tc.req = c.Request

		dw := &ginDeferredWriter{ResponseWriter: c.Writer, tc: tc}
		c.Writer = dw

		c.Next()

		dw.emit()
	}
}

type ginDeferredWriter struct {
	gin.ResponseWriter
	tc      *Context
	emitted bool
}

func (w *ginDeferredWriter) emit() {
	if !w.emitted {
		w.emitted = true
		w.tc.Flush(w.ResponseWriter)
	}
}

func (w *ginDeferredWriter) WriteHeader(code int) {
	w.emit()
	w.ResponseWriter.WriteHeader(code)
}

func (w *ginDeferredWriter) WriteHeaderNow() {
	w.emit()
	w.ResponseWriter.WriteHeaderNow()
}

func (w *ginDeferredWriter) Write(b []byte) (int, error) {
	w.emit()
	return w.ResponseWriter.Write(b)
}

func (w *ginDeferredWriter) WriteString(s string) (int, error) {
	w.emit()
	return w.ResponseWriter.WriteString(s)
}
