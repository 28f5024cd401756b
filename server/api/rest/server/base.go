package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/render"
	"github.com/pkg/errors"

	"github.com/flightcache/flightcache/common/gerror"
	"github.com/flightcache/flightcache/common/logger"
	"github.com/flightcache/flightcache/server/api/rest/documents"
)

type APIBase struct {
	logger.Log
}

func NewAPIBase(logger logger.Log) *APIBase {
	return &APIBase{
		Log: logger,
	}
}

// JSON marshals 'v' to JSON, automatically escaping HTML and setting the
// Content-Type as application/json. Copied from chi/render.JSON and updated
// to log serialization errors.
func (a *APIBase) JSON(w http.ResponseWriter, r *http.Request, v interface{}) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(true)
	if err := enc.Encode(v); err != nil {
		a.Error(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if status, ok := r.Context().Value(render.StatusCtxKey).(int); ok {
		w.WriteHeader(status)
	}
	a.Tracef("JSON Response: %s", buf.String())
	w.Write(buf.Bytes())
}

// JSONStatus writes v as JSON with an explicit status code.
func (a *APIBase) JSONStatus(w http.ResponseWriter, r *http.Request, status int, v interface{}) {
	r = r.WithContext(context.WithValue(r.Context(), render.StatusCtxKey, status))
	a.JSON(w, r, v)
}

// Error writes the specified error to the http response as a standard
// API error document. Errors are sanitized for public display before
// being written. Status code is automatically inferred from the error.
// The error is logged to the server log at a Warning level.
func (a *APIBase) Error(w http.ResponseWriter, r *http.Request, err error) {
	a.Warnf("Error in API call: %v", err)
	a.ErrorNotLogged(w, r, err)
}

// ErrorNotLogged writes the specified error to the http response as a standard
// API error document. Errors are sanitized for public display before
// being written. Status code is automatically inferred from the error.
// The error is not logged to the server log.
func (a *APIBase) ErrorNotLogged(w http.ResponseWriter, r *http.Request, err error) {
	// Look down through the chain of wrapped errors, including errors wrapped using fmt.Errorf(),
	// and find the first error which is a gerror.Error
	var gErr gerror.Error
	if !errors.As(err, &gErr) || gErr.Audience() != gerror.AudienceExternal {
		gErr = gerror.NewErrInternal()
	}
	doc := &documents.ErrorDocument{
		Code:           gErr.Code(),
		HTTPStatusCode: gErr.HTTPStatusCode(),
		Message:        gErr.Message(),
		Details:        make(map[gerror.DetailKey]interface{}),
	}
	for _, detail := range gErr.Details() {
		if detail.Audience() == gerror.AudienceExternal {
			doc.Details[detail.Key()] = detail.Value()
		}
	}
	r = r.WithContext(context.WithValue(r.Context(), render.StatusCtxKey, gErr.HTTPStatusCode()))
	a.JSON(w, r, doc)
}
