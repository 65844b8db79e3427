package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/juju/errors"
	"go.uber.org/zap"

	"github.com/zoravur/continuum/internal/domain"
	"github.com/zoravur/continuum/internal/httpx"
	"github.com/zoravur/continuum/internal/logutil"
	"github.com/zoravur/continuum/internal/models"
)

const (
	DefaultReadyTimeout = 60 * time.Second
	MaxReadyTimeout     = 300 * time.Second
)

// writeError maps domain errors that have no generic kind before falling
// back to httpx.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, domain.ErrQueryContainerOffline) {
		httpx.WriteError(w, r, http.StatusServiceUnavailable, err)
		return
	}
	httpx.Error(w, r, err)
}

func decodeBody(r *http.Request, out any) error {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		return errors.NewNotValid(err, "invalid request body")
	}
	return nil
}

// mountResource serves svc under path. extra registers routes that take
// precedence over the id routes.
func mountResource[TSpec, TStatus any](r chi.Router, path string, svc ResourceService[TSpec, TStatus], extra ...func(chi.Router)) {
	h := resourceHandler[TSpec, TStatus]{svc: svc}
	r.Route(path, func(r chi.Router) {
		for _, fn := range extra {
			fn(r)
		}
		r.Get("/", h.list)
		r.Get("/{id}", h.get)
		r.Put("/{id}", h.upsert)
		r.Post("/{id}", h.upsert)
		r.Delete("/{id}", h.delete)
		r.Get("/{id}/ready", h.ready)
		r.Get("/{id}/ready-wait", h.ready)
	})
}

type resourceHandler[TSpec, TStatus any] struct {
	svc ResourceService[TSpec, TStatus]
}

func (h resourceHandler[TSpec, TStatus]) list(w http.ResponseWriter, r *http.Request) {
	out, err := h.svc.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h resourceHandler[TSpec, TStatus]) get(w http.ResponseWriter, r *http.Request) {
	out, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h resourceHandler[TSpec, TStatus]) upsert(w http.ResponseWriter, r *http.Request) {
	var spec TSpec
	if err := decodeBody(r, &spec); err != nil {
		writeError(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	out, err := h.svc.Set(r.Context(), id, spec)
	if err != nil {
		writeError(w, r, err)
		return
	}
	logutil.FromContext(r.Context()).Info("resource applied", zap.String("id", id))
	httpx.JSON(w, http.StatusOK, out)
}

func (h resourceHandler[TSpec, TStatus]) delete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h resourceHandler[TSpec, TStatus]) ready(w http.ResponseWriter, r *http.Request) {
	timeout, err := readyTimeout(r.URL.Query().Get("timeout"))
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, err)
		return
	}
	ok, err := h.svc.WaitForReady(r.Context(), chi.URLParam(r, "id"), timeout)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusGatewayTimeout)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// readyTimeout parses a timeout in seconds.
func readyTimeout(raw string) (time.Duration, error) {
	if raw == "" {
		return DefaultReadyTimeout, nil
	}
	secs, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, errors.NotValidf("timeout %q", raw)
	}
	d := time.Duration(secs) * time.Second
	if d > MaxReadyTimeout {
		return 0, errors.New("timeout must be less than 5 minutes")
	}
	return d, nil
}

func mountProviders(r chi.Router, path string, svc ProviderService) {
	r.Route(path, func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			out, err := svc.List(r.Context())
			if err != nil {
				writeError(w, r, err)
				return
			}
			httpx.JSON(w, http.StatusOK, out)
		})
		r.Get("/{id}", func(w http.ResponseWriter, r *http.Request) {
			out, err := svc.Get(r.Context(), chi.URLParam(r, "id"))
			if err != nil {
				writeError(w, r, err)
				return
			}
			httpx.JSON(w, http.StatusOK, out)
		})
		upsert := func(w http.ResponseWriter, r *http.Request) {
			var spec models.ProviderSpec
			if err := decodeBody(r, &spec); err != nil {
				writeError(w, r, err)
				return
			}
			out, err := svc.Set(r.Context(), chi.URLParam(r, "id"), spec)
			if err != nil {
				writeError(w, r, err)
				return
			}
			httpx.JSON(w, http.StatusOK, out)
		}
		r.Put("/{id}", upsert)
		r.Post("/{id}", upsert)
		r.Delete("/{id}", func(w http.ResponseWriter, r *http.Request) {
			if err := svc.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
				writeError(w, r, err)
				return
			}
			w.WriteHeader(http.StatusOK)
		})
	})
}
