package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/fiffu/feedrelay/config"
	"github.com/fiffu/feedrelay/lib"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func NewAPI(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger, svc *lib.Service) *http.Server {
	addr := fmt.Sprintf(":%d", cfg.ServerPort)
	srv := &http.Server{Addr: addr, Handler: Router(cfg, log, svc)}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go srv.ListenAndServe()
			return nil
		},
		OnStop: srv.Shutdown,
	})

	return srv
}

func Router(cfg *config.Config, log *zap.Logger, svc *lib.Service) http.Handler {
	ctrl := &controller{log, svc}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	// Wire protocol endpoints; remote parties hit these unauthenticated.
	r.Get("/callback/{feed_id}", ctrl.verifyCallback)
	r.Post("/callback/{feed_id}", ctrl.contentPush)
	r.Post("/hub", ctrl.hubRequest)

	r.Route("/api", func(r chi.Router) {
		if creds := cfg.GetCreds(); len(creds) > 0 {
			r.Use(middleware.BasicAuth("feedrelay", creds))
		} else {
			log.Sugar().Info("Auth is disabled since no credentials are defined")
		}

		r.Route("/feeds", func(r chi.Router) {
			r.Get("/", ctrl.listFeeds)
			r.Post("/", ctrl.ensureSubscription)
			r.Get("/{feed_id}", ctrl.viewFeed)
			r.Delete("/{feed_id}", ctrl.removeSubscription)
		})
		r.Get("/subscribers", ctrl.listRegistrations)
		r.Post("/publish", ctrl.publish)
	})

	return r
}

type controller struct {
	log *zap.Logger
	svc *lib.Service
}

func (ctrl *controller) reject(w http.ResponseWriter, status int, err error) {
	if err != nil {
		http.Error(w, err.Error(), status)
	} else {
		w.WriteHeader(status)
	}
}

func (ctrl *controller) resolve(w http.ResponseWriter, status int, body any) {
	if b, err := json.Marshal(body); err != nil {
		ctrl.reject(w, http.StatusInternalServerError, err)
		ctrl.log.Sugar().Error("Request failed", "error", err)
		return
	} else {
		w.WriteHeader(status)
		if b != nil {
			w.Write(b)
		}
	}
}

// verifyCallback answers the hub's intent-verification GET: echo the
// challenge on success, 404 for handshakes we never started.
func (ctrl *controller) verifyCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	feedID := parseInt(chi.URLParam(r, "feed_id"))

	query := r.URL.Query()
	mode := query.Get("hub.mode")
	challenge := query.Get("hub.challenge")
	leaseSeconds := int(parseInt(query.Get("hub.lease_seconds")))

	ok, err := ctrl.svc.HandleVerification(ctx, feedID, mode, leaseSeconds)
	if err != nil {
		ctrl.reject(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		ctrl.reject(w, http.StatusNotFound, errors.New("unknown subscription"))
		return
	}
	w.Write([]byte(challenge))
}

// contentPush ingests a pushed payload. Signature problems are dropped
// silently, so the response is 2xx regardless; only an unknown feed 404s.
func (ctrl *controller) contentPush(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	feedID := parseInt(chi.URLParam(r, "feed_id"))

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		ctrl.reject(w, http.StatusBadRequest, err)
		return
	}

	found, err := ctrl.svc.HandleContentPush(ctx, feedID, payload, r.Header.Get("X-Hub-Signature"))
	if err != nil {
		ctrl.reject(w, http.StatusInternalServerError, err)
		return
	}
	if !found {
		ctrl.reject(w, http.StatusNotFound, nil)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// hubRequest accepts a remote subscriber's subscribe/unsubscribe POST and
// schedules verification; 202 means "we will call you back".
func (ctrl *controller) hubRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	err := ctrl.svc.HandleHubRequest(
		ctx,
		r.FormValue("hub.mode"),
		r.FormValue("hub.topic"),
		r.FormValue("hub.callback"),
		r.FormValue("hub.secret"),
		int(parseInt(r.FormValue("hub.lease_seconds"))),
		r.FormValue("hub.verify_token"),
	)
	if err != nil {
		ctrl.reject(w, http.StatusBadRequest, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (ctrl *controller) ensureSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	url := r.FormValue("url")
	if url == "" {
		ctrl.reject(w, http.StatusBadRequest, errors.New("url is required"))
		return
	}

	feed, err := ctrl.svc.EnsureSubscription(ctx, url)
	if err != nil {
		ctrl.reject(w, http.StatusInternalServerError, err)
		return
	}
	ctrl.resolve(w, http.StatusAccepted, FeedView{}.From(feed))
}

func (ctrl *controller) removeSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	feedID := parseInt(chi.URLParam(r, "feed_id"))

	removed, found, err := ctrl.svc.RemoveSubscription(ctx, feedID)
	if err != nil {
		ctrl.reject(w, http.StatusInternalServerError, err)
		return
	}
	if !found {
		ctrl.reject(w, http.StatusNotFound, nil)
		return
	}
	ctrl.resolve(w, http.StatusOK, map[string]any{"removed": removed})
}

func (ctrl *controller) listFeeds(w http.ResponseWriter, r *http.Request) {
	feeds, err := ctrl.svc.ListFeeds(r.Context())
	if err != nil {
		ctrl.reject(w, http.StatusInternalServerError, err)
		return
	}
	ctrl.resolve(w, http.StatusOK, FromMany[FeedView](feeds))
}

func (ctrl *controller) viewFeed(w http.ResponseWriter, r *http.Request) {
	feedID := parseInt(chi.URLParam(r, "feed_id"))

	feed, found, err := ctrl.svc.GetFeed(r.Context(), feedID)
	if err != nil {
		ctrl.reject(w, http.StatusInternalServerError, err)
		return
	}
	if !found {
		ctrl.reject(w, http.StatusNotFound, nil)
		return
	}
	ctrl.resolve(w, http.StatusOK, FeedView{}.From(feed))
}

func (ctrl *controller) listRegistrations(w http.ResponseWriter, r *http.Request) {
	subs, err := ctrl.svc.ListRegistrations(r.Context())
	if err != nil {
		ctrl.reject(w, http.StatusInternalServerError, err)
		return
	}
	ctrl.resolve(w, http.StatusOK, FromMany[RegistrationView](subs))
}

func (ctrl *controller) publish(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	topic := r.FormValue("topic")
	payload := r.FormValue("payload")
	if topic == "" || payload == "" {
		ctrl.reject(w, http.StatusBadRequest, errors.New("topic and payload are required"))
		return
	}

	queued, err := ctrl.svc.PublishTopic(ctx, topic, []byte(payload))
	if err != nil {
		ctrl.reject(w, http.StatusInternalServerError, err)
		return
	}
	ctrl.resolve(w, http.StatusAccepted, map[string]any{"queued": queued})
}

func parseInt(s string) uint {
	u, _ := strconv.ParseUint(s, 10, 64)
	return uint(u)
}
