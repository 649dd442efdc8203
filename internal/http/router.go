package http

import (
	"net/http"
	"strconv"
	"strings"
)

type RouterConfig struct {
	Bookings      *BookingHandler
	Notifications *NotificationHandler
	Stream        *StreamHandler
	Worker        *WorkerHandler
	Middleware    []func(http.Handler) http.Handler
}

func NewRouter(cfg RouterConfig) http.Handler {
	mux := http.NewServeMux()

	if cfg.Bookings != nil {
		mux.HandleFunc("/appointments", func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet:
				cfg.Bookings.List(w, r)
			case http.MethodPost:
				cfg.Bookings.Create(w, r)
			case http.MethodPatch:
				cfg.Bookings.BulkUpdate(w, r)
			default:
				methodNotAllowed(w, http.MethodGet, http.MethodPost, http.MethodPatch)
			}
		})
		mux.HandleFunc("/appointments/conflicts", func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet {
				methodNotAllowed(w, http.MethodGet)
				return
			}
			cfg.Bookings.CheckConflict(w, r)
		})
		mux.HandleFunc("/appointments/no-shows", func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet {
				methodNotAllowed(w, http.MethodGet)
				return
			}
			cfg.Bookings.NoShows(w, r)
		})
		mux.HandleFunc("/appointments/delete", func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				methodNotAllowed(w, http.MethodPost)
				return
			}
			cfg.Bookings.DeleteByIDs(w, r)
		})
		mux.HandleFunc("/appointments/", func(w http.ResponseWriter, r *http.Request) {
			rest := strings.TrimPrefix(r.URL.Path, "/appointments/")
			rawID, sub, _ := strings.Cut(rest, "/")
			id, err := strconv.ParseInt(rawID, 10, 64)
			if err != nil || id <= 0 {
				http.NotFound(w, r)
				return
			}
			r = r.WithContext(ContextWithAppointmentID(r.Context(), id))

			switch sub {
			case "":
				switch r.Method {
				case http.MethodPatch:
					cfg.Bookings.Update(w, r)
				case http.MethodDelete:
					cfg.Bookings.Delete(w, r)
				default:
					methodNotAllowed(w, http.MethodPatch, http.MethodDelete)
				}
			case "targets":
				if r.Method != http.MethodGet {
					methodNotAllowed(w, http.MethodGet)
					return
				}
				cfg.Bookings.Targets(w, r)
			default:
				http.NotFound(w, r)
			}
		})
	}

	if cfg.Notifications != nil {
		mux.HandleFunc("/notifications", func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet:
				cfg.Notifications.Inbox(w, r)
			case http.MethodDelete:
				cfg.Notifications.ClearAll(w, r)
			default:
				methodNotAllowed(w, http.MethodGet, http.MethodDelete)
			}
		})
		mux.HandleFunc("/notifications/read-all", func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				methodNotAllowed(w, http.MethodPost)
				return
			}
			cfg.Notifications.MarkAllRead(w, r)
		})
		mux.HandleFunc("/notifications/send", func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				methodNotAllowed(w, http.MethodPost)
				return
			}
			cfg.Notifications.Send(w, r)
		})
	}

	if cfg.Stream != nil {
		mux.HandleFunc("/events/stream", func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet {
				methodNotAllowed(w, http.MethodGet)
				return
			}
			cfg.Stream.Stream(w, r)
		})
	}

	if cfg.Worker != nil {
		mux.HandleFunc("/outbox/worker", func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet {
				methodNotAllowed(w, http.MethodGet)
				return
			}
			cfg.Worker.Stats(w, r)
		})
		mux.HandleFunc("/outbox/worker/run", func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				methodNotAllowed(w, http.MethodPost)
				return
			}
			cfg.Worker.Run(w, r)
		})
	}

	var handler http.Handler = mux
	if len(cfg.Middleware) > 0 {
		for i := len(cfg.Middleware) - 1; i >= 0; i-- {
			if cfg.Middleware[i] != nil {
				handler = cfg.Middleware[i](handler)
			}
		}
	}

	return handler
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
}
