package http

import (
	"net/http"
	"strings"
)

type RouterConfig struct {
	Reservations *ReservationHandler
	Rules        *RecurrenceHandler
	Tokens       *TokenHandler
	Trainers     *TrainerHandler
	Jobs         *JobHandler
	// Metrics is mounted at /metrics when set.
	Metrics    http.Handler
	Middleware []func(http.Handler) http.Handler
}

func NewRouter(cfg RouterConfig) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	if cfg.Metrics != nil {
		mux.Handle("/metrics", cfg.Metrics)
	}

	if cfg.Reservations != nil {
		mux.HandleFunc("/reservations", func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet:
				cfg.Reservations.List(w, r)
			case http.MethodPost:
				cfg.Reservations.Create(w, r)
			default:
				methodNotAllowed(w, http.MethodGet, http.MethodPost)
			}
		})
		mux.HandleFunc("/reservations/", func(w http.ResponseWriter, r *http.Request) {
			rest := strings.TrimPrefix(r.URL.Path, "/reservations/")
			id, action, _ := strings.Cut(rest, "/")
			if id == "" {
				http.NotFound(w, r)
				return
			}

			if action == "" {
				switch id {
				case "upcoming":
					onlyGet(w, r, cfg.Reservations.Upcoming)
					return
				case "pending-payments":
					onlyGet(w, r, cfg.Reservations.PendingPayments)
					return
				}
			}

			r = r.WithContext(ContextWithReservationID(r.Context(), id))
			if action == "" {
				switch r.Method {
				case http.MethodGet:
					cfg.Reservations.Get(w, r)
				case http.MethodPatch:
					cfg.Reservations.Modify(w, r)
				default:
					methodNotAllowed(w, http.MethodGet, http.MethodPatch)
				}
				return
			}

			handlers := map[string]http.HandlerFunc{
				"confirm":    cfg.Reservations.Confirm,
				"cancel":     cfg.Reservations.Cancel,
				"reschedule": cfg.Reservations.Reschedule,
				"payment":    cfg.Reservations.MarkPaid,
				"no-show":    cfg.Reservations.MarkNoShow,
				"complete":   cfg.Reservations.MarkCompleted,
				"tokens":     cfg.Reservations.IssueToken,
			}
			handler, ok := handlers[action]
			if !ok {
				http.NotFound(w, r)
				return
			}
			onlyPost(w, r, handler)
		})
	}

	if cfg.Trainers != nil {
		mux.HandleFunc("/availability", func(w http.ResponseWriter, r *http.Request) {
			onlyGet(w, r, cfg.Trainers.Availability)
		})
		mux.HandleFunc("/trainers/", func(w http.ResponseWriter, r *http.Request) {
			parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/trainers/"), "/")
			if len(parts) < 2 || parts[0] == "" {
				http.NotFound(w, r)
				return
			}
			r = r.WithContext(ContextWithTrainerID(r.Context(), parts[0]))

			switch {
			case len(parts) == 2 && parts[1] == "calendar.ics":
				onlyGet(w, r, cfg.Trainers.Calendar)
			case len(parts) == 2 && parts[1] == "blocked-periods":
				switch r.Method {
				case http.MethodGet:
					cfg.Trainers.ListBlocked(w, r)
				case http.MethodPost:
					cfg.Trainers.CreateBlocked(w, r)
				default:
					methodNotAllowed(w, http.MethodGet, http.MethodPost)
				}
			case len(parts) == 3 && parts[1] == "blocked-periods" && parts[2] != "":
				if r.Method != http.MethodDelete {
					methodNotAllowed(w, http.MethodDelete)
					return
				}
				cfg.Trainers.DeleteBlocked(w, r, parts[2])
			default:
				http.NotFound(w, r)
			}
		})
	}

	if cfg.Rules != nil {
		mux.HandleFunc("/recurrence-rules", func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet:
				cfg.Rules.List(w, r)
			case http.MethodPost:
				cfg.Rules.Create(w, r)
			default:
				methodNotAllowed(w, http.MethodGet, http.MethodPost)
			}
		})
		mux.HandleFunc("/recurrence-rules/", func(w http.ResponseWriter, r *http.Request) {
			rest := strings.TrimPrefix(r.URL.Path, "/recurrence-rules/")
			id, action, _ := strings.Cut(rest, "/")
			if id == "" {
				http.NotFound(w, r)
				return
			}
			if id == "preview" && action == "" {
				onlyPost(w, r, cfg.Rules.Preview)
				return
			}

			r = r.WithContext(ContextWithRuleID(r.Context(), id))
			switch action {
			case "":
				onlyGet(w, r, cfg.Rules.Get)
			case "preview":
				onlyGet(w, r, cfg.Rules.PreviewRule)
			case "calendar.ics":
				onlyGet(w, r, cfg.Rules.Calendar)
			case "expand":
				onlyPost(w, r, cfg.Rules.Expand)
			case "pause":
				onlyPost(w, r, cfg.Rules.Pause)
			case "resume":
				onlyPost(w, r, cfg.Rules.Resume)
			case "cancel":
				onlyPost(w, r, cfg.Rules.Cancel)
			case "occurrences":
				if r.Method != http.MethodPatch {
					methodNotAllowed(w, http.MethodPatch)
					return
				}
				cfg.Rules.ModifyOccurrences(w, r)
			default:
				http.NotFound(w, r)
			}
		})
	}

	if cfg.Tokens != nil {
		mux.HandleFunc("/tokens/", func(w http.ResponseWriter, r *http.Request) {
			rest := strings.TrimPrefix(r.URL.Path, "/tokens/")
			token, action, _ := strings.Cut(rest, "/")
			if token == "" {
				http.NotFound(w, r)
				return
			}
			r = r.WithContext(ContextWithToken(r.Context(), token))
			switch action {
			case "":
				onlyGet(w, r, cfg.Tokens.Validate)
			case "redeem":
				// GET only previews the link; the token is spent by POST.
				switch r.Method {
				case http.MethodGet:
					cfg.Tokens.Validate(w, r)
				case http.MethodPost:
					cfg.Tokens.Redeem(w, r)
				default:
					methodNotAllowed(w, http.MethodGet, http.MethodPost)
				}
			default:
				http.NotFound(w, r)
			}
		})
	}

	if cfg.Jobs != nil {
		mux.HandleFunc("/jobs/auto-complete", func(w http.ResponseWriter, r *http.Request) {
			onlyPost(w, r, cfg.Jobs.AutoComplete)
		})
		mux.HandleFunc("/jobs/expand", func(w http.ResponseWriter, r *http.Request) {
			onlyPost(w, r, cfg.Jobs.Expand)
		})
		mux.HandleFunc("/jobs/reminders", func(w http.ResponseWriter, r *http.Request) {
			onlyPost(w, r, cfg.Jobs.Reminders)
		})
		mux.HandleFunc("/jobs/payment-reminders", func(w http.ResponseWriter, r *http.Request) {
			onlyPost(w, r, cfg.Jobs.PaymentReminders)
		})
		mux.HandleFunc("/jobs/trainer-agenda", func(w http.ResponseWriter, r *http.Request) {
			onlyPost(w, r, cfg.Jobs.TrainerAgenda)
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

func onlyGet(w http.ResponseWriter, r *http.Request, next http.HandlerFunc) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	next(w, r)
}

func onlyPost(w http.ResponseWriter, r *http.Request, next http.HandlerFunc) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	next(w, r)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
}
