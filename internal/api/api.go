package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"

	"leadline/internal/domain"
	"leadline/internal/store"
)

// Config for the read-only status API. The socket protocol remains the only
// write surface; this handler exists so local dashboards can read the ledger
// over plain HTTP.
type Config struct {
	Store     *store.Store
	BasePath  string
	JWTSecret string
}

type apiErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

func newAPIError(status int, code, message string) huma.StatusError {
	if code == "" {
		code = strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
	return &apiError{status: status, Body: apiErrorBody{Code: code, Message: message}}
}

// New returns the HTTP handler for the status API.
func New(cfg Config) http.Handler {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.JWTSecret))
	hcfg := huma.DefaultConfig("Leadline Status API", "0.1.0")
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerStatus(group, cfg.Store)
	registerTargets(group, cfg.Store)
	registerEvents(group, cfg.Store)
	registerRules(group, cfg.Store)

	return router
}

func newAuthMiddleware(basePath, secret string) func(http.Handler) http.Handler {
	healthPath := path.Join(basePath, "health")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !strings.HasPrefix(req.URL.Path, basePath) || req.URL.Path == healthPath {
				next.ServeHTTP(w, req)
				return
			}
			token, ok := bearerToken(req.Header.Get("Authorization"))
			if !ok || !verifyJWT(token, secret) {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required"))
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func verifyJWT(token, secret string) bool {
	if strings.TrimSpace(secret) == "" {
		return false
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	parsed, err := parser.Parse(token, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	return err == nil && parsed.Valid
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}

func handleError(err error) huma.StatusError {
	if errors.Is(err, store.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error())
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error")
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerStatus(api huma.API, s *store.Store) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Ledger summary",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body store.Stats `json:"body"`
	}, error) {
		stats, err := s.GetStats(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body store.Stats `json:"body"`
		}{Body: stats}, nil
	})
}

func registerTargets(api huma.API, s *store.Store) {
	type targetList struct {
		Items []domain.Target `json:"items"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-targets",
		Method:      http.MethodGet,
		Path:        "/targets",
		Summary:     "List prospects",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"100"`
	}) (*struct {
		Body targetList `json:"body"`
	}, error) {
		targets, err := s.ListTargets(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		if targets == nil {
			targets = []domain.Target{}
		}
		return &struct {
			Body targetList `json:"body"`
		}{Body: targetList{Items: targets}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-target",
		Method:      http.MethodGet,
		Path:        "/targets/{target_ref}",
		Summary:     "Prospect detail",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TargetRef string `path:"target_ref"`
	}) (*struct {
		Body domain.Target `json:"body"`
	}, error) {
		target, err := s.GetTarget(ctx, input.TargetRef)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Target `json:"body"`
		}{Body: target}, nil
	})
}

func registerEvents(api huma.API, s *store.Store) {
	type eventItem struct {
		domain.Event
		MessageText *string `json:"message_text,omitempty"`
	}
	type eventList struct {
		Items []eventItem `json:"items"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body eventList `json:"body"`
	}, error) {
		events, err := s.LatestEvents(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		out := eventList{Items: []eventItem{}}
		for _, ev := range events {
			item := eventItem{Event: ev.Event}
			if ev.Message != nil {
				item.MessageText = ev.Message.MessageText
			}
			out.Items = append(out.Items, item)
		}
		return &struct {
			Body eventList `json:"body"`
		}{Body: out}, nil
	})
}

func registerRules(api huma.API, s *store.Store) {
	type ruleList struct {
		Items []domain.Rule `json:"items"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-rules",
		Method:      http.MethodGet,
		Path:        "/rules",
		Summary:     "List cached governance rules",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ruleList `json:"body"`
	}, error) {
		rules, err := s.ActiveRules(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if rules == nil {
			rules = []domain.Rule{}
		}
		return &struct {
			Body ruleList `json:"body"`
		}{Body: ruleList{Items: rules}}, nil
	})
}
