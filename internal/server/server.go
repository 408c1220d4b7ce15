package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"pairline/internal/domain"
	"pairline/internal/engine"
	"pairline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"forbidden"`
	Message string         `json:"message" example:"not part of this connection"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Pairline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine))
	hcfg := huma.DefaultConfig("Pairline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerClaims(group, cfg.Engine)
	registerConnections(group, cfg.Engine)
	registerMessages(group, cfg.Engine)
	registerGoals(group, cfg.Engine)
	registerPresence(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerMe(group)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, engine.ErrUnauthorized):
		return newAPIError(http.StatusUnauthorized, "unauthorized", err.Error(), nil)
	case errors.Is(err, engine.ErrForbidden):
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidState):
		return newAPIError(http.StatusUnprocessableEntity, "invalid_state", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidArgument):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "invalid_state"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// callerClaimForConnection resolves the claim the caller acts as within a
// connection: agents act as themselves, humans as whichever of their claims
// participates.
func callerClaimForConnection(ctx context.Context, e engine.Engine, connectionID string) (string, huma.StatusError) {
	p, ok := principalFromContext(ctx)
	if !ok {
		return "", newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	if p.Kind == principalAgent {
		return p.ClaimID, nil
	}
	c, err := e.ClaimForUser(ctx, connectionID, p.UserID)
	if err != nil {
		return "", handleError(err)
	}
	return c.ID, nil
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
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

func registerClaims(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-claim",
		Method:        http.MethodPost,
		Path:          "/claims",
		Summary:       "Register claim",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body RegisterClaimRequest `json:"body"`
	}) (*struct {
		Body RegisterClaimResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		userID, authErr := humanUserID(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		c, apiKey, err := e.RegisterClaim(ctx, userID, input.Body.Name, input.Body.AvatarURL, input.Body.Bio, input.Body.WebhookURL)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RegisterClaimResponse `json:"body"`
		}{Body: RegisterClaimResponse{Claim: claimResponse(c), APIKey: apiKey}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-claims",
		Method:      http.MethodGet,
		Path:        "/claims",
		Summary:     "List my claims",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ClaimResponse `json:"body"`
	}, error) {
		userID, authErr := humanUserID(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListClaimsByUser(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ClaimResponse `json:"body"`
		}{Body: mapClaims(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-claim",
		Method:      http.MethodGet,
		Path:        "/claims/{id}",
		Summary:     "Get claim",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ClaimResponse `json:"body"`
	}, error) {
		c, err := e.Repo.GetClaim(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ClaimResponse `json:"body"`
		}{Body: claimResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-claim",
		Method:      http.MethodPatch,
		Path:        "/claims/{id}",
		Summary:     "Update claim",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body UpdateClaimRequest `json:"body"`
	}) (*struct {
		Body ClaimResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		userID, authErr := humanUserID(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.UpdateClaim(ctx, input.ID, userID, repo.ClaimUpdate{
			Name:       input.Body.Name,
			AvatarURL:  input.Body.AvatarURL,
			Bio:        input.Body.Bio,
			WebhookURL: input.Body.WebhookURL,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ClaimResponse `json:"body"`
		}{Body: claimResponse(c)}, nil
	})
}

func registerConnections(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "propose-connection",
		Method:        http.MethodPost,
		Path:          "/connections",
		Summary:       "Propose connection",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body ProposeConnectionRequest `json:"body"`
	}) (*struct {
		Body ConnectionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.TargetClaimID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "target_claim_id is required", nil)
		}
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		requester := input.Body.RequesterClaimID
		actor := ""
		switch p.Kind {
		case principalAgent:
			requester = p.ClaimID
			actor = p.ClaimID
		case principalHuman:
			actor = p.UserID
			if requester == "" {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "requester_claim_id is required", nil)
			}
			c, err := e.Repo.GetClaim(ctx, requester)
			if err != nil {
				return nil, handleError(err)
			}
			if c.UserID == nil || *c.UserID != p.UserID {
				return nil, newAPIError(http.StatusForbidden, "forbidden", "not your claim", nil)
			}
		}
		conn, err := e.ProposeConnection(ctx, requester, input.Body.TargetClaimID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ConnectionResponse `json:"body"`
		}{Body: connectionResponse(conn)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-connections",
		Method:      http.MethodGet,
		Path:        "/connections",
		Summary:     "List connections",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:",pending,accepted,rejected"`
	}) (*struct {
		Body []ConnectionResponse `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		var items []domain.Connection
		var err error
		if p.Kind == principalAgent {
			if input.Status != "" {
				items, err = e.Repo.ListConnectionsForClaim(ctx, p.ClaimID, input.Status)
			} else {
				items, err = e.Repo.ListConnectionsForClaim(ctx, p.ClaimID)
			}
		} else {
			items, err = e.Repo.ListConnectionsForUser(ctx, p.UserID)
			if err == nil && input.Status != "" {
				filtered := items[:0]
				for _, c := range items {
					if c.Status == input.Status {
						filtered = append(filtered, c)
					}
				}
				items = filtered
			}
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ConnectionResponse `json:"body"`
		}{Body: mapConnections(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-connection",
		Method:      http.MethodGet,
		Path:        "/connections/{id}",
		Summary:     "Get connection",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ConnectionResponse `json:"body"`
	}, error) {
		conn, err := e.Repo.GetConnection(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		claimID, authErr := callerClaimForConnection(ctx, e, input.ID)
		if authErr != nil {
			return nil, authErr
		}
		if !conn.HasParticipant(claimID) {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "not part of this connection", nil)
		}
		return &struct {
			Body ConnectionResponse `json:"body"`
		}{Body: connectionResponse(conn)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "respond-connection",
		Method:      http.MethodPost,
		Path:        "/connections/{id}/respond",
		Summary:     "Accept or reject connection",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                   `path:"id"`
		Body RespondConnectionRequest `json:"body"`
	}) (*struct {
		Body ConnectionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Accept == nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "accept is required", nil)
		}
		userID, authErr := humanUserID(ctx)
		if authErr != nil {
			return nil, authErr
		}
		conn, err := e.RespondConnection(ctx, input.ID, userID, *input.Body.Accept)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ConnectionResponse `json:"body"`
		}{Body: connectionResponse(conn)}, nil
	})
}

func registerMessages(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "send-message",
		Method:        http.MethodPost,
		Path:          "/connections/{id}/messages",
		Summary:       "Send message",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body SendMessageRequest `json:"body"`
	}) (*struct {
		Body MessageResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		claimID, authErr := agentClaimID(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Type == domain.MessageSystem {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "system messages cannot be sent directly", nil)
		}
		msg, err := e.SendMessage(ctx, engine.SendMessageOptions{
			ConnectionID:  input.ID,
			SenderClaimID: claimID,
			Type:          input.Body.Type,
			Content:       input.Body.Content,
			Metadata:      input.Body.Metadata,
			VisibleTo:     input.Body.VisibleTo,
			AgentOrigin:   true,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MessageResponse `json:"body"`
		}{Body: messageResponse(msg)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-messages",
		Method:      http.MethodGet,
		Path:        "/connections/{id}/messages",
		Summary:     "List messages",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Since string `query:"since"`
		Limit int    `query:"limit"`
	}) (*struct {
		Body []MessageResponse `json:"body"`
	}, error) {
		claimID, authErr := callerClaimForConnection(ctx, e, input.ID)
		if authErr != nil {
			return nil, authErr
		}
		msgs, err := e.ListMessages(ctx, input.ID, claimID, input.Since, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []MessageResponse `json:"body"`
		}{Body: mapMessages(msgs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "send-whisper",
		Method:        http.MethodPost,
		Path:          "/connections/{id}/whispers",
		Summary:       "Whisper to your own agent",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body WhisperRequest `json:"body"`
	}) (*struct {
		Body MessageResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		userID, authErr := humanUserID(ctx)
		if authErr != nil {
			return nil, authErr
		}
		msg, err := e.SendWhisper(ctx, userID, input.ID, input.Body.Content)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MessageResponse `json:"body"`
		}{Body: messageResponse(msg)}, nil
	})
}

func registerGoals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-goal",
		Method:        http.MethodPost,
		Path:          "/connections/{id}/goals",
		Summary:       "Propose goal",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body CreateGoalRequest `json:"body"`
	}) (*struct {
		Body GoalResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		claimID, authErr := agentClaimID(ctx)
		if authErr != nil {
			return nil, authErr
		}
		g, err := e.CreateGoal(ctx, input.ID, claimID, input.Body.Title, input.Body.Description, input.Body.Milestones)
		if err != nil {
			return nil, handleError(err)
		}
		resp, err := goalWithGate(ctx, e, g)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GoalResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-goals",
		Method:      http.MethodGet,
		Path:        "/connections/{id}/goals",
		Summary:     "List goals",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []GoalResponse `json:"body"`
	}, error) {
		claimID, authErr := callerClaimForConnection(ctx, e, input.ID)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListGoals(ctx, input.ID, claimID)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := mapGoals(ctx, e, items)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []GoalResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-goal",
		Method:      http.MethodGet,
		Path:        "/goals/{id}",
		Summary:     "Get goal",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body GoalResponse `json:"body"`
	}, error) {
		g, err := e.Repo.GetGoal(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		claimID, authErr := callerClaimForConnection(ctx, e, g.ConnectionID)
		if authErr != nil {
			return nil, authErr
		}
		conn, err := e.Repo.GetConnection(ctx, g.ConnectionID)
		if err != nil {
			return nil, handleError(err)
		}
		if !conn.HasParticipant(claimID) {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "not part of this connection", nil)
		}
		resp, err := goalWithGate(ctx, e, g)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GoalResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-goal",
		Method:      http.MethodPatch,
		Path:        "/goals/{id}",
		Summary:     "Update goal progress",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body UpdateGoalRequest `json:"body"`
	}) (*struct {
		Body GoalResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		claimID, authErr := agentClaimID(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Progress == nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "progress is required", nil)
		}
		g, err := e.UpdateGoalProgress(ctx, input.ID, claimID, *input.Body.Progress, input.Body.Milestones)
		if err != nil {
			return nil, handleError(err)
		}
		resp, err := goalWithGate(ctx, e, g)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GoalResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-goal",
		Method:      http.MethodPost,
		Path:        "/goals/{id}/approve",
		Summary:     "Approve or reject goal",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body ApproveGoalRequest `json:"body"`
	}) (*struct {
		Body GoalResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Approve == nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "approve is required", nil)
		}
		userID, authErr := humanUserID(ctx)
		if authErr != nil {
			return nil, authErr
		}
		g, gs, err := e.ApproveGoal(ctx, input.ID, userID, *input.Body.Approve)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GoalResponse `json:"body"`
		}{Body: goalWithGateStatus(g, gs)}, nil
	})
}

func registerPresence(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "heartbeat",
		Method:      http.MethodPost,
		Path:        "/heartbeat",
		Summary:     "Record agent heartbeat",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		claimID, authErr := agentClaimID(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Beat(ctx, claimID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "snapshot",
		Method:      http.MethodGet,
		Path:        "/snapshot",
		Summary:     "Poll conversation state",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Since string `query:"since"`
	}) (*struct {
		Body SnapshotResponse `json:"body"`
	}, error) {
		claimID, authErr := agentClaimID(ctx)
		if authErr != nil {
			return nil, authErr
		}
		snap, err := e.BuildSnapshot(ctx, claimID, input.Since)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SnapshotResponse `json:"body"`
		}{Body: snapshotResponse(snap)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List audit events",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		After int64 `query:"after"`
		Limit int   `query:"limit" default:"100"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		if _, authErr := humanUserID(ctx); authErr != nil {
			return nil, authErr
		}
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 100
		}
		items, err := e.Repo.ListEvents(ctx, input.After, limit)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]EventResponse, 0, len(items))
		for _, ev := range items {
			res = append(res, eventResponse(ev))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{Kind: p.Kind, ClaimID: p.ClaimID, UserID: p.UserID}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		userID := strings.TrimSpace(input.Body.UserID)
		if userID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, userID, 0)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT or API key",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	open := map[string]bool{
		"/" + strings.TrimPrefix(path.Join(basePath, "health"), "/"):         true,
		"/" + strings.TrimPrefix(path.Join(basePath, "auth/dev/login"), "/"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Pairline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}
