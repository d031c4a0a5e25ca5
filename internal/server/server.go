package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/m-mizutani/goerr/v2"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"studiocrm/internal/domain"
	"studiocrm/internal/engine"
	"studiocrm/internal/engine/auth"
	"studiocrm/internal/repo"
	"studiocrm/internal/storage"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	// Store removes blobs together with their file records. Optional.
	Store  storage.Store
	Logger *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"validation_failed"`
	Message string         `json:"message" example:"stage needs a Draftsman"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope {error:{code,message,details}}.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type output[T any] struct {
	Body T
}

func ok[T any](v T) (*output[T], error) {
	return &output[T]{Body: v}, nil
}

type handlers struct {
	e      engine.Engine
	store  storage.Store
	auth   AuthConfig
	logger *zap.Logger
}

// New returns an HTTP handler exposing the studio API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// request schema failures are client errors
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			msgs := make([]string, 0, len(errs))
			for _, err := range errs {
				msgs = append(msgs, err.Error())
			}
			details = map[string]any{"errors": msgs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(logger))
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo, logger))
	hcfg := huma.DefaultConfig("Studio CRM API", "1.0.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := handlers{e: cfg.Engine, store: cfg.Store, auth: cfg.Auth, logger: logger}
	registerDocs(router, basePath)
	registerHealth(group)
	registerAuth(group, h)
	registerEmployees(group, h)
	registerContracts(group, h)
	registerCards(group, h)
	registerStages(group, h)
	registerPayments(group, h)
	registerFiles(group, h)
	registerHistory(group, h)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)))
		})
	}
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

// fail maps engine errors onto the envelope. Unexpected errors are logged and hidden.
func (h handlers) fail(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"operation": fe.Operation, "tier": fe.Tier})
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", ve.Msg, nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", "not found", nil)
	}
	fields := []zap.Field{zap.Error(err)}
	var ge *goerr.Error
	if errors.As(err, &ge) {
		fields = append(fields, zap.Any("values", ge.Values()))
	}
	h.logger.Error("request failed", fields...)
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
}

func (h handlers) actor(ctx context.Context) (auth.Actor, error) {
	a, err := actorFromContext(ctx, h.e.Repo)
	if err != nil {
		return auth.Actor{}, err
	}
	return a, nil
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
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var once sync.Once
	var spec []byte
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
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
		BearerFormat: "JWT",
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
	public := map[string]bool{
		path.Join(basePath, "health"):     true,
		path.Join(basePath, "auth/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Patch,
		} {
			if op == nil {
				continue
			}
			if public[route] {
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
    <title>Studio CRM API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => { SwaggerUIBundle({ url: '%s', dom_id: '#swagger-ui' }); };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*output[map[string]string], error) {
		return ok(map[string]string{"status": "ok"})
	})
}

func registerAuth(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "login",
		Method:      http.MethodPost,
		Path:        "/auth/login",
		Summary:     "Exchange login and password for a bearer token",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body LoginRequest
	}) (*output[LoginResponse], error) {
		denied := newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid login or password", nil)
		emp, err := h.e.Repo.GetEmployeeByLogin(ctx, strings.TrimSpace(input.Body.Login))
		if errors.Is(err, repo.ErrNotFound) {
			return nil, denied
		}
		if err != nil {
			return nil, h.fail(err)
		}
		if !emp.Active || emp.PasswordHash == "" {
			return nil, denied
		}
		if err := bcrypt.CompareHashAndPassword([]byte(emp.PasswordHash), []byte(input.Body.Password)); err != nil {
			return nil, denied
		}
		now := time.Now()
		token, err := signToken(h.auth.JWTSecret, emp.ID, string(emp.Position), h.auth.ttl(), now)
		if err != nil {
			return nil, h.fail(err)
		}
		return ok(LoginResponse{
			Token:     token,
			ExpiresAt: now.Add(h.auth.ttl()).UTC().Format(time.RFC3339),
			Employee:  emp,
		})
	})

	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Authenticated employee",
	}, func(ctx context.Context, _ *struct{}) (*output[MeResponse], error) {
		actor, err := h.actor(ctx)
		if err != nil {
			return nil, err
		}
		emp, err := h.e.Repo.GetEmployee(ctx, actor.EmployeeID)
		if err != nil {
			return nil, h.fail(err)
		}
		return ok(MeResponse{Employee: emp, Tier: actor.Tier()})
	})
}

func registerEmployees(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "list-employees",
		Method:      http.MethodGet,
		Path:        "/employees",
		Summary:     "List employees",
	}, func(ctx context.Context, input *struct {
		Position   string `query:"position"`
		ActiveOnly bool   `query:"active_only"`
	}) (*output[[]domain.Employee], error) {
		if _, err := h.actor(ctx); err != nil {
			return nil, err
		}
		items, err := h.e.Repo.ListEmployees(ctx, domain.Position(input.Position), input.ActiveOnly)
		if err != nil {
			return nil, h.fail(err)
		}
		return ok(items)
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-employee",
		Method:        http.MethodPost,
		Path:          "/employees",
		Summary:       "Hire an employee",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateEmployeeRequest
	}) (*output[domain.Employee], error) {
		actor, err := h.actor(ctx)
		if err != nil {
			return nil, err
		}
		emp, err := h.e.CreateEmployee(ctx, actor, engine.NewEmployee{
			FullName: input.Body.FullName,
			Position: input.Body.Position,
			Login:    input.Body.Login,
			Password: input.Body.Password,
		})
		if err != nil {
			return nil, h.fail(err)
		}
		return ok(emp)
	})
}

func registerContracts(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "list-contracts",
		Method:      http.MethodGet,
		Path:        "/contracts",
		Summary:     "List contracts",
	}, func(ctx context.Context, input *struct {
		ProjectType string `query:"project_type"`
		Archived    string `query:"archived"`
	}) (*output[[]domain.Contract], error) {
		if _, err := h.actor(ctx); err != nil {
			return nil, err
		}
		items, err := h.e.Repo.ListContracts(ctx, repo.ContractFilters{
			ProjectType: domain.ProjectType(input.ProjectType),
			Archived:    parseOptionalBool(input.Archived),
		})
		if err != nil {
			return nil, h.fail(err)
		}
		return ok(items)
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-contract",
		Method:        http.MethodPost,
		Path:          "/contracts",
		Summary:       "Register a contract and open its card",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateContractRequest
	}) (*output[ContractResponse], error) {
		actor, err := h.actor(ctx)
		if err != nil {
			return nil, err
		}
		contract, card, err := h.e.CreateContract(ctx, actor, engine.NewContract{
			Number:        input.Body.Number,
			ClientName:    input.Body.ClientName,
			Address:       input.Body.Address,
			ProjectType:   input.Body.ProjectType,
			Area:          input.Body.Area,
			TotalAmount:   input.Body.TotalAmount,
			AdvanceAmount: input.Body.AdvanceAmount,
		})
		if err != nil {
			return nil, h.fail(err)
		}
		return ok(ContractResponse{Contract: contract, Card: card})
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-contract",
		Method:      http.MethodGet,
		Path:        "/contracts/{contract_id}",
		Summary:     "Get contract",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ContractID string `path:"contract_id"`
	}) (*output[ContractResponse], error) {
		if _, err := h.actor(ctx); err != nil {
			return nil, err
		}
		contract, err := h.e.Repo.GetContract(ctx, input.ContractID)
		if err != nil {
			return nil, h.fail(err)
		}
		card, err := h.e.Repo.GetCardByContract(ctx, contract.ID)
		if err != nil {
			return nil, h.fail(err)
		}
		return ok(ContractResponse{Contract: contract, Card: card, Archived: contract.IsArchived()})
	})
}

func registerCards(api huma.API, h handlers) {
	type cardPath struct {
		CardID string `path:"card_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-cards",
		Method:      http.MethodGet,
		Path:        "/cards",
		Summary:     "List board cards",
	}, func(ctx context.Context, input *struct {
		ProjectType string `query:"project_type"`
		Column      string `query:"column"`
		EmployeeID  string `query:"employee_id"`
		Archived    string `query:"archived"`
	}) (*output[[]domain.Card], error) {
		if _, err := h.actor(ctx); err != nil {
			return nil, err
		}
		items, err := h.e.Repo.ListCards(ctx, repo.CardFilters{
			ProjectType: domain.ProjectType(input.ProjectType),
			Column:      domain.Column(input.Column),
			EmployeeID:  input.EmployeeID,
			Archived:    parseOptionalBool(input.Archived),
		})
		if err != nil {
			return nil, h.fail(err)
		}
		return ok(items)
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-card",
		Method:      http.MethodGet,
		Path:        "/cards/{card_id}",
		Summary:     "Card with its stage records",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *cardPath) (*output[CardDetail], error) {
		if _, err := h.actor(ctx); err != nil {
			return nil, err
		}
		detail, err := h.cardDetail(ctx, input.CardID)
		if err != nil {
			return nil, h.fail(err)
		}
		return ok(detail)
	})

	huma.Register(api, huma.Operation{
		OperationID: "move-card",
		Method:      http.MethodPost,
		Path:        "/cards/{card_id}/move",
		Summary:     "Move a card to another column",
		Description: "A move the checklist rejects is answered with 200 and moved=false.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		CardID string `path:"card_id"`
		Body   MoveCardRequest
	}) (*output[MoveResponse], error) {
		actor, err := h.actor(ctx)
		if err != nil {
			return nil, err
		}
		opts := engine.MoveOptions{CardID: input.CardID, To: domain.Column(input.Body.To)}
		if input.Body.ExecutorID != "" {
			opts.Executor = &engine.ExecutorChoice{ExecutorID: input.Body.ExecutorID, Deadline: optionalDate(input.Body.Deadline)}
		}
		if c := input.Body.Completion; c != nil {
			opts.Completion = &engine.CompletionChoice{Status: c.Status, Reason: c.Reason}
		}
		res, err := h.e.MoveCard(ctx, actor, opts)
		if err != nil {
			return nil, h.fail(err)
		}
		return ok(moveResponse(res))
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-card",
		Method:      http.MethodPost,
		Path:        "/cards/{card_id}/complete",
		Summary:     "Give a terminal status to a completed card",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		CardID string `path:"card_id"`
		Body   CompletionRequest
	}) (*output[engine.CompletionResult], error) {
		actor, err := h.actor(ctx)
		if err != nil {
			return nil, err
		}
		res, err := h.e.CompleteProject(ctx, actor, input.CardID, engine.CompletionChoice{Status: input.Body.Status, Reason: input.Body.Reason})
		if err != nil {
			return nil, h.fail(err)
		}
		return ok(res)
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-card-role",
		Method:      http.MethodPut,
		Path:        "/cards/{card_id}/role",
		Summary:     "Set, change or clear a card role",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		CardID string `path:"card_id"`
		Body   SetRoleRequest
	}) (*output[domain.Card], error) {
		actor, err := h.actor(ctx)
		if err != nil {
			return nil, err
		}
		card, err := h.e.SetCardRole(ctx, actor, input.CardID, input.Body.Role, input.Body.EmployeeID)
		if err != nil {
			return nil, h.fail(err)
		}
		return ok(card)
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-card-measurement",
		Method:      http.MethodPut,
		Path:        "/cards/{card_id}/measurement",
		Summary:     "Record the site measurement date",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		CardID string `path:"card_id"`
		Body   MeasurementRequest
	}) (*output[domain.Card], error) {
		actor, err := h.actor(ctx)
		if err != nil {
			return nil, err
		}
		card, err := h.e.SetMeasurement(ctx, actor, input.CardID, input.Body.Date)
		if err != nil {
			return nil, h.fail(err)
		}
		return ok(card)
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-card-deadline",
		Method:      http.MethodPut,
		Path:        "/cards/{card_id}/deadline",
		Summary:     "Set or clear the card deadline",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		CardID string `path:"card_id"`
		Body   DeadlineRequest
	}) (*output[domain.Card], error) {
		actor, err := h.actor(ctx)
		if err != nil {
			return nil, err
		}
		card, err := h.e.SetDeadline(ctx, actor, input.CardID, optionalDate(input.Body.Deadline))
		if err != nil {
			return nil, h.fail(err)
		}
		return ok(card)
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-card-tags",
		Method:      http.MethodPut,
		Path:        "/cards/{card_id}/tags",
		Summary:     "Replace card tags",
	}, func(ctx context.Context, input *struct {
		CardID string `path:"card_id"`
		Body   TagsRequest
	}) (*output[domain.Card], error) {
		actor, err := h.actor(ctx)
		if err != nil {
			return nil, err
		}
		card, err := h.e.SetTags(ctx, actor, input.CardID, input.Body.Tags)
		if err != nil {
			return nil, h.fail(err)
		}
		return ok(card)
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-card-approved",
		Method:      http.MethodPut,
		Path:        "/cards/{card_id}/approved",
		Summary:     "Set the card approval flag",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CardID string `path:"card_id"`
		Body   ApprovedRequest
	}) (*output[domain.Card], error) {
		actor, err := h.actor(ctx)
		if err != nil {
			return nil, err
		}
		card, err := h.e.SetApproved(ctx, actor, input.CardID, input.Body.Approved)
		if err != nil {
			return nil, h.fail(err)
		}
		return ok(card)
	})
}

func (h handlers) cardDetail(ctx context.Context, cardID string) (CardDetail, error) {
	card, err := h.e.Repo.GetCard(ctx, cardID)
	if err != nil {
		return CardDetail{}, err
	}
	contract, err := h.e.Repo.GetContract(ctx, card.ContractID)
	if err != nil {
		return CardDetail{}, err
	}
	d := CardDetail{Card: card, Contract: contract, Archived: contract.IsArchived(), Columns: domain.Columns(card.ProjectType)}
	if d.Assignments, err = h.e.Repo.ListAssignments(ctx, card.ID); err != nil {
		return d, err
	}
	if d.Acceptances, err = h.e.Repo.ListAcceptances(ctx, card.ID); err != nil {
		return d, err
	}
	if d.Approvals, err = h.e.Repo.ListApprovals(ctx, card.ID); err != nil {
		return d, err
	}
	if d.Files, err = h.e.Repo.ListStageFiles(ctx, card.ID, ""); err != nil {
		return d, err
	}
	return d, nil
}

func registerStages(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID:   "assign-stage",
		Method:        http.MethodPost,
		Path:          "/cards/{card_id}/stages/assign",
		Summary:       "Assign an executor to a stage",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		CardID string `path:"card_id"`
		Body   AssignStageRequest
	}) (*output[domain.StageAssignment], error) {
		actor, err := h.actor(ctx)
		if err != nil {
			return nil, err
		}
		a, err := h.e.AssignStage(ctx, actor, engine.AssignStageOptions{
			CardID:     input.CardID,
			Stage:      domain.Column(input.Body.Stage),
			ExecutorID: input.Body.ExecutorID,
			Deadline:   optionalDate(input.Body.Deadline),
		})
		if err != nil {
			return nil, h.fail(err)
		}
		return ok(a)
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-stage",
		Method:      http.MethodPost,
		Path:        "/cards/{card_id}/stages/submit",
		Summary:     "Mark stage work as submitted",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		CardID string `path:"card_id"`
		Body   StageActionRequest
	}) (*output[SubmitResponse], error) {
		actor, err := h.actor(ctx)
		if err != nil {
			return nil, err
		}
		executor := input.Body.ExecutorID
		if executor == "" {
			executor = actor.EmployeeID
		}
		changed, err := h.e.MarkSubmitted(ctx, actor, input.CardID, domain.Column(input.Body.Stage), executor)
		if err != nil {
			return nil, h.fail(err)
		}
		return ok(SubmitResponse{Changed: changed})
	})

	huma.Register(api, huma.Operation{
		OperationID: "accept-stage",
		Method:      http.MethodPost,
		Path:        "/cards/{card_id}/stages/accept",
		Summary:     "Accept submitted stage work",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		CardID string `path:"card_id"`
		Body   StageActionRequest
	}) (*output[SubmitResponse], error) {
		actor, err := h.actor(ctx)
		if err != nil {
			return nil, err
		}
		if input.Body.ExecutorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "executor_id is required", nil)
		}
		changed, err := h.e.AcceptStage(ctx, actor, input.CardID, domain.Column(input.Body.Stage), input.Body.ExecutorID)
		if err != nil {
			return nil, h.fail(err)
		}
		return ok(SubmitResponse{Changed: changed})
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-stage",
		Method:      http.MethodPost,
		Path:        "/cards/{card_id}/stages/approve",
		Summary:     "Approve a stage",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		CardID string `path:"card_id"`
		Body   StageActionRequest
	}) (*output[SubmitResponse], error) {
		actor, err := h.actor(ctx)
		if err != nil {
			return nil, err
		}
		if err := h.e.ApproveStage(ctx, actor, input.CardID, domain.Column(input.Body.Stage)); err != nil {
			return nil, h.fail(err)
		}
		return ok(SubmitResponse{Changed: true})
	})

	huma.Register(api, huma.Operation{
		OperationID: "previous-executor",
		Method:      http.MethodGet,
		Path:        "/cards/{card_id}/previous-executor",
		Summary:     "Suggest the executor who last held a position on the card",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CardID   string `path:"card_id"`
		Position string `query:"position" required:"true"`
	}) (*output[PreviousExecutorResponse], error) {
		if _, err := h.actor(ctx); err != nil {
			return nil, err
		}
		id, err := h.e.PreviousExecutorForPosition(ctx, input.CardID, domain.Position(input.Position))
		if err != nil {
			return nil, h.fail(err)
		}
		return ok(PreviousExecutorResponse{EmployeeID: id})
	})
}

func registerPayments(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "list-payments",
		Method:      http.MethodGet,
		Path:        "/payments",
		Summary:     "List payment rows",
	}, func(ctx context.Context, input *struct {
		ContractID  string `query:"contract_id"`
		EmployeeID  string `query:"employee_id"`
		Role        string `query:"role"`
		ReportMonth string `query:"report_month" pattern:"^([0-9]{4}-[0-9]{2})?$"`
		ActiveOnly  bool   `query:"active_only"`
	}) (*output[[]domain.PaymentRecord], error) {
		if _, err := h.actor(ctx); err != nil {
			return nil, err
		}
		items, err := h.e.Repo.ListPayments(ctx, repo.PaymentFilters{
			ContractID:  input.ContractID,
			EmployeeID:  input.EmployeeID,
			Role:        domain.Role(input.Role),
			ReportMonth: input.ReportMonth,
			ActiveOnly:  input.ActiveOnly,
		})
		if err != nil {
			return nil, h.fail(err)
		}
		return ok(items)
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-manual-amount",
		Method:      http.MethodPut,
		Path:        "/payments/{payment_id}/manual",
		Summary:     "Override a payment amount",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		PaymentID string `path:"payment_id"`
		Body      ManualAmountRequest
	}) (*output[domain.PaymentRecord], error) {
		actor, err := h.actor(ctx)
		if err != nil {
			return nil, err
		}
		p, err := h.e.SetManualAmount(ctx, actor, input.PaymentID, input.Body.Amount)
		if err != nil {
			return nil, h.fail(err)
		}
		return ok(p)
	})
}

func registerFiles(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "list-card-files",
		Method:      http.MethodGet,
		Path:        "/cards/{card_id}/files",
		Summary:     "List stage files of a card",
	}, func(ctx context.Context, input *struct {
		CardID string `path:"card_id"`
		Stage  string `query:"stage"`
	}) (*output[[]domain.StageFile], error) {
		if _, err := h.actor(ctx); err != nil {
			return nil, err
		}
		items, err := h.e.Repo.ListStageFiles(ctx, input.CardID, domain.Column(input.Stage))
		if err != nil {
			return nil, h.fail(err)
		}
		return ok(items)
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-file",
		Method:      http.MethodDelete,
		Path:        "/files/{file_id}",
		Summary:     "Remove a stage file and its blob",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		FileID string `path:"file_id"`
	}) (*output[RemoveFileResponse], error) {
		actor, err := h.actor(ctx)
		if err != nil {
			return nil, err
		}
		warnings, err := h.e.RemoveStageFile(ctx, actor, h.store, input.FileID)
		if err != nil {
			return nil, h.fail(err)
		}
		return ok(RemoveFileResponse{Removed: true, Warnings: warnings})
	})
}

func registerHistory(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "list-history",
		Method:      http.MethodGet,
		Path:        "/history",
		Summary:     "Action history, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		EntityType string `query:"entity_type"`
		EntityID   string `query:"entity_id"`
		ActionType string `query:"action_type"`
		ActorID    string `query:"actor_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*output[paginatedHistory], error) {
		if _, err := h.actor(ctx); err != nil {
			return nil, err
		}
		limit := normalizeLimit(input.Limit)
		var before int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			before = parsed
		}
		items, err := h.e.Repo.ListHistory(ctx, repo.HistoryFilters{
			EntityType: input.EntityType,
			EntityID:   input.EntityID,
			ActionType: input.ActionType,
			ActorID:    input.ActorID,
			Before:     before,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, h.fail(err)
		}
		resp := paginatedHistory{Items: []domain.HistoryEntry{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		resp.Items = append(resp.Items, items...)
		return ok(resp)
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 500 {
		return 500
	}
	return in
}

func parseOptionalBool(s string) *bool {
	switch s {
	case "true":
		v := true
		return &v
	case "false":
		v := false
		return &v
	}
	return nil
}
