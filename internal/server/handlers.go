package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	lexerrors "github.com/Aman-CERP/lexsearch/internal/errors"
	"github.com/Aman-CERP/lexsearch/internal/query"
	"github.com/Aman-CERP/lexsearch/internal/search"
	"github.com/Aman-CERP/lexsearch/internal/store"
)

const dateLayout = "2006-01-02"

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// SuggestResponse is the response body for GET /suggest.
type SuggestResponse struct {
	Suggestions []search.Suggestion `json:"suggestions"`
}

// VectorIndexStatus is the vector_index block of GET /status.
type VectorIndexStatus struct {
	Exists       bool      `json:"exists"`
	IsBuilt      bool      `json:"is_built"`
	TotalVectors int       `json:"total_vectors"`
	LastUpdated  time.Time `json:"last_updated"`
	Generation   string    `json:"generation,omitempty"`
}

// KeywordIndexStatus is the keyword_index block of GET /status.
type KeywordIndexStatus struct {
	Exists         bool      `json:"exists"`
	IsBuilt        bool      `json:"is_built"`
	TotalDocuments int       `json:"total_documents"`
	LastUpdated    time.Time `json:"last_updated"`
	Generation     string    `json:"generation,omitempty"`
}

// Indexes groups the per-index status blocks.
type Indexes struct {
	Vector   VectorIndexStatus     `json:"vector_index"`
	Keyword  KeywordIndexStatus    `json:"keyword_index"`
	Facets   search.FacetStatus    `json:"facet_indexes"`
	Metadata search.MetadataStatus `json:"search_metadata"`
}

// StatusResponse is the response body for GET /status.
type StatusResponse struct {
	Status  string  `json:"status"`
	Indexes Indexes `json:"indexes"`
	Health  string  `json:"health"`
}

// ErrorBody is the error envelope for every failed request.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes a failed request.
type ErrorDetail struct {
	Code       string `json:"code,omitempty"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleSearch(c echo.Context) error {
	req, err := parseSearchRequest(c)
	if err != nil {
		return err
	}
	resp, err := s.engine.Search(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSuggest(c echo.Context) error {
	suggestions, err := s.engine.Suggest(c.Request().Context(), c.QueryParam("q"), c.QueryParam("type"))
	if err != nil {
		return err
	}
	if suggestions == nil {
		suggestions = []search.Suggestion{}
	}
	return c.JSON(http.StatusOK, SuggestResponse{Suggestions: suggestions})
}

func (s *Server) handleQueryAnalytics(c echo.Context) error {
	return c.JSON(http.StatusOK, s.analytics.Snapshot())
}

func (s *Server) handleStatus(c echo.Context) error {
	st, err := s.engine.Status(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, StatusResponse{
		Status: "ok",
		Indexes: Indexes{
			Vector: VectorIndexStatus{
				Exists:       st.Vector.Exists,
				IsBuilt:      st.Vector.IsBuilt,
				TotalVectors: st.Vector.Total,
				LastUpdated:  st.Vector.LastUpdated,
				Generation:   st.Vector.Generation,
			},
			Keyword: KeywordIndexStatus{
				Exists:         st.Keyword.Exists,
				IsBuilt:        st.Keyword.IsBuilt,
				TotalDocuments: st.Keyword.Total,
				LastUpdated:    st.Keyword.LastUpdated,
				Generation:     st.Keyword.Generation,
			},
			Facets:   st.Facets,
			Metadata: st.Metadata,
		},
		Health: st.Health,
	})
}

// parseSearchRequest reads /search query parameters. Range checks on
// limit and offset are left to the engine.
func parseSearchRequest(c echo.Context) (search.Request, error) {
	mode, err := search.ParseMode(c.QueryParam("mode"))
	if err != nil {
		return search.Request{}, lexerrors.New(lexerrors.ErrCodeInvalidInput, err.Error(), nil).
			WithSuggestion("use mode=lexical, mode=semantic or mode=hybrid")
	}
	req := search.Request{
		Query:     c.QueryParam("q"),
		Mode:      mode,
		Expansion: query.Mode(strings.ToLower(c.QueryParam("expansion"))),
		Filters: store.Filters{
			Court:  c.QueryParam("court"),
			Status: c.QueryParam("status"),
		},
	}

	if req.Limit, err = intParam(c, "limit"); err != nil {
		return req, err
	}
	if req.Offset, err = intParam(c, "offset"); err != nil {
		return req, err
	}
	if req.Filters.DateFrom, err = dateParam(c, "date_from"); err != nil {
		return req, err
	}
	if req.Filters.DateTo, err = dateParam(c, "date_to"); err != nil {
		return req, err
	}
	if !req.Filters.DateTo.IsZero() {
		// inclusive of the whole day
		req.Filters.DateTo = req.Filters.DateTo.Add(24*time.Hour - time.Nanosecond)
	}
	if req.ReturnFacets, err = boolParam(c, "return_facets"); err != nil {
		return req, err
	}
	if req.Highlight, err = boolParam(c, "highlight"); err != nil {
		return req, err
	}
	if req.Debug, err = boolParam(c, "debug"); err != nil {
		return req, err
	}
	return req, nil
}

func intParam(c echo.Context, name string) (int, error) {
	v := c.QueryParam(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, invalidParam(name, v, "an integer")
	}
	return n, nil
}

func boolParam(c echo.Context, name string) (bool, error) {
	v := c.QueryParam(name)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, invalidParam(name, v, "true or false")
	}
	return b, nil
}

func dateParam(c echo.Context, name string) (time.Time, error) {
	v := c.QueryParam(name)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(dateLayout, v)
	if err != nil {
		return time.Time{}, invalidParam(name, v, "a YYYY-MM-DD date")
	}
	return t, nil
}

func invalidParam(name, value, want string) error {
	return lexerrors.New(lexerrors.ErrCodeInvalidInput,
		fmt.Sprintf("invalid %s %q: expected %s", name, value, want), nil)
}

// statusFor maps an engine error code to an HTTP status.
func statusFor(code string) int {
	switch code {
	case lexerrors.ErrCodeInvalidInput, lexerrors.ErrCodeMalformedQuery:
		return http.StatusBadRequest
	case lexerrors.ErrCodeTotalSignalLoss, lexerrors.ErrCodeIndexUnavailable:
		return http.StatusServiceUnavailable
	case lexerrors.ErrCodeFacetBuildConflict, lexerrors.ErrCodeBuildInProgress:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	body := ErrorBody{Error: ErrorDetail{Message: http.StatusText(status)}}

	var he *echo.HTTPError
	var le *lexerrors.Error
	switch {
	case errors.As(err, &he):
		status = he.Code
		body.Error.Message = fmt.Sprint(he.Message)
	case errors.As(err, &le):
		status = statusFor(le.Code)
		body.Error = ErrorDetail{Code: le.Code, Message: le.Message, Suggestion: le.Suggestion}
	}

	if status >= http.StatusInternalServerError {
		slog.Error("http_request_failed",
			slog.String("uri", c.Request().RequestURI),
			slog.Int("status", status),
			slog.String("error", err.Error()))
	}

	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	_ = c.JSON(status, body)
}
