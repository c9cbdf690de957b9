package tool

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"carely/internal/domain"
	"carely/internal/infra/tracer"
)

const defaultHealthcareSearchTimeout = 10 * time.Second

// Facility is one healthcare location a search can return.
type Facility struct {
	Name        string  `json:"name"`
	Type        string  `json:"type"`
	Address     string  `json:"address"`
	City        string  `json:"city"`
	Phone       string  `json:"phone,omitempty"`
	Hours       string  `json:"hours,omitempty"`
	Rating      float64 `json:"rating,omitempty"`
	Description string  `json:"description,omitempty"`
}

// FacilitySearch is a search request against a healthcare backend.
type FacilitySearch struct {
	Latitude  float64
	Longitude float64
	Query     string
}

// HealthcareBackend abstracts the facility search provider.
type HealthcareBackend interface {
	// Search returns matching facilities plus a human-readable context line
	// describing where the search looked.
	Search(ctx context.Context, req FacilitySearch) ([]Facility, string, error)
}

// MockHealthcareBackend returns canned facilities for development and tests.
type MockHealthcareBackend struct{}

func NewMockHealthcareBackend() *MockHealthcareBackend { return &MockHealthcareBackend{} }

func (m *MockHealthcareBackend) Search(_ context.Context, req FacilitySearch) ([]Facility, string, error) {
	return []Facility{
		{
			Name:        "Riverside Urgent Care",
			Type:        "Urgent care",
			Address:     "120 Main St",
			City:        "Springfield",
			Phone:       "555-0142",
			Hours:       "8am-8pm daily",
			Rating:      4.4,
			Description: "Walk-in urgent care with on-site lab",
		},
		{
			Name:    "Springfield Family Clinic",
			Type:    "Primary care",
			Address: "48 Oak Ave",
			City:    "Springfield",
			Phone:   "555-0178",
			Hours:   "Mon-Fri 9am-5pm",
			Rating:  4.7,
		},
	}, "Results near your location for: " + req.Query, nil
}

// HealthcareTool searches for healthcare facilities near coordinates the
// patient shared through the location tool.
type HealthcareTool struct {
	backend HealthcareBackend
	timeout time.Duration
	logger  *slog.Logger
}

// NewHealthcareTool creates the facility search tool. If backend is nil, a
// MockHealthcareBackend is used.
func NewHealthcareTool(backend HealthcareBackend, timeout time.Duration, logger *slog.Logger) *HealthcareTool {
	if backend == nil {
		backend = NewMockHealthcareBackend()
	}
	if timeout <= 0 {
		timeout = defaultHealthcareSearchTimeout
	}
	return &HealthcareTool{backend: backend, timeout: timeout, logger: logger}
}

func (t *HealthcareTool) Name() string { return "findNearbyHealthcare" }
func (t *HealthcareTool) Description() string {
	return "Find healthcare facilities near the patient's coordinates. Call only after " +
		"the patient has shared their location via getUserLocation."
}
func (t *HealthcareTool) Mode() domain.ToolMode { return domain.ToolModeAutonomous }

func (t *HealthcareTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"latitude": {
					"type": "number",
					"description": "Patient latitude"
				},
				"longitude": {
					"type": "number",
					"description": "Patient longitude"
				},
				"searchQuery": {
					"type": "string",
					"description": "What to search for (e.g. 'urgent care', 'pharmacy')"
				}
			},
			"required": ["latitude", "longitude", "searchQuery"]
		}`),
	}
}

type healthcareInput struct {
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	SearchQuery string  `json:"searchQuery"`
}

type healthcareOutput struct {
	Success       bool       `json:"success"`
	Facilities    []Facility `json:"facilities"`
	SearchQuery   string     `json:"searchQuery,omitempty"`
	SearchContext string     `json:"searchContext,omitempty"`
	Error         string     `json:"error,omitempty"`
}

func (t *HealthcareTool) Execute(ctx context.Context, input json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.find_nearby_healthcare", t.logger, input,
		func(ctx context.Context, span trace.Span, p healthcareInput) (any, error) {
			if err := RequireField("searchQuery", p.SearchQuery); err != nil {
				return nil, err
			}
			span.SetAttributes(tracer.StringAttr("search.query", p.SearchQuery))

			ctx, cancel := context.WithTimeout(ctx, t.timeout)
			defer cancel()

			facilities, searchContext, err := t.backend.Search(ctx, FacilitySearch{
				Latitude:  p.Latitude,
				Longitude: p.Longitude,
				Query:     p.SearchQuery,
			})
			if err != nil {
				// Structured failure the model can relay in natural language.
				return healthcareOutput{
					Success:     false,
					Facilities:  []Facility{},
					SearchQuery: p.SearchQuery,
					Error:       err.Error(),
				}, nil
			}

			t.logger.Debug("facility search completed",
				"query", p.SearchQuery,
				"results", len(facilities),
			)
			return healthcareOutput{
				Success:       true,
				Facilities:    facilities,
				SearchQuery:   p.SearchQuery,
				SearchContext: searchContext,
			}, nil
		},
	)
}
