// Package graphqlapi exposes a read-only GraphQL view over jobs, history and
// the build recipe.
package graphqlapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/graphql-go/graphql"
	"github.com/graphql-go/handler"
	"github.com/oremus-labs/rife-worker/internal/recipe"
	"github.com/oremus-labs/rife-worker/internal/store"
	"github.com/oremus-labs/rife-worker/internal/workspace"
)

// JobReader exposes read-only job access.
type JobReader interface {
	GetJob(id string) (*store.Job, error)
	ListJobs(limit int) ([]store.Job, error)
	Logs(id string) ([]store.JobLogEntry, error)
}

// HistoryReader exposes recorded job history.
type HistoryReader interface {
	ListHistory(limit int) ([]store.HistoryEntry, error)
}

// StorageReporter reports output volume usage.
type StorageReporter interface {
	Stats() (*workspace.StorageStats, error)
}

// Config wires the GraphQL schema.
type Config struct {
	Jobs    JobReader
	History HistoryReader
	Recipe  *recipe.Recipe
	Storage StorageReporter
}

// NewHandler returns an http.Handler that serves /graphql requests.
func NewHandler(cfg Config) (http.Handler, error) {
	schema, err := NewSchema(cfg)
	if err != nil {
		return nil, err
	}

	return handler.New(&handler.Config{
		Schema:   schema,
		Pretty:   true,
		GraphiQL: true,
	}), nil
}

// NewSchema builds the schema without the HTTP wrapper.
func NewSchema(cfg Config) (*graphql.Schema, error) {
	if cfg.Recipe == nil {
		cfg.Recipe = recipe.Default()
	}
	return schemaBuilder{cfg: cfg}.buildSchema()
}

type schemaBuilder struct {
	cfg Config
}

func (b schemaBuilder) buildSchema() (*graphql.Schema, error) {
	jsonScalar := graphql.NewScalar(graphql.ScalarConfig{
		Name: "JSON",
		Serialize: func(value interface{}) interface{} {
			return value
		},
	})

	logType := graphql.NewObject(graphql.ObjectConfig{
		Name: "JobLog",
		Fields: graphql.Fields{
			"timestamp": {Type: graphql.String},
			"level":     {Type: graphql.String},
			"stage":     {Type: graphql.String},
			"message":   {Type: graphql.String},
		},
	})

	jobType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Job",
		Fields: graphql.Fields{
			"id":          {Type: graphql.NewNonNull(graphql.ID)},
			"type":        {Type: graphql.NewNonNull(graphql.String)},
			"status":      {Type: graphql.NewNonNull(graphql.String)},
			"stage":       {Type: graphql.String},
			"progress":    {Type: graphql.Int},
			"message":     {Type: graphql.String},
			"error":       {Type: graphql.String},
			"attempt":     {Type: graphql.Int},
			"maxAttempts": {Type: graphql.Int},
			"payload":     {Type: jsonScalar},
			"result":      {Type: jsonScalar},
			"createdAt":   {Type: graphql.String},
			"updatedAt":   {Type: graphql.String},
			"logs": {
				Type: graphql.NewList(logType),
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					job, ok := p.Source.(map[string]interface{})
					if !ok || b.cfg.Jobs == nil {
						return []interface{}{}, nil
					}
					id, _ := job["id"].(string)
					entries, err := b.cfg.Jobs.Logs(id)
					if err != nil {
						return nil, err
					}
					return mapLogs(entries), nil
				},
			},
		},
	})

	historyType := graphql.NewObject(graphql.ObjectConfig{
		Name: "HistoryEntry",
		Fields: graphql.Fields{
			"id":        {Type: graphql.NewNonNull(graphql.ID)},
			"event":     {Type: graphql.String},
			"jobId":     {Type: graphql.String},
			"metadata":  {Type: jsonScalar},
			"createdAt": {Type: graphql.String},
		},
	})

	variantType := graphql.NewObject(graphql.ObjectConfig{
		Name: "RecipeVariant",
		Fields: graphql.Fields{
			"name":        {Type: graphql.NewNonNull(graphql.String)},
			"description": {Type: graphql.String},
			"packages":    {Type: graphql.NewList(graphql.String)},
		},
	})

	storageType := graphql.NewObject(graphql.ObjectConfig{
		Name: "StorageStats",
		Fields: graphql.Fields{
			"root":           {Type: graphql.String},
			"totalBytes":     {Type: graphql.Float},
			"usedBytes":      {Type: graphql.Float},
			"availableBytes": {Type: graphql.Float},
			"jobCount":       {Type: graphql.Int},
		},
	})

	queryFields := graphql.Fields{
		"jobs": {
			Type: graphql.NewList(jobType),
			Args: graphql.FieldConfigArgument{
				"limit":  {Type: graphql.Int},
				"status": {Type: graphql.String},
			},
			Resolve: func(p graphql.ResolveParams) (interface{}, error) {
				if b.cfg.Jobs == nil {
					return []interface{}{}, nil
				}
				limit := 25
				if l, ok := p.Args["limit"].(int); ok && l > 0 {
					limit = l
				}
				jobs, err := b.cfg.Jobs.ListJobs(limit)
				if err != nil {
					return nil, err
				}
				status, _ := p.Args["status"].(string)
				return mapJobs(jobs, status), nil
			},
		},
		"job": {
			Type: jobType,
			Args: graphql.FieldConfigArgument{
				"id": {Type: graphql.NewNonNull(graphql.ID)},
			},
			Resolve: func(p graphql.ResolveParams) (interface{}, error) {
				if b.cfg.Jobs == nil {
					return nil, nil
				}
				id, _ := p.Args["id"].(string)
				job, err := b.cfg.Jobs.GetJob(id)
				if err != nil {
					return nil, err
				}
				return mapJob(job), nil
			},
		},
		"history": {
			Type: graphql.NewList(historyType),
			Args: graphql.FieldConfigArgument{
				"limit": {Type: graphql.Int},
				"jobId": {Type: graphql.String},
			},
			Resolve: func(p graphql.ResolveParams) (interface{}, error) {
				if b.cfg.History == nil {
					return []interface{}{}, nil
				}
				limit := 100
				if l, ok := p.Args["limit"].(int); ok && l > 0 {
					limit = l
				}
				entries, err := b.cfg.History.ListHistory(limit)
				if err != nil {
					return nil, err
				}
				jobID, _ := p.Args["jobId"].(string)
				return mapHistory(entries, jobID), nil
			},
		},
		"variants": {
			Type: graphql.NewList(variantType),
			Resolve: func(p graphql.ResolveParams) (interface{}, error) {
				return mapVariants(b.cfg.Recipe)
			},
		},
		"storage": {
			Type: storageType,
			Resolve: func(p graphql.ResolveParams) (interface{}, error) {
				if b.cfg.Storage == nil {
					return nil, nil
				}
				stats, err := b.cfg.Storage.Stats()
				if err != nil {
					return nil, err
				}
				return map[string]interface{}{
					"root":           stats.Root,
					"totalBytes":     float64(stats.TotalBytes),
					"usedBytes":      float64(stats.UsedBytes),
					"availableBytes": float64(stats.AvailableBytes),
					"jobCount":       stats.JobCount,
				}, nil
			},
		},
	}

	schema, err := graphql.NewSchema(graphql.SchemaConfig{
		Query: graphql.NewObject(graphql.ObjectConfig{
			Name:   "Query",
			Fields: queryFields,
		}),
	})
	if err != nil {
		return nil, err
	}
	return &schema, nil
}

func mapJobs(jobs []store.Job, status string) []interface{} {
	out := make([]interface{}, 0, len(jobs))
	for i := range jobs {
		if status != "" && string(jobs[i].Status) != status {
			continue
		}
		out = append(out, mapJob(&jobs[i]))
	}
	return out
}

func mapJob(job *store.Job) map[string]interface{} {
	if job == nil {
		return nil
	}
	return map[string]interface{}{
		"id":          job.ID,
		"type":        job.Type,
		"status":      string(job.Status),
		"stage":       job.Stage,
		"progress":    job.Progress,
		"message":     job.Message,
		"error":       job.Error,
		"attempt":     job.Attempt,
		"maxAttempts": job.MaxAttempts,
		"payload":     job.Payload,
		"result":      job.Result,
		"createdAt":   job.CreatedAt.Format(time.RFC3339),
		"updatedAt":   job.UpdatedAt.Format(time.RFC3339),
	}
}

func mapLogs(entries []store.JobLogEntry) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]interface{}{
			"timestamp": e.Timestamp.Format(time.RFC3339Nano),
			"level":     e.Level,
			"stage":     e.Stage,
			"message":   e.Message,
		})
	}
	return out
}

func mapHistory(entries []store.HistoryEntry, jobID string) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(entries))
	for _, e := range entries {
		if jobID != "" && e.JobID != jobID {
			continue
		}
		out = append(out, map[string]interface{}{
			"id":        e.ID,
			"event":     e.Event,
			"jobId":     e.JobID,
			"metadata":  e.Metadata,
			"createdAt": e.CreatedAt.Format(time.RFC3339),
		})
	}
	return out
}

func mapVariants(r *recipe.Recipe) ([]map[string]interface{}, error) {
	out := make([]map[string]interface{}, 0, len(r.Variants))
	for _, v := range r.Variants {
		plan, err := r.Resolve(v.Name)
		if err != nil {
			return nil, err
		}
		out = append(out, map[string]interface{}{
			"name":        v.Name,
			"description": v.Description,
			"packages":    plan.Packages,
		})
	}
	return out, nil
}

// EncodeGraphQLQuery is a helper for GraphQL testing (JSON request bodies).
func EncodeGraphQLQuery(query string) string {
	query = strings.TrimSpace(query)
	data, _ := json.Marshal(map[string]string{"query": query})
	return string(data)
}
