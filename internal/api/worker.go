package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/smazurov/upscaler/internal/api/models"
	"github.com/smazurov/upscaler/internal/worker"
)

func (s *Server) registerWorkerRoutes() {
	if s.worker == nil {
		return
	}

	huma.Register(s.api, huma.Operation{
		OperationID: "get-status",
		Method:      http.MethodGet,
		Path:        "/api/status",
		Summary:     "Worker Status",
		Description: "Get active jobs, registered observers and the tool options applied to new jobs",
		Tags:        []string{"worker"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, func(_ context.Context, _ *struct{}) (*models.StatusResponse, error) {
		return &models.StatusResponse{Body: s.worker.Status()}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/api/jobs",
		Summary:     "List Jobs",
		Description: "List recent upscale jobs, newest first",
		Tags:        []string{"jobs"},
		Security:    withAuth(),
		Errors:      []int{401, 422},
	}, func(_ context.Context, input *models.JobsRequest) (*models.JobsResponse, error) {
		jobs := s.worker.ListJobs()
		if input.State != "" {
			filtered := make([]worker.JobRecord, 0, len(jobs))
			for _, j := range jobs {
				if string(j.State) == input.State {
					filtered = append(filtered, j)
				}
			}
			jobs = filtered
		}
		return &models.JobsResponse{
			Body: models.JobsData{Jobs: jobs, Count: len(jobs)},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/api/jobs/{id}",
		Summary:     "Get Job",
		Description: "Get one upscale job by id",
		Tags:        []string{"jobs"},
		Security:    withAuth(),
		Errors:      []int{401, 404},
	}, func(_ context.Context, input *models.JobRequest) (*models.JobResponse, error) {
		job, ok := s.worker.GetJob(input.ID)
		if !ok {
			return nil, huma.Error404NotFound("job not found: " + input.ID)
		}
		return &models.JobResponse{Body: job}, nil
	})
}
