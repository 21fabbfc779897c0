package conversion

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const (
	meshyBaseURL = "https://api.meshy.ai"

	meshyPollTimeout  = 30 * time.Second
	meshyFetchTimeout = 5 * time.Minute
)

// MeshyClient talks to the Meshy image-to-3d endpoint. The image travels as a
// base64 data URI inside the JSON payload; the finished model comes back as a
// GLB URL under model_urls.
type MeshyClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	log     *zap.Logger
}

func NewMeshyClient(apiKey string, log *zap.Logger) *MeshyClient {
	return &MeshyClient{
		baseURL: meshyBaseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: meshyPollTimeout},
		log:     log.With(zap.String("provider", "meshy")),
	}
}

type meshySubmitRequest struct {
	ImageURL      string `json:"image_url"`
	EnablePBR     bool   `json:"enable_pbr"`
	ShouldRemesh  bool   `json:"should_remesh"`
	ShouldTexture bool   `json:"should_texture"`
}

type meshySubmitResponse struct {
	Result string `json:"result"`
}

type meshyTaskResponse struct {
	Status    string            `json:"status"`
	Progress  int               `json:"progress"`
	ModelURLs map[string]string `json:"model_urls"`
	TaskError struct {
		Message string `json:"message"`
	} `json:"task_error"`
}

func (m *MeshyClient) Submit(ctx context.Context, image []byte, contentType string) (string, error) {
	dataURI := fmt.Sprintf("data:%s;base64,%s", contentType, base64.StdEncoding.EncodeToString(image))

	body, err := json.Marshal(meshySubmitRequest{
		ImageURL:      dataURI,
		EnablePBR:     false,
		ShouldRemesh:  true,
		ShouldTexture: true,
	})
	if err != nil {
		return "", &SubmissionError{Message: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/openapi/v1/image-to-3d", bytes.NewReader(body))
	if err != nil {
		return "", &SubmissionError{Message: err.Error()}
	}
	m.authorize(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.http.Do(req)
	if err != nil {
		return "", &SubmissionError{Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		msg := readErrorBody(resp.Body)
		m.log.Warn("submit rejected", zap.Int("status", resp.StatusCode), zap.String("body", msg))
		return "", &SubmissionError{StatusCode: resp.StatusCode, Message: msg}
	}

	var out meshySubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &SubmissionError{Message: "malformed submit response: " + err.Error()}
	}
	if out.Result == "" {
		return "", &SubmissionError{Message: "no task id in submit response"}
	}

	m.log.Info("task submitted", zap.String("task_id", out.Result))
	return out.Result, nil
}

func (m *MeshyClient) Poll(ctx context.Context, taskID string) (PollResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+"/openapi/v1/image-to-3d/"+taskID, nil)
	if err != nil {
		return PollResult{}, &PollError{Message: err.Error()}
	}
	m.authorize(req)

	resp, err := m.http.Do(req)
	if err != nil {
		return PollResult{}, &PollError{Transient: true, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return PollResult{}, &PollError{
			Transient:  transientStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Message:    readErrorBody(resp.Body),
		}
	}

	var task meshyTaskResponse
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		return PollResult{}, &PollError{Transient: true, Message: "malformed task response: " + err.Error()}
	}

	switch task.Status {
	case "PENDING", "IN_PROGRESS":
		return PollResult{State: StateProcessing, Progress: task.Progress}, nil
	case "SUCCEEDED":
		glb := task.ModelURLs["glb"]
		if glb == "" {
			return PollResult{}, &PollError{Message: "succeeded task has no glb url"}
		}
		return PollResult{State: StateSucceeded, Progress: 100, ArtifactURL: glb}, nil
	case "FAILED":
		reason := task.TaskError.Message
		if reason == "" {
			reason = "conversion failed"
		}
		return PollResult{State: StateFailed, Reason: reason}, nil
	case "CANCELED":
		return PollResult{State: StateCanceled, Reason: "canceled by provider"}, nil
	}

	// Unknown statuses are treated as still-processing; the staleness cutoff
	// keeps a task that never settles from being polled forever.
	m.log.Warn("unknown task status", zap.String("task_id", taskID), zap.String("status", task.Status))
	return PollResult{State: StateProcessing, Progress: task.Progress}, nil
}

func (m *MeshyClient) FetchArtifact(ctx context.Context, artifactURL string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, meshyFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, artifactURL, nil)
	if err != nil {
		return nil, &DownloadError{Message: err.Error()}
	}

	// Artifact URLs are pre-signed; no auth header.
	resp, err := (&http.Client{Timeout: meshyFetchTimeout}).Do(req)
	if err != nil {
		return nil, &DownloadError{Transient: true, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &DownloadError{
			Transient:  transientStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Message:    readErrorBody(resp.Body),
		}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &DownloadError{Transient: true, Message: err.Error()}
	}
	return data, nil
}

func (m *MeshyClient) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+m.apiKey)
}
