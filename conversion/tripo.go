package conversion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const (
	tripoBaseURL = "https://api.tripo3d.ai"

	tripoPollTimeout  = 30 * time.Second
	tripoFetchTimeout = 5 * time.Minute
)

// TripoClient talks to the Tripo v2 API. Submission is two calls (multipart
// image upload for a token, then task creation with that token) and every
// response is wrapped in a {code, data, message} envelope where a non-zero
// code is an application-level error.
type TripoClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	log     *zap.Logger
}

func NewTripoClient(apiKey string, log *zap.Logger) *TripoClient {
	return &TripoClient{
		baseURL: tripoBaseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: tripoPollTimeout},
		log:     log.With(zap.String("provider", "tripo")),
	}
}

type tripoEnvelope struct {
	Code    int             `json:"code"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

type tripoUploadData struct {
	ImageToken string `json:"image_token"`
}

type tripoTaskCreated struct {
	TaskID string `json:"task_id"`
}

type tripoTaskData struct {
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Result   struct {
		PBRModel struct {
			URL string `json:"url"`
		} `json:"pbr_model"`
		Model struct {
			URL string `json:"url"`
		} `json:"model"`
	} `json:"result"`
}

func tripoFileType(contentType string) string {
	switch contentType {
	case "image/png":
		return "png"
	case "image/webp":
		return "webp"
	default:
		return "jpg"
	}
}

func (t *TripoClient) Submit(ctx context.Context, image []byte, contentType string) (string, error) {
	token, err := t.uploadImage(ctx, image, contentType)
	if err != nil {
		return "", err
	}

	payload, err := json.Marshal(map[string]interface{}{
		"type": "image_to_model",
		"file": map[string]string{
			"type":       tripoFileType(contentType),
			"file_token": token,
		},
	})
	if err != nil {
		return "", &SubmissionError{Message: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/v2/openapi/task", bytes.NewReader(payload))
	if err != nil {
		return "", &SubmissionError{Message: err.Error()}
	}
	t.authorize(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.http.Do(req)
	if err != nil {
		return "", &SubmissionError{Message: err.Error()}
	}
	defer resp.Body.Close()

	var created tripoTaskCreated
	if err := t.decodeEnvelope(resp, &created); err != nil {
		return "", err
	}
	if created.TaskID == "" {
		return "", &SubmissionError{Message: "no task id in task response"}
	}

	t.log.Info("task submitted", zap.String("task_id", created.TaskID))
	return created.TaskID, nil
}

func (t *TripoClient) uploadImage(ctx context.Context, image []byte, contentType string) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "upload."+tripoFileType(contentType))
	if err != nil {
		return "", &SubmissionError{Message: err.Error()}
	}
	if _, err := fw.Write(image); err != nil {
		return "", &SubmissionError{Message: err.Error()}
	}
	if err := mw.Close(); err != nil {
		return "", &SubmissionError{Message: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/v2/openapi/upload", &buf)
	if err != nil {
		return "", &SubmissionError{Message: err.Error()}
	}
	t.authorize(req)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := t.http.Do(req)
	if err != nil {
		return "", &SubmissionError{Message: err.Error()}
	}
	defer resp.Body.Close()

	var uploaded tripoUploadData
	if err := t.decodeEnvelope(resp, &uploaded); err != nil {
		return "", err
	}
	if uploaded.ImageToken == "" {
		return "", &SubmissionError{Message: "no image token in upload response"}
	}
	return uploaded.ImageToken, nil
}

func (t *TripoClient) Poll(ctx context.Context, taskID string) (PollResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/v2/openapi/task/"+taskID, nil)
	if err != nil {
		return PollResult{}, &PollError{Message: err.Error()}
	}
	t.authorize(req)

	resp, err := t.http.Do(req)
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

	var env tripoEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return PollResult{}, &PollError{Transient: true, Message: "malformed task response: " + err.Error()}
	}
	if env.Code != 0 {
		return PollResult{}, &PollError{Message: fmt.Sprintf("provider code %d: %s", env.Code, env.Message)}
	}

	var task tripoTaskData
	if err := json.Unmarshal(env.Data, &task); err != nil {
		return PollResult{}, &PollError{Transient: true, Message: "malformed task data: " + err.Error()}
	}

	switch task.Status {
	case "queued", "running":
		return PollResult{State: StateProcessing, Progress: task.Progress}, nil
	case "success":
		url := task.Result.PBRModel.URL
		if url == "" {
			url = task.Result.Model.URL
		}
		if url == "" {
			return PollResult{}, &PollError{Message: "successful task has no model url"}
		}
		return PollResult{State: StateSucceeded, Progress: 100, ArtifactURL: url}, nil
	case "failed", "banned", "expired":
		return PollResult{State: StateFailed, Reason: "task " + task.Status}, nil
	case "cancelled":
		return PollResult{State: StateCanceled, Reason: "canceled by provider"}, nil
	}

	t.log.Warn("unknown task status", zap.String("task_id", taskID), zap.String("status", task.Status))
	return PollResult{State: StateProcessing, Progress: task.Progress}, nil
}

func (t *TripoClient) FetchArtifact(ctx context.Context, artifactURL string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, tripoFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, artifactURL, nil)
	if err != nil {
		return nil, &DownloadError{Message: err.Error()}
	}

	resp, err := (&http.Client{Timeout: tripoFetchTimeout}).Do(req)
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

// decodeEnvelope unwraps the {code, data, message} wrapper into out, turning
// HTTP and application errors into SubmissionError.
func (t *TripoClient) decodeEnvelope(resp *http.Response, out interface{}) error {
	if resp.StatusCode != http.StatusOK {
		msg := readErrorBody(resp.Body)
		t.log.Warn("request rejected", zap.Int("status", resp.StatusCode), zap.String("body", msg))
		return &SubmissionError{StatusCode: resp.StatusCode, Message: msg}
	}

	var env tripoEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return &SubmissionError{Message: "malformed response: " + err.Error()}
	}
	if env.Code != 0 {
		return &SubmissionError{Message: fmt.Sprintf("provider code %d: %s", env.Code, env.Message)}
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &SubmissionError{Message: "malformed response data: " + err.Error()}
	}
	return nil
}

func (t *TripoClient) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+t.apiKey)
}
