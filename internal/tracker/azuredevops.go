package tracker

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"mail-story-sync/internal/config"
	"mail-story-sync/internal/model"
)

const (
	apiVersion         = "7.0"
	commentsAPIVersion = "7.0-preview.3"
	workItemType       = "User Story"
	descriptionField   = "System.Description"
	titleField         = "System.Title"
)

// AzureDevOpsClient is a thin HTTP client for the Azure DevOps work-item
// REST API. It handles PAT authentication, JSON (de)serialization, and
// automatic retry with backoff on HTTP 429.
type AzureDevOpsClient struct {
	baseURL    string
	project    string
	authHeader string
	httpClient *http.Client
	maxRetries int
}

// NewAzureDevOpsClient creates a tracker client. The baseURL is the
// organization root (e.g. https://dev.azure.com/acme) and token a Personal
// Access Token with work-item read/write scope.
func NewAzureDevOpsClient(cfg *config.TrackerConfig) *AzureDevOpsClient {
	credential := base64.StdEncoding.EncodeToString([]byte(":" + cfg.Token))
	return &AzureDevOpsClient{
		baseURL:    cfg.BaseURL,
		project:    cfg.Project,
		authHeader: "Basic " + credential,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		maxRetries: 3,
	}
}

type workItemResponse struct {
	ID     int                    `json:"id"`
	Fields map[string]interface{} `json:"fields"`
}

type patchOp struct {
	Op    string      `json:"op"`
	Path  string      `json:"path"`
	Value interface{} `json:"value"`
}

type attachmentResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// GetDescription returns the story description, or nil when no work item
// with the id exists.
func (c *AzureDevOpsClient) GetDescription(ctx context.Context, storyID int) (*string, error) {
	path := fmt.Sprintf("/%s/_apis/wit/workitems/%d?api-version=%s", c.project, storyID, apiVersion)

	var item workItemResponse
	status, err := c.do(ctx, http.MethodGet, path, "", nil, &item)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}

	description := ""
	if v, ok := item.Fields[descriptionField].(string); ok {
		description = v
	}
	return &description, nil
}

// Create creates a new User Story and returns its id.
func (c *AzureDevOpsClient) Create(ctx context.Context, title, description string) (int, error) {
	path := fmt.Sprintf("/%s/_apis/wit/workitems/$%s?api-version=%s",
		c.project, url.PathEscape(workItemType), apiVersion)

	patch := []patchOp{
		{Op: "add", Path: "/fields/" + titleField, Value: title},
		{Op: "add", Path: "/fields/" + descriptionField, Value: description},
	}

	var item workItemResponse
	status, err := c.do(ctx, http.MethodPost, path, "application/json-patch+json", patch, &item)
	if err != nil {
		return 0, err
	}
	if status >= 300 {
		return 0, fmt.Errorf("work item creation failed with status %d", status)
	}

	logrus.WithField("story_id", item.ID).Info("User Story created")
	return item.ID, nil
}

// AddComment appends a comment, attaches files, and optionally replaces the
// description in one logical update. An empty comment skips the comment post
// and only applies attachments/description.
func (c *AzureDevOpsClient) AddComment(ctx context.Context, storyID int, comment string, attachments []model.Attachment, replacementDescription *string) error {
	if comment != "" {
		commentPath := fmt.Sprintf("/%s/_apis/wit/workItems/%d/comments?api-version=%s",
			c.project, storyID, commentsAPIVersion)

		body := map[string]string{"text": comment}
		status, err := c.do(ctx, http.MethodPost, commentPath, "application/json", body, nil)
		if err != nil {
			return err
		}
		if status >= 300 {
			return fmt.Errorf("comment on story %d failed with status %d", storyID, status)
		}
	}

	var patch []patchOp
	if replacementDescription != nil {
		patch = append(patch, patchOp{
			Op:    "replace",
			Path:  "/fields/" + descriptionField,
			Value: *replacementDescription,
		})
	}
	for _, att := range attachments {
		ref, err := c.UploadAttachment(ctx, att.Data, att.Filename)
		if err != nil {
			return err
		}
		patch = append(patch, patchOp{
			Op:   "add",
			Path: "/relations/-",
			Value: map[string]interface{}{
				"rel": "AttachedFile",
				"url": ref.URL,
				"attributes": map[string]string{
					"name": ref.Filename,
				},
			},
		})
	}
	if len(patch) == 0 {
		return nil
	}

	itemPath := fmt.Sprintf("/%s/_apis/wit/workitems/%d?api-version=%s", c.project, storyID, apiVersion)
	status, err := c.do(ctx, http.MethodPatch, itemPath, "application/json-patch+json", patch, nil)
	if err != nil {
		return err
	}
	if status >= 300 {
		return fmt.Errorf("update of story %d failed with status %d", storyID, status)
	}
	return nil
}

// UploadAttachment stores raw bytes and returns the attachment reference.
func (c *AzureDevOpsClient) UploadAttachment(ctx context.Context, data []byte, filename string) (AttachmentRef, error) {
	path := fmt.Sprintf("/%s/_apis/wit/attachments?fileName=%s&api-version=%s",
		c.project, url.QueryEscape(filename), apiVersion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return AttachmentRef{}, fmt.Errorf("creating attachment request: %w", err)
	}
	req.Header.Set("Authorization", c.authHeader)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return AttachmentRef{}, fmt.Errorf("uploading attachment %s: %w", filename, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return AttachmentRef{}, fmt.Errorf("reading attachment response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return AttachmentRef{}, fmt.Errorf("attachment upload failed with status %d: %s",
			resp.StatusCode, truncate(respBody))
	}

	var uploaded attachmentResponse
	if err := json.Unmarshal(respBody, &uploaded); err != nil {
		return AttachmentRef{}, fmt.Errorf("decoding attachment response: %w", err)
	}
	return AttachmentRef{URL: uploaded.URL, Filename: filename}, nil
}

// do is the core HTTP method: auth, JSON marshaling, 429 retry with
// exponential backoff. It returns the final status code; 404 is reported as
// a status, not an error, so callers can treat "not found" as a value.
func (c *AzureDevOpsClient) do(ctx context.Context, method, path, contentType string, body, result interface{}) (int, error) {
	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshaling request body: %w", err)
		}
		payload = data
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		var bodyReader io.Reader
		if payload != nil {
			bodyReader = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
		if err != nil {
			return 0, fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("Authorization", c.authHeader)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", contentType)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return 0, fmt.Errorf("executing request %s %s: %w", method, path, err)
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return 0, fmt.Errorf("reading response body: %w", readErr)
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("rate limited (429) on %s %s", method, path)
			wait := time.Duration(1<<uint(attempt)) * time.Second
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(wait):
			}
			continue
		}

		if resp.StatusCode == http.StatusNotFound {
			return resp.StatusCode, nil
		}
		if resp.StatusCode >= 400 {
			return resp.StatusCode, fmt.Errorf("%s %s failed with status %d: %s",
				method, path, resp.StatusCode, truncate(respBody))
		}

		if result != nil && len(respBody) > 0 {
			if err := json.Unmarshal(respBody, result); err != nil {
				return resp.StatusCode, fmt.Errorf("decoding response: %w", err)
			}
		}
		return resp.StatusCode, nil
	}

	return 0, fmt.Errorf("request failed after %d retries: %w", c.maxRetries, lastErr)
}

func truncate(body []byte) string {
	const max = 200
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
