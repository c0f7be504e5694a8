package tools

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/verdure-mcp/gateway/internal/auth"
	"github.com/verdure-mcp/gateway/internal/notify"
	"github.com/verdure-mcp/gateway/internal/store"
	"github.com/verdure-mcp/gateway/internal/tasks"
)

// Headers consulted by the built-in tools.
const (
	HeaderUserID    = "X-User-Id"
	HeaderUserEmail = "X-User-Email"
)

// Deps are the collaborators of the built-in tools.
type Deps struct {
	Tasks  *tasks.Dispatcher
	Mailer notify.Sender // nil makes send_email report a failure
}

// ImageResponse is returned by generate_image and get_image_task_status.
type ImageResponse struct {
	TaskID        string `json:"task_id,omitempty"`
	Status        string `json:"status"`
	Message       string `json:"message,omitempty"`
	ImageBase64   string `json:"image_base64,omitempty"`
	ImageURL      string `json:"image_url,omitempty"`
	RevisedPrompt string `json:"revised_prompt,omitempty"`
	ErrorMessage  string `json:"error_message,omitempty"`
	EmailSent     bool   `json:"email_sent"`
	IsAsync       bool   `json:"is_async"`
	CreatedAt     string `json:"created_at,omitempty"`
	CompletedAt   string `json:"completed_at,omitempty"`
}

// EmailResponse is returned by send_email.
type EmailResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Builtin returns the gateway's tool table.
func Builtin(d Deps) []Tool {
	return []Tool{
		{
			Name:        "generate_image",
			Description: "Generates an image from a text prompt. Runs in the background when the caller is identified; the result can be emailed.",
			Params: []Param{
				{Name: "prompt", Type: "string", Description: "Text description of the image", Required: true},
				{Name: "size", Type: "string", Description: "1024x1024, 1792x1024 or 1024x1792"},
				{Name: "quality", Type: "string", Description: "standard or hd"},
				{Name: "style", Type: "string", Description: "vivid or natural"},
				{Name: "email", Type: "string", Description: "Address to send the finished image to"},
			},
			QuotaBound: true,
			Handler:    d.generateImage,
		},
		{
			Name:        "get_image_task_status",
			Description: "Gets the status of an image generation task",
			Params: []Param{
				{Name: "task_id", Type: "string", Description: "The ID of the task to check", Required: true},
			},
			Handler: d.taskStatus,
		},
		{
			Name:        "send_email",
			Description: "Sends an email with optional image attachment",
			Params: []Param{
				{Name: "to_email", Type: "string", Description: "The recipient email address", Required: true},
				{Name: "subject", Type: "string", Description: "The email subject", Required: true},
				{Name: "body", Type: "string", Description: "The email body", Required: true},
				{Name: "image_base64", Type: "string", Description: "Optional base64-encoded image to attach"},
				{Name: "file_name", Type: "string", Description: "Attachment file name (default image.png)"},
			},
			Handler: d.sendEmail,
		},
		{
			Name:        "debug_print_headers",
			Description: "Returns the request headers the gateway received",
			Handler:     debugHeaders,
		},
	}
}

// callerUserID is the async marker: the X-User-Id header, else the owner
// of the authenticated token.
func callerUserID(inv *Invocation) string {
	if v := strings.TrimSpace(inv.Headers.Get(HeaderUserID)); v != "" {
		return v
	}
	if inv.Identity != nil {
		return inv.Identity.UserID
	}
	return ""
}

func (d Deps) generateImage(ctx context.Context, inv *Invocation) (any, error) {
	var args struct {
		Prompt  string `json:"prompt"`
		Size    string `json:"size"`
		Quality string `json:"quality"`
		Style   string `json:"style"`
		Email   string `json:"email"`
	}
	if err := inv.Bind(&args); err != nil {
		return nil, err
	}
	email := args.Email
	if email == "" {
		email = strings.TrimSpace(inv.Headers.Get(HeaderUserEmail))
	}

	task, err := d.Tasks.Submit(ctx, tasks.Request{
		Prompt:  args.Prompt,
		Size:    args.Size,
		Quality: args.Quality,
		Style:   args.Style,
		Email:   email,
		UserID:  callerUserID(inv),
	})
	if errors.Is(err, tasks.ErrInvalidRequest) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if err != nil {
		return nil, err
	}

	resp := imageResponse(task)
	switch {
	case task.Status == store.TaskFailed:
		resp.Message = task.ErrorMessage
	case resp.IsAsync && !task.Status.Terminal():
		resp.Message = "Image generation task has been queued. You will receive the result via email if provided."
	}
	return resp, nil
}

func (d Deps) taskStatus(ctx context.Context, inv *Invocation) (any, error) {
	var args struct {
		TaskID string `json:"task_id"`
	}
	if err := inv.Bind(&args); err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(args.TaskID); err != nil {
		return ImageResponse{Status: "error", Message: "Invalid task ID format"}, nil
	}
	task, err := d.Tasks.Get(ctx, args.TaskID)
	if err != nil {
		return nil, err
	}
	if task == nil || !canReadTask(task, inv.Identity) {
		return ImageResponse{Status: "error", Message: "Task not found"}, nil
	}
	return imageResponse(task), nil
}

// canReadTask decides visibility from the authenticated identity only. The
// X-User-Id header marks async work but is never trusted for ownership.
// Unowned tasks are public; owned ones are visible to their owner and to
// admins (the admin role or an unowned token).
func canReadTask(task *store.ImageTask, id *auth.Identity) bool {
	if task.UserID == "" {
		return true
	}
	if id == nil {
		return false
	}
	if id.UserID == task.UserID || id.HasRole("admin") {
		return true
	}
	return id.Source == auth.SourceToken && id.UserID == ""
}

func imageResponse(t *store.ImageTask) ImageResponse {
	r := ImageResponse{
		TaskID:        t.ID,
		Status:        string(t.Status),
		Message:       statusMessage(t.Status),
		ImageBase64:   t.ImageData,
		ImageURL:      t.ImageURL,
		RevisedPrompt: t.RevisedPrompt,
		ErrorMessage:  t.ErrorMessage,
		EmailSent:     t.EmailSent,
		IsAsync:       t.JobID != "",
		CreatedAt:     t.CreatedAt.Format(time.RFC3339),
	}
	if t.ErrorMessage != "" {
		r.Message = t.ErrorMessage
	}
	if t.CompletedAt != nil {
		r.CompletedAt = t.CompletedAt.Format(time.RFC3339)
	}
	return r
}

func statusMessage(s store.TaskStatus) string {
	switch s {
	case store.TaskPending:
		return "Task is pending"
	case store.TaskProcessing:
		return "Task is being processed"
	case store.TaskCompleted:
		return "Image generated successfully"
	case store.TaskFailed:
		return "Image generation failed"
	case store.TaskCancelled:
		return "Task was cancelled"
	}
	return "Unknown status"
}

func (d Deps) sendEmail(ctx context.Context, inv *Invocation) (any, error) {
	var args struct {
		To          string `json:"to_email"`
		Subject     string `json:"subject"`
		Body        string `json:"body"`
		ImageBase64 string `json:"image_base64"`
		FileName    string `json:"file_name"`
	}
	if err := inv.Bind(&args); err != nil {
		return nil, err
	}
	if args.To == "" {
		return nil, fmt.Errorf("%w: to_email is required", ErrInvalidArguments)
	}

	var image []byte
	if args.ImageBase64 != "" {
		b, err := base64.StdEncoding.DecodeString(args.ImageBase64)
		if err != nil {
			return EmailResponse{Message: "Invalid base64 image data format"}, nil
		}
		image = b
	}
	name := args.FileName
	if name == "" {
		name = "image.png"
	}
	if d.Mailer == nil {
		return EmailResponse{Message: "Failed to send email: " + notify.ErrNotConfigured.Error()}, nil
	}
	if err := d.Mailer.SendImageEmail(ctx, args.To, args.Subject, html.EscapeString(args.Body), image, name); err != nil {
		return EmailResponse{Message: "Failed to send email: " + err.Error()}, nil
	}
	return EmailResponse{Success: true, Message: "Email sent successfully to " + args.To}, nil
}

func debugHeaders(_ context.Context, inv *Invocation) (any, error) {
	out := make(map[string]string, len(inv.Headers))
	for k, vals := range inv.Headers {
		v := strings.Join(vals, ", ")
		if http.CanonicalHeaderKey(k) == "Authorization" {
			v = "[redacted]"
		}
		out[k] = v
	}
	return map[string]any{"headers": out}, nil
}
