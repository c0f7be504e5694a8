// Package tasks runs image generation tasks, inline or on a background
// executor, and delivers finished images by email.
package tasks

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/verdure-mcp/gateway/internal/imagegen"
	"github.com/verdure-mcp/gateway/internal/notify"
	"github.com/verdure-mcp/gateway/internal/store"
)

// ErrInvalidRequest is returned for a request without a prompt.
var ErrInvalidRequest = errors.New("invalid image request")

const (
	emailSubject = "Your Generated Image"
	writeTimeout = 10 * time.Second
)

// Request is an inbound image generation request. A non-empty UserID
// selects the background path.
type Request struct {
	Prompt  string
	Size    string
	Quality string
	Style   string
	Email   string
	UserID  string
}

// ImageSaver persists generated images and returns a public URL.
type ImageSaver interface {
	Save(b64, taskID string) (string, error)
}

// Options holds the optional collaborators of a Dispatcher.
type Options struct {
	Mailer notify.Sender // nil disables email delivery
	Images ImageSaver    // nil keeps images inline on the task
}

// Dispatcher owns the image task lifecycle.
type Dispatcher struct {
	store    store.Store
	provider imagegen.Provider
	exec     *Executor
	mailer   notify.Sender
	images   ImageSaver
	logger   *slog.Logger
	now      func() time.Time
}

// NewDispatcher creates a dispatcher. exec runs background tasks.
func NewDispatcher(s store.Store, p imagegen.Provider, exec *Executor, logger *slog.Logger, opts Options) *Dispatcher {
	return &Dispatcher{
		store:    s,
		provider: p,
		exec:     exec,
		mailer:   opts.Mailer,
		images:   opts.Images,
		logger:   logger.With("component", "tasks"),
		now:      time.Now,
	}
}

// Submit persists a Pending task and then either runs it inline, returning
// the terminal task, or hands it to the executor, returning it in
// Processing with a job handle. The path is chosen once, here.
func (d *Dispatcher) Submit(ctx context.Context, req Request) (*store.ImageTask, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("%w: prompt is required", ErrInvalidRequest)
	}
	norm := imagegen.Normalize(imagegen.Request{Size: req.Size, Quality: req.Quality, Style: req.Style})

	task := &store.ImageTask{
		ID:        uuid.New().String(),
		Prompt:    req.Prompt,
		Size:      norm.Size,
		Quality:   norm.Quality,
		Style:     norm.Style,
		Status:    store.TaskPending,
		Email:     req.Email,
		UserID:    req.UserID,
		CreatedAt: d.now().UTC(),
	}
	if err := d.store.CreateImageTask(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	if req.UserID == "" {
		d.logger.Info("running image task inline", "task_id", task.ID)
		d.execute(ctx, task.ID, false)
		return d.reload(ctx, task.ID)
	}

	handle := uuid.New().String()
	if _, err := d.store.TransitionImageTask(ctx, task.ID, store.TaskTransition{
		To: store.TaskProcessing, At: d.now().UTC(), JobID: handle,
	}); err != nil {
		return nil, fmt.Errorf("mark task processing: %w", err)
	}
	if err := d.enqueue(task.ID, handle); err != nil {
		d.fail(ctx, task.ID, req.UserID, err.Error())
	} else {
		d.logger.Info("image task queued", "task_id", task.ID, "job_id", handle, "user_id", req.UserID)
	}
	return d.reload(ctx, task.ID)
}

func (d *Dispatcher) enqueue(taskID, handle string) error {
	return d.exec.Submit(handle, func(ctx context.Context) {
		d.execute(ctx, taskID, true)
	})
}

func (d *Dispatcher) reload(ctx context.Context, id string) (*store.ImageTask, error) {
	task, err := d.store.GetImageTask(context.WithoutCancel(ctx), id)
	if err != nil {
		return nil, fmt.Errorf("load task: %w", err)
	}
	if task == nil {
		return nil, fmt.Errorf("task %s disappeared", id)
	}
	return task, nil
}

// execute moves a task to Processing, calls the provider and records the
// outcome. Every failure, a panic included, ends in Failed except a cancelled
// background run, which stays Processing so Resume can pick it up.
func (d *Dispatcher) execute(ctx context.Context, id string, background bool) {
	logger := d.logger.With("task_id", id)

	task, err := d.store.GetImageTask(ctx, id)
	if err != nil || task == nil {
		logger.Warn("task not found", "error", err)
		return
	}
	ok, err := d.store.TransitionImageTask(ctx, id, store.TaskTransition{To: store.TaskProcessing, At: d.now().UTC()})
	if err != nil {
		logger.Error("mark task processing failed", "error", err)
		return
	}
	if !ok {
		logger.Info("task is no longer runnable", "status", task.Status)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("image generation panicked", "panic", fmt.Sprint(r))
			d.fail(ctx, id, task.UserID, fmt.Sprintf("image generation panicked: %v", r))
		}
	}()

	res, err := d.provider.Generate(ctx, imagegen.Request{
		Prompt: task.Prompt, Size: task.Size, Quality: task.Quality, Style: task.Style,
	})
	if err == nil && res == nil {
		err = errors.New("image provider returned no result")
	}
	if err != nil {
		if ctx.Err() != nil && background {
			logger.Warn("background task interrupted, left for resume", "error", err)
			return
		}
		logger.Warn("image generation failed", "error", err)
		d.fail(ctx, id, task.UserID, err.Error())
		return
	}

	d.complete(ctx, task, res)
}

func (d *Dispatcher) complete(ctx context.Context, task *store.ImageTask, res *imagegen.Result) {
	logger := d.logger.With("task_id", task.ID)
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	tr := store.TaskTransition{
		To:            store.TaskCompleted,
		At:            d.now().UTC(),
		ImageData:     res.ImageBase64,
		ImageURL:      res.ImageURL,
		RevisedPrompt: res.RevisedPrompt,
	}
	if d.images != nil && res.ImageBase64 != "" {
		if url, err := d.images.Save(res.ImageBase64, task.ID); err != nil {
			logger.Warn("save image failed, keeping inline payload", "error", err)
		} else {
			tr.ImageURL = url
			tr.ImageData = ""
		}
	}

	ok, err := d.store.TransitionImageTask(wctx, task.ID, tr)
	if err != nil {
		logger.Error("mark task completed failed", "error", err)
		return
	}
	if !ok {
		logger.Warn("task changed state during generation, result dropped")
		return
	}
	logger.Info("image task completed")

	if task.Email != "" && d.mailer != nil {
		d.sendEmail(ctx, task, res, tr.ImageURL)
	}
}

// sendEmail is best effort: a failure is logged and EmailSent stays false.
func (d *Dispatcher) sendEmail(ctx context.Context, task *store.ImageTask, res *imagegen.Result, url string) {
	logger := d.logger.With("task_id", task.ID)

	var image []byte
	if res.ImageBase64 != "" {
		b, err := base64.StdEncoding.DecodeString(res.ImageBase64)
		if err != nil {
			logger.Warn("image payload is not valid base64", "error", err)
		} else {
			image = b
		}
	}
	if image == nil && url == "" {
		logger.Warn("no image to email")
		return
	}

	body := RenderEmailBody(task.Prompt, res.RevisedPrompt, url, image != nil)
	if err := d.mailer.SendImageEmail(ctx, task.Email, emailSubject, body, image, task.ID+".png"); err != nil {
		logger.Error("email delivery failed", "error", err)
		return
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	if err := d.store.MarkImageTaskEmailSent(wctx, task.ID, d.now().UTC()); err != nil {
		logger.Error("mark email sent failed", "error", err)
		return
	}
	logger.Info("image emailed")
}

// RenderEmailBody builds the HTML notification body. All interpolated text
// is escaped.
func RenderEmailBody(prompt, revised, url string, attached bool) string {
	if revised == "" {
		revised = "N/A"
	}
	var b strings.Builder
	b.WriteString("<h1>Your image has been generated!</h1>")
	fmt.Fprintf(&b, "<p>Prompt: %s</p>", html.EscapeString(prompt))
	fmt.Fprintf(&b, "<p>Revised prompt: %s</p>", html.EscapeString(revised))
	if !attached && url != "" {
		fmt.Fprintf(&b, `<p><a href="%s">View image</a></p>`, html.EscapeString(url))
	}
	return b.String()
}

func (d *Dispatcher) fail(ctx context.Context, id, userID, msg string) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	ok, err := d.store.TransitionImageTask(wctx, id, store.TaskTransition{
		To: store.TaskFailed, At: d.now().UTC(), ErrorMessage: msg,
	})
	if err != nil {
		d.logger.Error("record task failure failed", "task_id", id, "error", err)
		return
	}
	if !ok {
		return
	}
	detail, _ := json.Marshal(map[string]string{"error": msg})
	if err := d.store.LogAuditEvent(wctx, &store.AuditEvent{
		ID: uuid.New().String(), Action: "task.failed", UserID: userID, TargetID: id,
		Detail: detail, CreatedAt: d.now().UTC(),
	}); err != nil {
		d.logger.Warn("failed to log audit event", "action", "task.failed", "error", err)
	}
}

// Get returns a task or nil.
func (d *Dispatcher) Get(ctx context.Context, id string) (*store.ImageTask, error) {
	return d.store.GetImageTask(ctx, id)
}

// Cancel moves a Pending task to Cancelled. It reports false for any other
// state.
func (d *Dispatcher) Cancel(ctx context.Context, id string) (bool, error) {
	ok, err := d.store.TransitionImageTask(ctx, id, store.TaskTransition{To: store.TaskCancelled, At: d.now().UTC()})
	if err != nil {
		return false, fmt.Errorf("cancel task: %w", err)
	}
	if ok {
		d.logger.Info("image task cancelled", "task_id", id)
	}
	return ok, nil
}

// Resume handles tasks a previous process left in Processing. Background
// tasks are enqueued again; inline ones are failed since their caller is gone.
func (d *Dispatcher) Resume(ctx context.Context) (int, error) {
	pending, err := d.store.ListImageTasksByStatus(ctx, store.TaskProcessing)
	if err != nil {
		return 0, fmt.Errorf("list processing tasks: %w", err)
	}
	resumed := 0
	for _, t := range pending {
		if t.JobID == "" {
			d.fail(ctx, t.ID, t.UserID, "interrupted before completion")
			continue
		}
		if err := d.enqueue(t.ID, t.JobID); err != nil {
			d.fail(ctx, t.ID, t.UserID, err.Error())
			continue
		}
		resumed++
	}
	if resumed > 0 {
		d.logger.Info("resumed background tasks", "count", resumed)
	}
	return resumed, nil
}
