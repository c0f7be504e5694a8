package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestToken inserts an active token owned by userID and returns it.
func createTestToken(t *testing.T, s *SQLiteStore, userID string, limit int) *APIToken {
	t.Helper()
	tok := &APIToken{
		ID:              uuid.New().String(),
		TokenHash:       "salt:" + uuid.New().String(),
		Name:            "test",
		UserID:          userID,
		IsActive:        true,
		CreatedAt:       time.Now(),
		DailyImageLimit: limit,
	}
	if err := s.CreateToken(context.Background(), tok); err != nil {
		t.Fatalf("createTestToken: %v", err)
	}
	return tok
}

func createTestTask(t *testing.T, s *SQLiteStore) *ImageTask {
	t.Helper()
	task := &ImageTask{
		ID:        uuid.New().String(),
		Prompt:    "a red fox",
		Status:    TaskPending,
		CreatedAt: time.Now(),
	}
	if err := s.CreateImageTask(context.Background(), task); err != nil {
		t.Fatalf("createTestTask: %v", err)
	}
	return task
}

func TestTokenRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	tok := &APIToken{
		ID:              uuid.New().String(),
		TokenHash:       "c2FsdA==:aGFzaA==",
		Name:            "laptop",
		UserID:          "alice",
		IsActive:        true,
		CreatedAt:       time.Now(),
		ExpiresAt:       &expires,
		DailyImageLimit: 10,
	}
	if err := s.CreateToken(ctx, tok); err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	got, err := s.GetToken(ctx, tok.ID)
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if got == nil {
		t.Fatal("GetToken returned nil")
	}
	if got.Name != "laptop" || got.UserID != "alice" || !got.IsActive {
		t.Errorf("GetToken: got %+v", got)
	}
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(expires) {
		t.Errorf("ExpiresAt: got %v, want %v", got.ExpiresAt, expires)
	}
	if got.LastUsedAt != nil {
		t.Errorf("LastUsedAt: got %v, want nil", got.LastUsedAt)
	}
	if got.LastResetDate != "" {
		t.Errorf("LastResetDate: got %q, want empty", got.LastResetDate)
	}

	missing, err := s.GetToken(ctx, "nope")
	if err != nil || missing != nil {
		t.Errorf("GetToken(missing): got %v, %v", missing, err)
	}
}

func TestUnownedToken(t *testing.T) {
	s := newTestStore(t)
	tok := createTestToken(t, s, "", 10)

	got, err := s.GetToken(context.Background(), tok.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.UserID != "" {
		t.Errorf("UserID: got %q, want empty", got.UserID)
	}
}

func TestDeactivateTokenOwnership(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tok := createTestToken(t, s, "alice", 10)

	ok, err := s.DeactivateToken(ctx, tok.ID, "mallory")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("DeactivateToken by non-owner should not succeed")
	}

	ok, err = s.DeactivateToken(ctx, tok.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("DeactivateToken by owner should succeed")
	}

	active, err := s.ListActiveTokens(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 0 {
		t.Errorf("ListActiveTokens: got %d, want 0", len(active))
	}

	// Soft delete keeps the row.
	byUser, err := s.ListTokensByUser(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(byUser) != 1 || byUser[0].IsActive {
		t.Errorf("ListTokensByUser: got %+v", byUser)
	}
}

func TestImageCountLimitAndReset(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tok := createTestToken(t, s, "alice", 2)

	if err := s.ResetImageCount(ctx, tok.ID, "2026-01-01"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		ok, err := s.IncrementImageCount(ctx, tok.ID)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Fatalf("increment %d: got false, want true", i+1)
		}
	}
	ok, err := s.IncrementImageCount(ctx, tok.ID)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("increment over limit: got true, want false")
	}

	// Same day: no reset.
	if err := s.ResetImageCount(ctx, tok.ID, "2026-01-01"); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetToken(ctx, tok.ID)
	if got.TodayImageCount != 2 {
		t.Errorf("TodayImageCount same day: got %d, want 2", got.TodayImageCount)
	}

	// Next day resets.
	if err := s.ResetImageCount(ctx, tok.ID, "2026-01-02"); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetToken(ctx, tok.ID)
	if got.TodayImageCount != 0 || got.LastResetDate != "2026-01-02" {
		t.Errorf("after rollover: count=%d date=%q", got.TodayImageCount, got.LastResetDate)
	}
}

func TestImageTaskTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := createTestTask(t, s)
	now := time.Now()

	// Completed is not reachable from Pending.
	ok, err := s.TransitionImageTask(ctx, task.ID, TaskTransition{To: TaskCompleted, At: now, ImageURL: "u"})
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("pending -> completed should be rejected")
	}

	ok, err = s.TransitionImageTask(ctx, task.ID, TaskTransition{To: TaskProcessing, At: now, JobID: "job-1"})
	if err != nil || !ok {
		t.Fatalf("pending -> processing: %v, %v", ok, err)
	}

	// Idempotent processing keeps the job handle.
	ok, err = s.TransitionImageTask(ctx, task.ID, TaskTransition{To: TaskProcessing, At: now})
	if err != nil || !ok {
		t.Fatalf("processing -> processing: %v, %v", ok, err)
	}
	got, _ := s.GetImageTask(ctx, task.ID)
	if got.JobID != "job-1" {
		t.Errorf("JobID: got %q, want job-1", got.JobID)
	}

	ok, err = s.TransitionImageTask(ctx, task.ID, TaskTransition{
		To: TaskCompleted, At: now, ImageURL: "https://img/x.png", RevisedPrompt: "a vivid red fox",
	})
	if err != nil || !ok {
		t.Fatalf("processing -> completed: %v, %v", ok, err)
	}

	got, _ = s.GetImageTask(ctx, task.ID)
	if got.Status != TaskCompleted {
		t.Errorf("Status: got %q", got.Status)
	}
	if got.ImageURL != "https://img/x.png" || got.ErrorMessage != "" {
		t.Errorf("payload/error: got url=%q err=%q", got.ImageURL, got.ErrorMessage)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not stamped")
	}

	// Terminal: no further moves.
	ok, err = s.TransitionImageTask(ctx, task.ID, TaskTransition{To: TaskFailed, At: now, ErrorMessage: "late"})
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("completed -> failed should be rejected")
	}
}

func TestImageTaskFailedClearsPayload(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := createTestTask(t, s)

	if _, err := s.TransitionImageTask(ctx, task.ID, TaskTransition{To: TaskFailed, At: time.Now(), ErrorMessage: "rate limited"}); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetImageTask(ctx, task.ID)
	if got.Status != TaskFailed || got.ErrorMessage != "rate limited" {
		t.Errorf("got status=%q err=%q", got.Status, got.ErrorMessage)
	}
	if got.ImageData != "" || got.ImageURL != "" {
		t.Error("failed task must not carry an image")
	}
}

func TestCancelOnlyFromPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pending := createTestTask(t, s)
	ok, err := s.TransitionImageTask(ctx, pending.ID, TaskTransition{To: TaskCancelled, At: time.Now()})
	if err != nil || !ok {
		t.Fatalf("cancel pending: %v, %v", ok, err)
	}

	running := createTestTask(t, s)
	s.TransitionImageTask(ctx, running.ID, TaskTransition{To: TaskProcessing, At: time.Now()})
	ok, err = s.TransitionImageTask(ctx, running.ID, TaskTransition{To: TaskCancelled, At: time.Now()})
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("cancel processing should be rejected")
	}
}

func TestListImageTasksByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := createTestTask(t, s)
	createTestTask(t, s)
	s.TransitionImageTask(ctx, a.ID, TaskTransition{To: TaskProcessing, At: time.Now(), JobID: "j"})

	processing, err := s.ListImageTasksByStatus(ctx, TaskProcessing)
	if err != nil {
		t.Fatal(err)
	}
	if len(processing) != 1 || processing[0].ID != a.ID {
		t.Errorf("processing: got %+v", processing)
	}
	pending, _ := s.ListImageTasksByStatus(ctx, TaskPending)
	if len(pending) != 1 {
		t.Errorf("pending: got %d, want 1", len(pending))
	}
}

func TestDeviceAndConnections(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	d := &Device{
		ID:          uuid.New().String(),
		MACAddress:  "AA:BB:CC:DD:EE:FF",
		OwnerUserID: "bob",
		Status:      DeviceOnline,
		CreatedAt:   now,
	}
	if err := s.CreateDevice(ctx, d); err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}

	// MAC is unique.
	dup := *d
	dup.ID = uuid.New().String()
	if err := s.CreateDevice(ctx, &dup); err == nil {
		t.Error("duplicate MAC should fail")
	}

	got, err := s.GetDeviceByMAC(ctx, "AA:BB:CC:DD:EE:FF")
	if err != nil || got == nil {
		t.Fatalf("GetDeviceByMAC: %v, %v", got, err)
	}
	if got.Status != DeviceOnline || got.OwnerUserID != "bob" {
		t.Errorf("device: got %+v", got)
	}

	conn := &DeviceConnection{ConnectionID: "c1", DeviceID: d.ID, UserID: "bob", ConnectedAt: now, LastHeartbeatAt: &now}
	if err := s.UpsertDeviceConnection(ctx, conn); err != nil {
		t.Fatalf("UpsertDeviceConnection: %v", err)
	}
	// Upsert by connection id keeps a single row.
	conn.UserID = "carol"
	if err := s.UpsertDeviceConnection(ctx, conn); err != nil {
		t.Fatalf("UpsertDeviceConnection again: %v", err)
	}
	n, err := s.CountDeviceConnections(ctx, d.ID)
	if err != nil || n != 1 {
		t.Fatalf("CountDeviceConnections: %d, %v", n, err)
	}
	c, _ := s.GetDeviceConnection(ctx, "c1")
	if c.UserID != "carol" {
		t.Errorf("UserID after upsert: got %q", c.UserID)
	}

	ok, err := s.TouchDeviceConnection(ctx, "missing", now)
	if err != nil || ok {
		t.Errorf("TouchDeviceConnection(missing): %v, %v", ok, err)
	}

	ok, err = s.DeleteDeviceConnection(ctx, "c1")
	if err != nil || !ok {
		t.Fatalf("DeleteDeviceConnection: %v, %v", ok, err)
	}
	ok, err = s.DeleteDeviceConnection(ctx, "c1")
	if err != nil || ok {
		t.Errorf("second DeleteDeviceConnection: %v, %v", ok, err)
	}
}

func TestDeleteDeviceRequiresOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := &Device{ID: uuid.New().String(), MACAddress: "11:22:33:44:55:66", OwnerUserID: "bob", CreatedAt: time.Now()}
	if err := s.CreateDevice(ctx, d); err != nil {
		t.Fatal(err)
	}
	s.UpsertDeviceConnection(ctx, &DeviceConnection{ConnectionID: "c", DeviceID: d.ID, ConnectedAt: time.Now()})

	ok, err := s.DeleteDevice(ctx, d.ID, "carol")
	if err != nil || ok {
		t.Fatalf("DeleteDevice by non-owner: %v, %v", ok, err)
	}
	ok, err = s.DeleteDevice(ctx, d.ID, "bob")
	if err != nil || !ok {
		t.Fatalf("DeleteDevice by owner: %v, %v", ok, err)
	}
	if n, _ := s.CountDeviceConnections(ctx, d.ID); n != 0 {
		t.Errorf("connections left after delete: %d", n)
	}
}

func TestResetDeviceConnections(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := &Device{ID: uuid.New().String(), MACAddress: "de:ad:be:ef:00:01", Status: DeviceOnline, CreatedAt: time.Now()}
	s.CreateDevice(ctx, d)
	s.UpsertDeviceConnection(ctx, &DeviceConnection{ConnectionID: "stale", DeviceID: d.ID, ConnectedAt: time.Now()})

	n, err := s.ResetDeviceConnections(ctx, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("removed: got %d, want 1", n)
	}
	got, _ := s.GetDevice(ctx, d.ID)
	if got.Status != DeviceOffline {
		t.Errorf("Status: got %v, want Offline", got.Status)
	}
}

func TestAuditEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := &AuditEvent{ID: uuid.New().String(), Action: "token.created", UserID: "alice", CreatedAt: time.Now().Add(-48 * time.Hour)}
	recent := &AuditEvent{
		ID: uuid.New().String(), Action: "token.revoked", UserID: "alice",
		Detail: json.RawMessage(`{"token_id":"t1"}`), CreatedAt: time.Now(),
	}
	for _, e := range []*AuditEvent{old, recent} {
		if err := s.LogAuditEvent(ctx, e); err != nil {
			t.Fatalf("LogAuditEvent: %v", err)
		}
	}

	events, err := s.ListAuditEvents(ctx, AuditFilter{Action: "token.revoked"})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || string(events[0].Detail) != `{"token_id":"t1"}` {
		t.Errorf("ListAuditEvents: got %+v", events)
	}

	n, err := s.PurgeAuditEvents(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("PurgeAuditEvents: got %d, want 1", n)
	}
}
