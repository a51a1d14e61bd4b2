package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
		hasError bool
	}{
		{"debug", LevelDebug, false},
		{"DEBUG", LevelDebug, false},
		{"info", LevelInfo, false},
		{"INFO", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"ERROR", LevelError, false},
		{"invalid", LevelInfo, true},
		{"", LevelInfo, true},
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			level, err := ParseLevel(test.input)
			if test.hasError && err == nil {
				t.Error("expected error, got nil")
			}
			if !test.hasError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !test.hasError && level != test.expected {
				t.Errorf("expected %v, got %v", test.expected, level)
			}
		})
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		input    string
		expected Format
		hasError bool
	}{
		{"text", FormatText, false},
		{"TEXT", FormatText, false},
		{"json", FormatJSON, false},
		{"JSON", FormatJSON, false},
		{"", FormatText, false},
		{"xml", FormatText, true},
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			format, err := ParseFormat(test.input)
			if test.hasError && err == nil {
				t.Error("expected error, got nil")
			}
			if !test.hasError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !test.hasError && format != test.expected {
				t.Errorf("expected %v, got %v", test.expected, format)
			}
		})
	}
}

func TestLevelString(t *testing.T) {
	tests := []struct {
		level    Level
		expected string
	}{
		{LevelDebug, "debug"},
		{LevelInfo, "info"},
		{LevelWarn, "warn"},
		{LevelError, "error"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			result := LevelString(test.level)
			if result != test.expected {
				t.Errorf("expected %q, got %q", test.expected, result)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo {
		t.Errorf("expected default level Info, got %v", cfg.Level)
	}
	if cfg.Format != FormatText {
		t.Errorf("expected default format Text, got %v", cfg.Format)
	}
	if cfg.Output != "stderr" {
		t.Errorf("expected default output stderr, got %s", cfg.Output)
	}
	if cfg.MaxSizeMB <= 0 {
		t.Errorf("expected positive MaxSizeMB, got %d", cfg.MaxSizeMB)
	}
	if cfg.MaxAge <= 0 {
		t.Errorf("expected positive MaxAge, got %d", cfg.MaxAge)
	}
	if cfg.MaxBackups <= 0 {
		t.Errorf("expected positive MaxBackups, got %d", cfg.MaxBackups)
	}
	if cfg.Component != "shelfd" {
		t.Errorf("expected component shelfd, got %s", cfg.Component)
	}
}

func TestLoggerNew(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Output = "stderr"

	logger, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Close()

	if logger.Logger == nil {
		t.Error("logger.Logger is nil")
	}
}

func TestFileLogging(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "shelfd.log")

	cfg := &Config{
		Level:      LevelInfo,
		Format:     FormatJSON,
		Output:     "file",
		FilePath:   logPath,
		MaxSizeMB:  10,
		MaxBackups: 3,
		Component:  "test",
	}

	logger, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}

	logger.Info("shelf created", "shelf_id", "shelf-1", "auth_token", "s3cret")
	logger.Sync()
	logger.Close()

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("failed to read log: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one log line, got %d", len(lines))
	}

	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("log line is not valid JSON: %v", err)
	}
	if entry["msg"] != "shelf created" {
		t.Errorf("msg = %v", entry["msg"])
	}
	if entry["component"] != "test" {
		t.Errorf("component = %v", entry["component"])
	}
	if entry["shelf_id"] != "shelf-1" {
		t.Errorf("shelf_id = %v", entry["shelf_id"])
	}

	// Auth material must never reach the file.
	if entry["auth_token"] != "[REDACTED]" {
		t.Errorf("auth_token = %v, want redacted", entry["auth_token"])
	}
	if strings.Contains(string(data), "s3cret") {
		t.Error("secret value leaked into the log file")
	}
}

func TestLoggerWithRequestID(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Output = "stderr"

	logger, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Close()

	childLogger := logger.WithRequestID("test-request-123")
	if childLogger == nil {
		t.Error("WithRequestID returned nil")
	}
}

func TestLoggerWithComponent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Output = "stderr"

	logger, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Close()

	childLogger := logger.WithComponent("sensor")
	if childLogger == nil {
		t.Error("WithComponent returned nil")
	}
}

func TestRequestIDContext(t *testing.T) {
	ctx := context.Background()
	requestID := "test-request-456"

	ctx = ContextWithRequestID(ctx, requestID)

	extracted := RequestIDFromContext(ctx)
	if extracted != requestID {
		t.Errorf("expected %q, got %q", requestID, extracted)
	}
}

func TestRequestIDFromNilContext(t *testing.T) {
	extracted := RequestIDFromContext(nil)
	if extracted != "" {
		t.Errorf("expected empty string, got %q", extracted)
	}
}

func TestRequestIDFromEmptyContext(t *testing.T) {
	ctx := context.Background()
	extracted := RequestIDFromContext(ctx)
	if extracted != "" {
		t.Errorf("expected empty string, got %q", extracted)
	}
}

func TestShouldRedact(t *testing.T) {
	tests := []struct {
		key      string
		expected bool
	}{
		{"password", true},
		{"PASSWORD", true},
		{"user_password", true},
		{"secret", true},
		{"api_key", true},
		{"apikey", true},
		{"token", true},
		{"auth_token", true},
		{"access_token", true},
		{"bearer", true},
		{"credential", true},
		{"cookie", true},
		// Desktop session and shelf attributes must pass through.
		{"session_state", false},
		{"session_id", false},
		{"shelf_id", false},
		{"file_path", false},
		{"username", false},
		{"email", false},
		{"id", false},
		{"timestamp", false},
	}

	for _, test := range tests {
		t.Run(test.key, func(t *testing.T) {
			result := shouldRedact(test.key)
			if result != test.expected {
				t.Errorf("shouldRedact(%q) = %v, expected %v", test.key, result, test.expected)
			}
		})
	}
}

func TestNewRequestID(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Output = "stderr"
	cfg.Component = "test"

	logger, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Close()

	id1 := logger.NewRequestID()
	id2 := logger.NewRequestID()

	if id1 == "" {
		t.Error("NewRequestID returned empty string")
	}
	if id1 == id2 {
		t.Error("NewRequestID returned duplicate IDs")
	}
	if !strings.HasPrefix(id1, "test-") {
		t.Errorf("NewRequestID should start with component name, got %q", id1)
	}
}

func TestRotatorWrite(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "test.log")

	cfg := &Config{
		FilePath:   logPath,
		MaxSizeMB:  1,
		MaxAge:     7,
		MaxBackups: 3,
		Compress:   false,
	}

	rotator, err := NewRotator(cfg)
	if err != nil {
		t.Fatalf("failed to create rotator: %v", err)
	}
	defer rotator.Close()

	testData := []byte("test log line\n")
	n, err := rotator.Write(testData)
	if err != nil {
		t.Fatalf("failed to write: %v", err)
	}
	if n != len(testData) {
		t.Errorf("expected to write %d bytes, wrote %d", len(testData), n)
	}

	if _, err := os.Stat(logPath); os.IsNotExist(err) {
		t.Error("log file was not created")
	}

	if err := rotator.Sync(); err != nil {
		t.Errorf("sync failed: %v", err)
	}
}

func TestRotatorSizeRotation(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "test.log")

	cfg := &Config{
		FilePath:   logPath,
		MaxSizeMB:  1,
		MaxAge:     7,
		MaxBackups: 5,
		Compress:   false, // Keep rotated files visible
	}

	rotator, err := NewRotator(cfg)
	if err != nil {
		t.Fatalf("failed to create rotator: %v", err)
	}
	defer rotator.Close()

	// Push past 1 MB so a rotation fires.
	chunk := bytes.Repeat([]byte("x"), 64*1024)
	for i := 0; i < 20; i++ {
		if _, err := rotator.Write(chunk); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	files, err := rotator.Files()
	if err != nil {
		t.Fatalf("failed to get log files: %v", err)
	}
	if len(files) < 2 {
		t.Errorf("expected a rotated file, got %v", files)
	}

	// The live file restarted below the limit.
	info, err := os.Stat(logPath)
	if err != nil {
		t.Fatalf("stat live file: %v", err)
	}
	if info.Size() > 1024*1024 {
		t.Errorf("live file size %d exceeds the limit", info.Size())
	}
}

func TestRotatorDayRollover(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "test.log")

	cfg := &Config{
		FilePath:   logPath,
		MaxSizeMB:  100,
		MaxBackups: 5,
		Compress:   false,
	}

	rotator, err := NewRotator(cfg)
	if err != nil {
		t.Fatalf("failed to create rotator: %v", err)
	}
	defer rotator.Close()

	if _, err := rotator.Write([]byte("yesterday\n")); err != nil {
		t.Fatal(err)
	}

	// Pretend the file was opened yesterday.
	rotator.mu.Lock()
	rotator.openedAt = time.Now().AddDate(0, 0, -1)
	rotator.mu.Unlock()

	if _, err := rotator.Write([]byte("today\n")); err != nil {
		t.Fatal(err)
	}

	files, err := rotator.Files()
	if err != nil {
		t.Fatal(err)
	}
	if len(files) < 2 {
		t.Errorf("expected day rollover to rotate, got %v", files)
	}
}

func TestLoggerWithContext(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Output = "stderr"

	logger, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Close()

	ctx := context.Background()
	ctx = ContextWithRequestID(ctx, "test-req-789")

	childLogger := logger.WithContext(ctx)
	if childLogger == nil {
		t.Error("WithContext returned nil")
	}
}

func TestAuditLogger(t *testing.T) {
	auditPath := filepath.Join(t.TempDir(), "audit.log")

	cfg := &AuditLoggerConfig{
		FilePath:   auditPath,
		MaxSizeMB:  10,
		MaxAge:     7,
		MaxBackups: 3,
		Compress:   false,
		Component:  "test",
	}

	auditLogger, err := NewAuditLogger(cfg)
	if err != nil {
		t.Fatalf("failed to create audit logger: %v", err)
	}
	defer auditLogger.Close()

	ctx := context.Background()

	if err := auditLogger.LogStartup(ctx, "1.0.0", nil); err != nil {
		t.Errorf("LogStartup failed: %v", err)
	}
	if err := auditLogger.LogAuth(ctx, "pid=1234 uid=1000", false); err != nil {
		t.Errorf("LogAuth failed: %v", err)
	}
	if err := auditLogger.LogSensorControl(ctx, "sensor_stop", "pid=1234 uid=1000", nil); err != nil {
		t.Errorf("LogSensorControl failed: %v", err)
	}
	if err := auditLogger.LogEventInjection(ctx, "pid=1234 uid=1000", "begin_drag", false); err != nil {
		t.Errorf("LogEventInjection failed: %v", err)
	}
	if err := auditLogger.LogRecovery(ctx, "pid=1234 uid=1000", "sensor", true); err != nil {
		t.Errorf("LogRecovery failed: %v", err)
	}
	if err := auditLogger.LogConfigReload(ctx, "/tmp/config.toml", nil); err != nil {
		t.Errorf("LogConfigReload failed: %v", err)
	}
	if err := auditLogger.LogJournalPrune(ctx, 42); err != nil {
		t.Errorf("LogJournalPrune failed: %v", err)
	}
	if err := auditLogger.LogSessionPause(ctx, "lock"); err != nil {
		t.Errorf("LogSessionPause failed: %v", err)
	}
	if err := auditLogger.LogSessionResume(ctx, "unlock"); err != nil {
		t.Errorf("LogSessionResume failed: %v", err)
	}
	if err := auditLogger.LogRateLimited(ctx, "pid=1234 uid=1000"); err != nil {
		t.Errorf("LogRateLimited failed: %v", err)
	}
	if err := auditLogger.LogError(ctx, "journal_write", io.EOF, nil); err != nil {
		t.Errorf("LogError failed: %v", err)
	}
	if err := auditLogger.LogShutdown(ctx, "signal"); err != nil {
		t.Errorf("LogShutdown failed: %v", err)
	}

	auditLogger.Sync()

	data, err := os.ReadFile(auditPath)
	if err != nil {
		t.Fatalf("failed to read audit log: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("audit log is empty")
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 12 {
		t.Errorf("expected 12 audit lines, got %d", len(lines))
	}

	for i, line := range lines {
		var event map[string]interface{}
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			t.Errorf("line %d is not valid JSON: %v", i+1, err)
		}
	}

	// Spot-check the denied injection entry.
	var injection map[string]interface{}
	if err := json.Unmarshal([]byte(lines[3]), &injection); err != nil {
		t.Fatal(err)
	}
	if injection["event_type"] != string(AuditEventInjection) {
		t.Errorf("event_type = %v", injection["event_type"])
	}
	if injection["result"] != "denied" {
		t.Errorf("result = %v", injection["result"])
	}
	if injection["resource"] != "begin_drag" {
		t.Errorf("resource = %v", injection["resource"])
	}
	if injection["component"] != "test" {
		t.Errorf("component = %v", injection["component"])
	}
}

func TestCrashHandler(t *testing.T) {
	tmpDir := t.TempDir()

	cfg := &CrashHandlerConfig{
		CrashDir:  tmpDir,
		Version:   "1.0.0",
		Component: "test",
	}

	handler := NewCrashHandler(cfg)

	handler.HandlePanic("test panic value", map[string]interface{}{
		"test_key": "test_value",
	})

	reports, err := handler.GetCrashReports()
	if err != nil {
		t.Fatalf("failed to get crash reports: %v", err)
	}

	if len(reports) == 0 {
		t.Fatal("no crash report was created")
	}

	report := reports[0]
	if report.PanicValue != "test panic value" {
		t.Errorf("expected panic value 'test panic value', got %q", report.PanicValue)
	}
	if report.Version != "1.0.0" {
		t.Errorf("expected version '1.0.0', got %q", report.Version)
	}
	if report.Component != "test" {
		t.Errorf("expected component 'test', got %q", report.Component)
	}

	if got := handler.CrashReportCount(); got != len(reports) {
		t.Errorf("CrashReportCount = %d, want %d", got, len(reports))
	}

	if err := handler.ClearCrashReports(); err != nil {
		t.Errorf("ClearCrashReports failed: %v", err)
	}

	reports, _ = handler.GetCrashReports()
	if len(reports) != 0 {
		t.Error("crash reports were not cleared")
	}
}

func TestCrashHandlerRecovery(t *testing.T) {
	tmpDir := t.TempDir()

	cfg := &CrashHandlerConfig{
		CrashDir:  tmpDir,
		Version:   "1.0.0",
		Component: "test",
	}

	handler := NewCrashHandler(cfg)

	panicked := false
	handler.Recover(func() {
		panicked = true
		panic("intentional test panic")
	})

	if !panicked {
		t.Error("function did not run")
	}

	reports, _ := handler.GetCrashReports()
	if len(reports) == 0 {
		t.Error("crash report was not created for recovered panic")
	}
}

func TestCrashHandlerRecoverGoroutine(t *testing.T) {
	tmpDir := t.TempDir()

	handler := NewCrashHandler(&CrashHandlerConfig{
		CrashDir:  tmpDir,
		Component: "test",
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer handler.RecoverGoroutine()
		panic("goroutine panic")
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("goroutine never finished")
	}

	reports, _ := handler.GetCrashReports()
	if len(reports) != 1 {
		t.Fatalf("got %d crash reports, want 1", len(reports))
	}
	if reports[0].PanicValue != "goroutine panic" {
		t.Errorf("PanicValue = %q", reports[0].PanicValue)
	}
	if reports[0].Context["type"] != "goroutine" {
		t.Errorf("Context[type] = %v, want goroutine", reports[0].Context["type"])
	}
}

func TestCrashHandlerOnCrash(t *testing.T) {
	tmpDir := t.TempDir()

	var captured *CrashReport
	handler := NewCrashHandler(&CrashHandlerConfig{
		CrashDir:  tmpDir,
		Component: "test",
		OnCrash: func(r CrashReport) {
			captured = &r
		},
	})

	handler.Recover(func() {
		panic("callback test")
	})

	if captured == nil {
		t.Fatal("OnCrash callback not invoked")
	}
	if captured.PanicValue != "callback test" {
		t.Errorf("PanicValue = %q", captured.PanicValue)
	}
}

func TestCrashHandlerCleanupOld(t *testing.T) {
	tmpDir := t.TempDir()

	cfg := &CrashHandlerConfig{
		CrashDir:  tmpDir,
		Version:   "1.0.0",
		Component: "test",
	}

	handler := NewCrashHandler(cfg)

	for i := 0; i < 3; i++ {
		handler.HandlePanic("test panic", nil)
		time.Sleep(10 * time.Millisecond) // Ensure different timestamps
	}

	if err := handler.CleanupOldCrashReports(24 * time.Hour); err != nil {
		t.Errorf("CleanupOldCrashReports failed: %v", err)
	}

	// Fresh reports survive a generous max age.
	reports, _ := handler.GetCrashReports()
	if len(reports) == 0 {
		t.Error("recent reports should survive cleanup")
	}
}
