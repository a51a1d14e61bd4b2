package security

import (
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"testing"
	"time"
)

// =============================================================================
// Validation Tests
// =============================================================================

func TestPathValidator(t *testing.T) {
	v := DefaultPathValidator()

	tests := []struct {
		path    string
		wantErr bool
	}{
		{"/tmp/test.txt", false},
		{"../../../etc/passwd", true},      // Path traversal
		{"/tmp/../../../etc/passwd", true}, // Path traversal
		{"/tmp/test\x00.txt", true},        // Null byte
		{"", true},                         // Empty
	}

	for _, tt := range tests {
		_, err := v.ValidatePath(tt.path)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidatePath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
		}
	}
}

func TestPathValidatorWithRoots(t *testing.T) {
	tempDir := t.TempDir()

	v := &PathValidator{
		AllowedRoots:  []string{tempDir},
		MaxPathLength: 4096,
	}

	// Path within root should be allowed
	validPath := filepath.Join(tempDir, "test.txt")
	_, err := v.ValidatePath(validPath)
	if err != nil {
		t.Errorf("ValidatePath(%q) unexpected error: %v", validPath, err)
	}

	// Path outside root should be rejected
	_, err = v.ValidatePath("/etc/passwd")
	if err != ErrPathOutsideRoot {
		t.Errorf("ValidatePath(/etc/passwd) error = %v, want %v", err, ErrPathOutsideRoot)
	}
}

func TestItemPathValidatorKeepsSymlinks(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlink creation needs privileges on windows")
	}

	tempDir := t.TempDir()
	target := filepath.Join(tempDir, "target.txt")
	if err := os.WriteFile(target, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(tempDir, "link.txt")
	if err := os.Symlink(target, link); err != nil {
		t.Fatal(err)
	}

	// The item validator hands the symlink path through untouched.
	got, err := ItemPathValidator().ValidatePath(link)
	if err != nil {
		t.Fatalf("ItemPathValidator: %v", err)
	}
	if got != link {
		t.Errorf("ItemPathValidator resolved %q to %q", link, got)
	}

	// The default validator resolves to the real path.
	got, err = DefaultPathValidator().ValidatePath(link)
	if err != nil {
		t.Fatalf("DefaultPathValidator: %v", err)
	}
	resolved, _ := filepath.EvalSymlinks(target)
	if got != resolved {
		t.Errorf("DefaultPathValidator = %q, want %q", got, resolved)
	}
}

func TestValidateFilename(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"test.txt", false},
		{".hidden", false},
		{"", true},              // Empty
		{"test/file.txt", true}, // Contains separator
		{"test\x00.txt", true},  // Null byte
		{"CON", true},           // Reserved (Windows)
		{"test.", true},         // Ends with dot
		{" test", true},         // Leading space
		{"test ", true},         // Trailing space
	}

	for _, tt := range tests {
		err := ValidateFilename(tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateFilename(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
	}
}

func TestInputValidator(t *testing.T) {
	v := DefaultInputValidator()

	tests := []struct {
		input   string
		wantErr bool
	}{
		{"hello world", false},
		{"hello\nworld", false},      // Newlines allowed
		{"hello\x00world", true},     // Null byte
		{string([]byte{0x01}), true}, // Control character
		{"", false},                  // Empty is OK
	}

	for _, tt := range tests {
		err := v.Validate(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("Validate(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
		}
	}
}

func TestInputValidatorPattern(t *testing.T) {
	v := &InputValidator{
		MaxLength:      64,
		RequireUTF8:    true,
		AllowedPattern: regexp.MustCompile(`^[a-z_]+$`),
	}

	if err := v.Validate("begin_drag"); err != nil {
		t.Errorf("Validate(begin_drag) = %v", err)
	}
	if err := v.Validate("Begin Drag!"); err == nil {
		t.Error("pattern mismatch was accepted")
	}
}

func TestSanitizeLogOutput(t *testing.T) {
	tests := []struct {
		input    string
		contains string
	}{
		{"api_key=secret12345678901234", "[REDACTED]"},
		{"password: mypassword123456", "[REDACTED]"},
		{"token=0123456789abcdef0123456789abcdef01234567", "[REDACTED]"},
		{"normal log message", "normal log message"},
	}

	for _, tt := range tests {
		got := SanitizeLogOutput(tt.input)
		if !strings.Contains(got, tt.contains) {
			t.Errorf("SanitizeLogOutput(%q) = %q, want to contain %q", tt.input, got, tt.contains)
		}
	}
}

func TestValidateHexString(t *testing.T) {
	tests := []struct {
		s         string
		expectLen int
		wantErr   bool
	}{
		{"abcdef1234567890", 16, false},
		{"ABCDEF1234567890", 16, false},
		{"abc", 16, true}, // Too short
		{"ghij", 4, true}, // Invalid hex
	}

	for _, tt := range tests {
		err := ValidateHexString(tt.s, tt.expectLen)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateHexString(%q, %d) error = %v, wantErr %v", tt.s, tt.expectLen, err, tt.wantErr)
		}
	}
}

// =============================================================================
// Token Tests
// =============================================================================

func TestGenerateToken(t *testing.T) {
	token, err := GenerateToken()
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}

	if len(token) != TokenHexLen {
		t.Errorf("token length = %d, want %d", len(token), TokenHexLen)
	}
	if err := ValidateHexString(token, TokenHexLen); err != nil {
		t.Errorf("token is not hex: %v", err)
	}

	other, err := GenerateToken()
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}
	if token == other {
		t.Error("two generated tokens are identical")
	}
}

func TestLoadOrCreateToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth_token")

	token, err := LoadOrCreateToken(path)
	if err != nil {
		t.Fatalf("LoadOrCreateToken failed: %v", err)
	}
	if len(token) != TokenHexLen {
		t.Errorf("token length = %d, want %d", len(token), TokenHexLen)
	}

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatal(err)
		}
		if info.Mode().Perm() != PermSecretFile {
			t.Errorf("token file mode = %04o, want %04o", info.Mode().Perm(), PermSecretFile)
		}
	}

	// Second call returns the persisted token.
	again, err := LoadOrCreateToken(path)
	if err != nil {
		t.Fatalf("LoadOrCreateToken reload failed: %v", err)
	}
	if again != token {
		t.Error("reload returned a different token")
	}
}

func TestLoadOrCreateTokenCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth_token")
	if err := WriteSecretFile(path, []byte("not-a-token\n")); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadOrCreateToken(path); err == nil {
		t.Error("corrupt token file was accepted")
	}
}

func TestCompareTokens(t *testing.T) {
	tests := []struct {
		a, b  string
		equal bool
	}{
		{"abc123", "abc123", true},
		{"abc123", "abc124", false},
		{"abc123", "abc12", false},
		{"", "", true},
	}

	for _, tt := range tests {
		if got := CompareTokens(tt.a, tt.b); got != tt.equal {
			t.Errorf("CompareTokens(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.equal)
		}
	}
}

// =============================================================================
// File Security Tests
// =============================================================================

func TestWriteSecureFile(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "state.json")
	data := []byte(`{"shelves":[]}`)

	err := WriteSecretFile(path, data)
	if err != nil {
		t.Fatalf("WriteSecretFile failed: %v", err)
	}

	// Verify contents
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(got) != string(data) {
		t.Errorf("file contents mismatch: got %q, want %q", got, data)
	}

	// Verify permissions
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if runtime.GOOS != "windows" && info.Mode().Perm() != PermSecretFile {
		t.Errorf("file permissions = %04o, want %04o", info.Mode().Perm(), PermSecretFile)
	}
}

func TestAtomicWrite(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "test.txt")

	// Write initial content
	err := WriteSecureFile(path, []byte("initial"), PermPublicFile)
	if err != nil {
		t.Fatalf("WriteSecureFile failed: %v", err)
	}

	// Atomic update
	err = WriteSecureFile(path, []byte("updated"), PermPublicFile)
	if err != nil {
		t.Fatalf("WriteSecureFile update failed: %v", err)
	}

	got, _ := os.ReadFile(path)
	if string(got) != "updated" {
		t.Errorf("contents = %q, want updated", got)
	}

	// Verify no temp files left
	matches, _ := filepath.Glob(path + ".tmp.*")
	if len(matches) > 0 {
		t.Errorf("temp files left behind: %v", matches)
	}
}

func TestSecureFileWriterAbort(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "aborted.txt")

	w, err := NewSecureFileWriter(path, PermSecretFile)
	if err != nil {
		t.Fatalf("NewSecureFileWriter failed: %v", err)
	}
	w.Write([]byte("partial"))
	w.Abort()

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("aborted write left the target file")
	}
	matches, _ := filepath.Glob(path + ".tmp.*")
	if len(matches) > 0 {
		t.Errorf("temp files left behind: %v", matches)
	}
}

func TestReadSecureFileRejectsLoosePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not enforced on windows")
	}

	path := filepath.Join(t.TempDir(), "loose.txt")
	if err := os.WriteFile(path, []byte("data"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := ReadSecureFile(path, 0); err == nil {
		t.Error("group-readable file was accepted")
	}
}

func TestEnsureSecureDir(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "secure", "nested")

	err := EnsureSecureDir(path)
	if err != nil {
		t.Fatalf("EnsureSecureDir failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if !info.IsDir() {
		t.Error("expected directory, got file")
	}
	if runtime.GOOS != "windows" && info.Mode().Perm() != PermSecretDir {
		t.Errorf("directory permissions = %04o, want %04o", info.Mode().Perm(), PermSecretDir)
	}
}

func TestTryLockFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shelfd.pid")

	f1, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		t.Fatal(err)
	}
	defer f1.Close()

	if err := TryLockFile(f1); err != nil {
		t.Fatalf("first TryLockFile failed: %v", err)
	}

	f2, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		t.Fatal(err)
	}
	defer f2.Close()

	if err := TryLockFile(f2); err != ErrFileLocked {
		t.Errorf("second TryLockFile = %v, want ErrFileLocked", err)
	}

	if err := UnlockFile(f1); err != nil {
		t.Fatalf("UnlockFile failed: %v", err)
	}
	if err := TryLockFile(f2); err != nil {
		t.Errorf("TryLockFile after unlock = %v", err)
	}
	UnlockFile(f2)
}

// =============================================================================
// Rate Limiting Tests
// =============================================================================

func TestRateLimiter(t *testing.T) {
	// 10 ops/second, burst of 5
	rl := NewRateLimiter(10, 5)

	// Should allow burst
	for i := 0; i < 5; i++ {
		if !rl.Allow() {
			t.Errorf("burst operation %d was rate limited", i)
		}
	}

	// Next one should be limited
	if rl.Allow() {
		t.Error("expected rate limiting after burst")
	}

	// Wait for refill
	time.Sleep(200 * time.Millisecond)

	// Should allow again
	if !rl.Allow() {
		t.Error("expected operation after refill")
	}
}

func TestRateLimiterBlock(t *testing.T) {
	rl := NewRateLimiter(10, 5)

	// Block for 100ms
	rl.Block(100 * time.Millisecond)

	if rl.Allow() {
		t.Error("expected blocking")
	}

	// Wait for block to expire
	time.Sleep(150 * time.Millisecond)

	if !rl.Allow() {
		t.Error("expected operation after block expired")
	}
}

func TestRateLimiterReset(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	rl.Allow()
	rl.Allow()
	if rl.Allow() {
		t.Error("expected limiting before reset")
	}

	rl.Reset()
	if !rl.Allow() {
		t.Error("expected full capacity after reset")
	}
}

func TestRateLimiterWaitTimeout(t *testing.T) {
	rl := NewRateLimiter(0.1, 1) // One token per 10s
	rl.Allow()

	start := time.Now()
	err := rl.Wait(50 * time.Millisecond)
	if err != ErrRateLimited {
		t.Errorf("Wait = %v, want ErrRateLimited", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Wait blocked far past its timeout")
	}
}

func TestClientLimiter(t *testing.T) {
	cl := NewClientLimiter(10, 2, time.Minute)
	defer cl.Close()

	// Clients are limited independently.
	if !cl.Allow("pid=100 uid=1000") || !cl.Allow("pid=100 uid=1000") {
		t.Error("burst for first client was limited")
	}
	if cl.Allow("pid=100 uid=1000") {
		t.Error("first client exceeded burst without limiting")
	}
	if !cl.Allow("pid=200 uid=1000") {
		t.Error("second client was limited by first client's burst")
	}

	cl.Block("pid=200 uid=1000", time.Minute)
	if cl.Allow("pid=200 uid=1000") {
		t.Error("blocked client was allowed")
	}
}

func TestConnectionLimiter(t *testing.T) {
	cl := NewConnectionLimiter(3, 2)

	if !cl.Acquire("a") || !cl.Acquire("a") {
		t.Fatal("acquire within per-client limit failed")
	}
	if cl.Acquire("a") {
		t.Error("per-client limit not enforced")
	}
	if !cl.Acquire("b") {
		t.Error("second client rejected below global limit")
	}
	if cl.Acquire("c") {
		t.Error("global limit not enforced")
	}

	cl.Release("a")
	if !cl.Acquire("c") {
		t.Error("slot not released")
	}
	if cl.Current() != 3 {
		t.Errorf("Current() = %d, want 3", cl.Current())
	}
}

func TestFailureLimiter(t *testing.T) {
	fl := NewFailureLimiter(
		10*time.Millisecond,  // base delay
		100*time.Millisecond, // max delay
		time.Second,          // reset after
		5,                    // max failures
		time.Second,          // lock duration
	)

	key := "pid=300 uid=1000"

	// Record failures and verify exponential backoff
	delay1 := fl.RecordFailure(key)
	delay2 := fl.RecordFailure(key)

	if delay2 <= delay1 {
		t.Errorf("expected exponential backoff: delay2=%v should be > delay1=%v", delay2, delay1)
	}

	// Success should reset
	fl.RecordSuccess(key)
	delay3 := fl.RecordFailure(key)

	if delay3 >= delay2 {
		t.Errorf("expected reset after success: delay3=%v should be < delay2=%v", delay3, delay2)
	}
}

func TestFailureLimiterLock(t *testing.T) {
	fl := NewFailureLimiter(time.Millisecond, time.Millisecond, time.Minute, 3, time.Minute)

	key := "pid=400 uid=1000"
	if fl.IsLocked(key) {
		t.Error("fresh key reported locked")
	}

	fl.RecordFailure(key)
	fl.RecordFailure(key)
	fl.RecordFailure(key)

	if !fl.IsLocked(key) {
		t.Error("key not locked after max failures")
	}

	fl.RecordSuccess(key)
	if fl.IsLocked(key) {
		t.Error("key still locked after success")
	}
}

// =============================================================================
// Process Tests
// =============================================================================

func TestRunningAsRoot(t *testing.T) {
	want := os.Geteuid() == 0
	if got := RunningAsRoot(); got != want {
		t.Errorf("RunningAsRoot() = %v, want %v", got, want)
	}
}

func TestRestrictUmask(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("umask is a no-op on windows")
	}

	old := RestrictUmask()
	defer setUmask(old)

	if got := RestrictUmask(); got != 0077 {
		t.Errorf("umask after RestrictUmask = %04o, want 0077", got)
	}
}

// =============================================================================
// Benchmarks
// =============================================================================

func BenchmarkRateLimiterAllow(b *testing.B) {
	rl := NewRateLimiter(1000000, 1000000) // Very high limits

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rl.Allow()
	}
}

func BenchmarkCompareTokens(b *testing.B) {
	t1, _ := GenerateToken()
	t2, _ := GenerateToken()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		CompareTokens(t1, t2)
	}
}

// =============================================================================
// Fuzz Tests
// =============================================================================

func FuzzValidatePath(f *testing.F) {
	f.Add("/tmp/test.txt")
	f.Add("../../../etc/passwd")
	f.Add("/tmp/test\x00.txt")
	f.Add("")
	f.Add(strings.Repeat("a", 10000))

	v := DefaultPathValidator()

	f.Fuzz(func(t *testing.T, path string) {
		// Should not panic
		_, _ = v.ValidatePath(path)
	})
}

func FuzzValidateInput(f *testing.F) {
	f.Add("hello world")
	f.Add("hello\x00world")
	f.Add("")
	f.Add(strings.Repeat("a", 100000))

	v := DefaultInputValidator()

	f.Fuzz(func(t *testing.T, input string) {
		// Should not panic
		_ = v.Validate(input)
	})
}

func FuzzSanitizeLogOutput(f *testing.F) {
	f.Add("normal log")
	f.Add("api_key=secret123")
	f.Add("token=0123456789abcdef0123456789abcdef")

	f.Fuzz(func(t *testing.T, input string) {
		// Should not panic and must return something
		_ = SanitizeLogOutput(input)
	})
}
