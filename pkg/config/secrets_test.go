package config

import (
	"os"
	"testing"
)

func TestEncryptDecryptSecretsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	secrets := map[string]string{
		"ANTHROPIC_API_KEY": "sk-test-abc123",
		"OPENAI_API_KEY":    "sk-test-def456",
	}

	if err := EncryptSecretsFile(dir, "correct horse battery staple", secrets); err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if !SecretsFileExists(dir) {
		t.Fatal("expected secrets file to exist after encrypt")
	}

	got, err := DecryptSecretsFile(dir, "correct horse battery staple")
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if got["ANTHROPIC_API_KEY"] != secrets["ANTHROPIC_API_KEY"] {
		t.Errorf("expected round-tripped secret to match, got %q", got["ANTHROPIC_API_KEY"])
	}
}

func TestDecryptWithWrongPassphraseFails(t *testing.T) {
	dir := t.TempDir()
	if err := EncryptSecretsFile(dir, "right passphrase", map[string]string{"K": "V"}); err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	if _, err := DecryptSecretsFile(dir, "wrong passphrase"); err == nil {
		t.Fatal("expected decryption to fail with wrong passphrase")
	}
}

func TestGetSecretFallsBackToEnv(t *testing.T) {
	SetDecryptedSecrets(nil)
	t.Setenv("TEST_PROVIDER_KEY", "from-env")

	val, err := GetSecret("TEST_PROVIDER_KEY")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != "from-env" {
		t.Errorf("expected env fallback value, got %q", val)
	}
}

func TestGetSecretPrefersDecryptedOverEnv(t *testing.T) {
	SetDecryptedSecrets(map[string]string{"TEST_PROVIDER_KEY": "from-secrets-file"})
	t.Cleanup(func() { SetDecryptedSecrets(nil) })
	os.Setenv("TEST_PROVIDER_KEY", "from-env")
	t.Cleanup(func() { os.Unsetenv("TEST_PROVIDER_KEY") })

	val, err := GetSecret("TEST_PROVIDER_KEY")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != "from-secrets-file" {
		t.Errorf("expected decrypted secret to win, got %q", val)
	}
}

func TestSetSecretThenSaveToFile(t *testing.T) {
	SetDecryptedSecrets(nil)
	t.Cleanup(func() { SetDecryptedSecrets(nil) })

	SetSecret("OLLAMA_HOST_KEY", "local-token")
	dir := t.TempDir()
	if err := SaveSecretsToFile(dir, "passphrase"); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := DecryptSecretsFile(dir, "passphrase")
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if got["OLLAMA_HOST_KEY"] != "local-token" {
		t.Errorf("expected saved secret to round-trip, got %q", got["OLLAMA_HOST_KEY"])
	}
}
