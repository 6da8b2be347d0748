package alerts

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"golang.org/x/term"
)

// Secret names understood by the key manager
const (
	SecretResendAPIKey     = "RESEND_API_KEY"
	SecretPagerDutyKey     = "PAGERDUTY_ROUTING_KEY"
	SecretSlackWebhookURL  = "SLACK_WEBHOOK_URL"
	SecretTwilioAuthToken  = "TWILIO_AUTH_TOKEN"
	secretsFileName        = ".env"
	secretsFilePermissions = 0600
)

// KeyManager stores notification channel secrets in a private .env file
type KeyManager struct {
	configDir string
	envFile   string

	in         io.Reader
	out        io.Writer
	readSecret func() (string, error)
}

// NewKeyManager creates a key manager rooted at configDir. An empty
// configDir selects /etc/healthwatch for root and ~/.config/healthwatch otherwise.
func NewKeyManager(configDir string) *KeyManager {
	if configDir == "" {
		configDir = DefaultSecretsDir()
	}
	km := &KeyManager{
		configDir: configDir,
		envFile:   filepath.Join(configDir, secretsFileName),
		in:        os.Stdin,
		out:       os.Stdout,
	}
	km.readSecret = func() (string, error) {
		b, err := term.ReadPassword(int(syscall.Stdin))
		return string(b), err
	}
	return km
}

// DefaultSecretsDir returns where secrets live for the current user
func DefaultSecretsDir() string {
	if os.Getuid() == 0 {
		return "/etc/healthwatch"
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, ".config", "healthwatch")
	}
	return "/etc/healthwatch"
}

// Path returns the secrets file path
func (km *KeyManager) Path() string { return km.envFile }

// Get returns a secret from the environment, then from the secrets file
func (km *KeyManager) Get(key string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return km.readAllEnvVars()[key]
}

// Set stores a secret in the secrets file
func (km *KeyManager) Set(key, value string) error {
	if err := os.MkdirAll(km.configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	envVars := km.readAllEnvVars()
	envVars[key] = value
	return km.writeEnvFile(envVars)
}

// SetupResendAPIKey interactively sets up the Resend API key
func (km *KeyManager) SetupResendAPIKey() error {
	fmt.Fprintln(km.out, "🔑 Resend API Key Setup")
	fmt.Fprintln(km.out, "========================")
	fmt.Fprintln(km.out, "Email alerts need a Resend API key: https://resend.com/api-keys")
	fmt.Fprintln(km.out)

	reader := bufio.NewReader(km.in)

	if existing := km.Get(SecretResendAPIKey); existing != "" {
		fmt.Fprintf(km.out, "✅ Resend API key is already configured (ending with: ...%s)\n", lastChars(existing, 4))
		if !km.confirm(reader, "Do you want to update it? (y/N): ") {
			fmt.Fprintln(km.out, "Keeping existing API key.")
			return nil
		}
	}

	fmt.Fprint(km.out, "Enter your Resend API key (will be hidden): ")
	raw, err := km.readSecret()
	if err != nil {
		return fmt.Errorf("failed to read API key: %w", err)
	}
	fmt.Fprintln(km.out)

	apiKey := strings.TrimSpace(raw)
	if apiKey == "" {
		return fmt.Errorf("API key cannot be empty")
	}

	if !strings.HasPrefix(apiKey, "re_") {
		fmt.Fprintln(km.out, "⚠️  Warning: Resend API keys typically start with 're_'")
		if !km.confirm(reader, "Continue anyway? (y/N): ") {
			return fmt.Errorf("setup cancelled")
		}
	}

	if err := km.Set(SecretResendAPIKey, apiKey); err != nil {
		return fmt.Errorf("failed to save API key: %w", err)
	}

	fmt.Fprintf(km.out, "✅ Resend API key saved to %s\n", km.envFile)
	fmt.Fprintln(km.out, "Set notifications.email.from_email and default_to, then enable notifications.email.enabled.")
	return nil
}

func (km *KeyManager) confirm(reader *bufio.Reader, prompt string) bool {
	fmt.Fprint(km.out, prompt)
	response, _ := reader.ReadString('\n')
	response = strings.TrimSpace(strings.ToLower(response))
	return response == "y" || response == "yes"
}

// readAllEnvVars reads all KEY=VALUE pairs from the secrets file
func (km *KeyManager) readAllEnvVars() map[string]string {
	envVars := make(map[string]string)

	file, err := os.Open(km.envFile)
	if err != nil {
		return envVars
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if parts := strings.SplitN(line, "=", 2); len(parts) == 2 {
			key := strings.TrimSpace(parts[0])
			value := strings.TrimSpace(parts[1])
			if len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"' {
				value = value[1 : len(value)-1]
			}
			envVars[key] = value
		}
	}
	return envVars
}

// writeEnvFile rewrites the secrets file with owner-only permissions
func (km *KeyManager) writeEnvFile(envVars map[string]string) error {
	file, err := os.OpenFile(km.envFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, secretsFilePermissions)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := file.Chmod(secretsFilePermissions); err != nil {
		return err
	}

	keys := make([]string, 0, len(envVars))
	for k := range envVars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	writer := bufio.NewWriter(file)
	fmt.Fprintln(writer, "# healthwatch notification secrets")
	fmt.Fprintln(writer)
	for _, k := range keys {
		fmt.Fprintf(writer, "%s=%q\n", k, envVars[k])
	}
	return writer.Flush()
}

func lastChars(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
