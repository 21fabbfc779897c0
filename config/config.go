package config

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/joho/godotenv"
)

var loadEnvOnce sync.Once

func loadEnv() {
	loadEnvOnce.Do(func() {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "No .env file loaded: %v\n", err)
		}
	})
}

// Config returns a required environment variable and exits when it is missing.
func Config(envVar string) string {
	loadEnv()

	envVarValue := os.Getenv(envVar)
	if envVarValue == "" {
		fmt.Fprintf(os.Stderr, "%s not set\n", envVar)
		os.Exit(1)
	}

	return envVarValue
}

// ConfigOr returns an environment variable or a default when it is unset.
func ConfigOr(envVar, fallback string) string {
	loadEnv()

	if v := os.Getenv(envVar); v != "" {
		return v
	}
	return fallback
}

// ConfigDuration parses a duration-valued environment variable.
func ConfigDuration(envVar string, fallback time.Duration) time.Duration {
	loadEnv()

	v := os.Getenv(envVar)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s is not a valid duration: %v\n", envVar, err)
		os.Exit(1)
	}
	return d
}

var (
	secretMu    sync.Mutex
	secretCache = map[string]string{}
)

// Secret resolves a secret from Google Secret Manager, falling back to the
// given environment variable. Values are cached for the process lifetime so
// repeated lookups do not hit Secret Manager again. Secret Manager is only
// consulted when GOOGLE_CLOUD_PROJECT is set (e.g. on Cloud Run).
func Secret(secretID, envVar string) string {
	loadEnv()

	secretMu.Lock()
	defer secretMu.Unlock()

	if v, ok := secretCache[secretID]; ok {
		return v
	}

	if projectID := os.Getenv("GOOGLE_CLOUD_PROJECT"); projectID != "" {
		v, err := accessSecret(projectID, secretID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error accessing secret %s: %v\n", secretID, err)
		} else if v != "" {
			secretCache[secretID] = v
			return v
		}
	}

	v := os.Getenv(envVar)
	if v != "" {
		secretCache[secretID] = v
	}
	return v
}

func accessSecret(projectID, secretID string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return "", err
	}
	defer client.Close()

	name := fmt.Sprintf("projects/%s/secrets/%s/versions/latest", projectID, secretID)
	resp, err := client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	if err != nil {
		return "", err
	}

	return string(resp.GetPayload().GetData()), nil
}
