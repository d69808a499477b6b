package main

import (
	"fmt"
	"os"

	tidewave "github.com/tidewave-im/tidewave-go"
)

// resolveAuth merges config-file auth with environment overrides.
// TIDEWAVE_TOKEN, TIDEWAVE_USER_ID, and TIDEWAVE_BASE_URL win over the file.
func resolveAuth() (token, userID, baseURL string) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	token = cfg.Auth.Token
	userID = cfg.Auth.UserID
	baseURL = cfg.Default.BaseURL

	if v := os.Getenv("TIDEWAVE_TOKEN"); v != "" {
		token = v
	}
	if v := os.Getenv("TIDEWAVE_USER_ID"); v != "" {
		userID = v
	}
	if v := os.Getenv("TIDEWAVE_BASE_URL"); v != "" {
		baseURL = v
	}
	return token, userID, baseURL
}

// getClient creates a Tidewave client from config and environment.
func getClient() *tidewave.Client {
	token, _, baseURL := resolveAuth()
	if token == "" {
		fmt.Fprintln(os.Stderr, "No auth token. Run 'tidewave init <token>' first.")
		os.Exit(1)
	}

	var opts []tidewave.ClientOption
	if baseURL != "" {
		opts = append(opts, tidewave.WithBaseURL(baseURL))
	}
	return tidewave.NewClient(token, opts...)
}

// getSession wires a full live session: REST client plus websocket channel.
func getSession() (*tidewave.Session, error) {
	token, userID, baseURL := resolveAuth()
	if token == "" {
		return nil, fmt.Errorf("no auth token; run 'tidewave init <token>' first")
	}
	if baseURL == "" {
		baseURL = tidewave.DefaultBaseURL
	}

	var opts []tidewave.ClientOption
	if baseURL != tidewave.DefaultBaseURL {
		opts = append(opts, tidewave.WithBaseURL(baseURL))
	}
	client := tidewave.NewClient(token, opts...)

	channel := tidewave.NewWSChannel(baseURL, &tidewave.ChannelConfig{
		Token:         token,
		AutoReconnect: true,
	})

	return tidewave.NewSession(client, channel, &tidewave.SessionOptions{UserID: userID}), nil
}
