package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"
)

// Identity is what the session lifecycle service hands out before the socket
// is opened.
type Identity struct {
	UserID       string `json:"userId"`
	SessionToken string `json:"sessionToken"`
}

// JoinSession requests a session identity from the lifecycle service.
func JoinSession(ctx context.Context, baseURL, formID, displayName string) (Identity, error) {
	body, err := json.Marshal(map[string]string{"formId": formID, "displayName": displayName})
	if err != nil {
		return Identity{}, err
	}
	url := strings.TrimRight(baseURL, "/") + "/sessions/join"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Identity{}, fmt.Errorf("build join request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return Identity{}, fmt.Errorf("join session: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Identity{}, fmt.Errorf("join session: unexpected status %d", resp.StatusCode)
	}
	var id Identity
	if err := json.NewDecoder(resp.Body).Decode(&id); err != nil {
		return Identity{}, fmt.Errorf("decode join response: %w", err)
	}
	return id, nil
}

// LeaveSession notifies the lifecycle service, fire-and-forget. A lost
// notice is fine: peers remove us by heartbeat timeout either way.
func LeaveSession(baseURL, sessionToken string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		body, _ := json.Marshal(map[string]string{"sessionToken": sessionToken})
		url := strings.TrimRight(baseURL, "/") + "/sessions/leave"
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			log.Printf("collab: leave notice failed: %v", err)
			return
		}
		resp.Body.Close()
	}()
}
