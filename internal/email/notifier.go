package email

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Directory resolves a user id to their contact email. The billing service
// holds no user profiles; the main app exposes this lookup internally.
type Directory interface {
	EmailForUser(userID int64) (string, error)
}

// HTTPDirectory queries the app's internal user-directory endpoint.
type HTTPDirectory struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
}

func NewHTTPDirectory(baseURL, authToken string) *HTTPDirectory {
	return &HTTPDirectory{
		baseURL:    baseURL,
		authToken:  authToken,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

func (d *HTTPDirectory) EmailForUser(userID int64) (string, error) {
	req, err := http.NewRequest("GET", fmt.Sprintf("%s/internal/users/%d/email", d.baseURL, userID), nil)
	if err != nil {
		return "", fmt.Errorf("create directory request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+d.authToken)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("directory lookup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("directory lookup: status %d", resp.StatusCode)
	}

	var body struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode directory response: %w", err)
	}
	return body.Email, nil
}

// Notifier pairs the Postmark client with a user directory so lifecycle
// transitions can email by user id.
type Notifier struct {
	client    *Client
	directory Directory
}

func NewNotifier(client *Client, directory Directory) *Notifier {
	return &Notifier{client: client, directory: directory}
}

func (n *Notifier) SendPaymentFailed(userID int64, graceDeadline time.Time) error {
	to, err := n.directory.EmailForUser(userID)
	if err != nil {
		return err
	}
	return n.client.SendPaymentFailed(to, graceDeadline)
}

func (n *Notifier) SendSubscriptionEnded(userID int64) error {
	to, err := n.directory.EmailForUser(userID)
	if err != nil {
		return err
	}
	return n.client.SendSubscriptionEnded(to)
}
