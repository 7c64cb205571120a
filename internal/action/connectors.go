package action

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"ontoflow/internal/domain"
)

func unmarshalPayload(raw string, v any) error {
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("decode job payload: %w", err)
	}
	return nil
}

// RESTConnector issues an HTTP request described by the connector config:
// url, method (default POST), optional headers map. The input document is
// sent as the JSON body.
type RESTConnector struct {
	Client *http.Client
}

func NewRESTConnector(timeout time.Duration) RESTConnector {
	return RESTConnector{Client: &http.Client{Timeout: timeout}}
}

func (c RESTConnector) Execute(ctx context.Context, config, input domain.Metadata) (domain.Metadata, error) {
	url, _ := config["url"].(string)
	if url == "" {
		return nil, fmt.Errorf("rest connector: url is required")
	}
	method, _ := config["method"].(string)
	if method == "" {
		method = http.MethodPost
	}
	body, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("rest connector: marshal input: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if headers, ok := config["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("rest connector: %s %s returned %d", method, url, resp.StatusCode)
	}
	out := domain.Metadata{"status_code": resp.StatusCode}
	var decoded any
	if json.Unmarshal(respBody, &decoded) == nil {
		out["body"] = decoded
	} else {
		out["body"] = string(respBody)
	}
	return out, nil
}

// WebhookConnector posts the input document to a fixed URL. A thin REST
// connector with the method pinned, kept separate so action definitions can
// distinguish outbound notifications from API calls.
type WebhookConnector struct {
	Client *http.Client
}

func NewWebhookConnector(timeout time.Duration) WebhookConnector {
	return WebhookConnector{Client: &http.Client{Timeout: timeout}}
}

func (c WebhookConnector) Execute(ctx context.Context, config, input domain.Metadata) (domain.Metadata, error) {
	cfg := domain.Metadata{"url": config["url"], "method": http.MethodPost}
	if headers, ok := config["headers"]; ok {
		cfg["headers"] = headers
	}
	return RESTConnector{Client: c.Client}.Execute(ctx, cfg, input)
}

// SQLConnector runs one statement against the platform database. Config:
// statement (with ? placeholders), args (array of input paths or literals).
type SQLConnector struct {
	DB *sql.DB
}

func (c SQLConnector) Execute(ctx context.Context, config, input domain.Metadata) (domain.Metadata, error) {
	statement, _ := config["statement"].(string)
	if statement == "" {
		return nil, fmt.Errorf("sql connector: statement is required")
	}
	var args []any
	if raw, ok := config["args"].([]any); ok {
		for _, a := range raw {
			// String args name an input key; anything else is a literal.
			if key, ok := a.(string); ok {
				if v, ok := input[key]; ok {
					args = append(args, v)
					continue
				}
			}
			args = append(args, a)
		}
	}
	res, err := c.DB.ExecContext(ctx, statement, args...)
	if err != nil {
		return nil, fmt.Errorf("sql connector: %w", err)
	}
	n, _ := res.RowsAffected()
	return domain.Metadata{"rows_affected": n}, nil
}

// EmailConnector sends plain-text mail over SMTP. Config: to (string or
// array), subject, body; templating is the caller's job.
type EmailConnector struct {
	Host string
	Port int
	From string

	// send is swappable for tests.
	send func(addr, from string, to []string, msg []byte) error
}

func NewEmailConnector(host string, port int, from string) *EmailConnector {
	return &EmailConnector{
		Host: host,
		Port: port,
		From: from,
		send: func(addr, from string, to []string, msg []byte) error {
			return smtp.SendMail(addr, nil, from, to, msg)
		},
	}
}

func (c *EmailConnector) Execute(ctx context.Context, config, input domain.Metadata) (domain.Metadata, error) {
	var to []string
	switch v := config["to"].(type) {
	case string:
		to = []string{v}
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok {
				to = append(to, s)
			}
		}
	}
	if len(to) == 0 {
		return nil, fmt.Errorf("email connector: to is required")
	}
	subject, _ := config["subject"].(string)
	body, _ := config["body"].(string)

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", c.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n\r\n%s\r\n", subject, body)

	addr := fmt.Sprintf("%s:%d", c.Host, c.Port)
	if err := c.send(addr, c.From, to, msg.Bytes()); err != nil {
		return nil, fmt.Errorf("email connector: %w", err)
	}
	return domain.Metadata{"recipients": len(to)}, nil
}
