package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"golang.org/x/xerrors"

	"github.com/khaledhikmat/crowdstream-go/service/config"
)

const postTimeout = 5 * time.Second

type httpService struct {
	CfgSvc config.IService
	client *http.Client
}

// NewHTTP posts JSON payloads to the configured webhook URL. With no URL
// configured it falls back to the in-memory fake.
func NewHTTP(cfgsvc config.IService) IService {
	if cfgsvc.GetWebhookURL() == "" {
		return NewFake(cfgsvc)
	}
	return &httpService{
		CfgSvc: cfgsvc,
		client: &http.Client{Timeout: postTimeout},
	}
}

func (svc *httpService) Post(ctx context.Context, payload map[string]interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return xerrors.Errorf("encoding webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, svc.CfgSvc.GetWebhookURL(), bytes.NewReader(body))
	if err != nil {
		return xerrors.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := svc.client.Do(req)
	if err != nil {
		return xerrors.Errorf("posting webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return xerrors.Errorf("webhook responded %d", resp.StatusCode)
	}
	return nil
}
