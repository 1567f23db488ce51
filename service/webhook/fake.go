package webhook

import (
	"context"
	"sync"

	"github.com/khaledhikmat/crowdstream-go/service/config"
)

// FakeService keeps posted payloads in memory.
type FakeService struct {
	CfgSvc config.IService

	mu       sync.Mutex
	payloads []map[string]interface{}
}

func NewFake(cfgsvc config.IService) *FakeService {
	return &FakeService{
		CfgSvc: cfgsvc,
	}
}

func (svc *FakeService) Post(_ context.Context, payload map[string]interface{}) error {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	svc.payloads = append(svc.payloads, payload)
	return nil
}

func (svc *FakeService) Payloads() []map[string]interface{} {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return append([]map[string]interface{}(nil), svc.payloads...)
}
