package agent

import (
	"fmt"

	"github.com/kilnd/kiln/internal/models"
)

type GPUProvider interface {
	GetGPUs() ([]models.GPU, error)
}

type FakeGPUProvider struct {
	GPUs []models.GPU
}

func (f *FakeGPUProvider) GetGPUs() ([]models.GPU, error) {
	return f.GPUs, nil
}

func NewFakeGPUProvider(agentName string, count int) *FakeGPUProvider {
	if count <= 0 {
		count = 2
	}
	p := &FakeGPUProvider{}
	for i := 0; i < count; i++ {
		p.GPUs = append(p.GPUs, models.GPU{
			Index:             i,
			UUID:              fmt.Sprintf("GPU-fake-%s-%02d", agentName, i),
			Name:              "NVIDIA A100-SXM4-40GB (Fake)",
			TotalMemMB:        40960,
			ComputeCapability: "8.0",
		})
	}
	return p
}
