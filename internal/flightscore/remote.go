package flightscore

import (
	"context"
	"fmt"

	"github.com/iqakit/calibra/internal/registry"
	"github.com/iqakit/calibra/internal/tensor"
)

// remoteMetric is a registry handle whose scoring happens on the Flight
// server. The device option is ignored: placement is the server's concern.
type remoteMetric struct {
	name   string
	client *Client
}

func (m *remoteMetric) Name() string { return m.name }

func (m *remoteMetric) Score(ctx context.Context, dist, ref *tensor.Tensor) (*registry.Result, error) {
	scores, err := m.client.Score(ctx, m.name, dist, ref)
	if err != nil {
		return nil, err
	}
	data := make([]float32, len(scores))
	for i, s := range scores {
		data[i] = float32(s)
	}
	t, err := tensor.FromData(data, len(data))
	if err != nil {
		return nil, err
	}
	return &registry.Result{Scores: []*tensor.Tensor{t}}, nil
}

// RegisterRemote installs registry entries for metrics served by client.
// Remote handles cannot back-propagate, so Differentiable is forced off
// whatever caps declares.
func RegisterRemote(r *registry.Registry, client *Client, names []string, caps registry.Capabilities) error {
	if client == nil {
		return fmt.Errorf("flightscore: nil client")
	}
	caps.Differentiable = false
	for _, name := range names {
		name := name
		builder := func(opts registry.Options) (registry.Metric, error) {
			if opts.AsLoss {
				return nil, fmt.Errorf("flightscore: remote metric %q cannot run as loss", name)
			}
			return &remoteMetric{name: name, client: client}, nil
		}
		if err := r.Register(name, builder, caps); err != nil {
			return err
		}
	}
	return nil
}
